package in

import (
	"context"

	keysdto "flowsync/internal/modules/keys/dto"
	keysin "flowsync/internal/modules/keys/port/in"
)

type CLIHandler struct {
	usecase keysin.Usecase
}

func NewCLIHandler(usecase keysin.Usecase) CLIHandler {
	return CLIHandler{usecase: usecase}
}

func (h CLIHandler) Show(ctx context.Context, roomID string) (keysdto.ShowKeyOutput, error) {
	return h.usecase.ShowKey(ctx, keysdto.ShowKeyInput{RoomID: roomID})
}

func (h CLIHandler) Encrypt(ctx context.Context, roomID, plaintext string) (keysdto.EncryptOutput, error) {
	return h.usecase.Encrypt(ctx, keysdto.EncryptInput{RoomID: roomID, Plaintext: plaintext})
}

func (h CLIHandler) Decrypt(ctx context.Context, roomID, ciphertext string) (keysdto.DecryptOutput, error) {
	return h.usecase.Decrypt(ctx, keysdto.DecryptInput{RoomID: roomID, Ciphertext: ciphertext})
}

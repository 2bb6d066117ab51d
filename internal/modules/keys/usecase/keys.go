package usecase

import (
	"context"
	"strings"

	"flowsync/internal/modules/keys/domain"
	keysdto "flowsync/internal/modules/keys/dto"
	keysin "flowsync/internal/modules/keys/port/in"
	"flowsync/internal/modules/keys/service"
	apperrors "flowsync/internal/platform/errors"
)

type Interactor struct {
	manager *service.KeyManager
}

func NewInteractor(manager *service.KeyManager) keysin.Usecase {
	return &Interactor{manager: manager}
}

func (i *Interactor) ShowKey(ctx context.Context, input keysdto.ShowKeyInput) (keysdto.ShowKeyOutput, error) {
	dek, err := i.manager.GetKeyForRoom(ctx, input.RoomID)
	if err != nil {
		return keysdto.ShowKeyOutput{}, err
	}
	return keysdto.ShowKeyOutput{
		UserID:      i.manager.UserID(),
		RoomID:      input.RoomID,
		Algorithm:   domain.AlgorithmGCM,
		Fingerprint: dek.Fingerprint(),
	}, nil
}

func (i *Interactor) Encrypt(ctx context.Context, input keysdto.EncryptInput) (keysdto.EncryptOutput, error) {
	dek, err := i.manager.GetKeyForRoom(ctx, input.RoomID)
	if err != nil {
		return keysdto.EncryptOutput{}, err
	}
	ciphertext, err := domain.Encrypt([]byte(input.Plaintext), dek)
	if err != nil {
		return keysdto.EncryptOutput{}, err
	}
	return keysdto.EncryptOutput{RoomID: input.RoomID, Ciphertext: ciphertext}, nil
}

func (i *Interactor) Decrypt(ctx context.Context, input keysdto.DecryptInput) (keysdto.DecryptOutput, error) {
	if strings.TrimSpace(input.Ciphertext) == "" {
		return keysdto.DecryptOutput{}, apperrors.ErrInvalidInput
	}
	dek, err := i.manager.GetKeyForRoom(ctx, input.RoomID)
	if err != nil {
		return keysdto.DecryptOutput{}, err
	}
	plaintext, err := domain.Decrypt(strings.TrimSpace(input.Ciphertext), dek)
	if err != nil {
		return keysdto.DecryptOutput{}, err
	}
	return keysdto.DecryptOutput{RoomID: input.RoomID, Plaintext: string(plaintext)}, nil
}

package in

import (
	"context"

	"flowsync/internal/modules/keys/dto"
)

type Usecase interface {
	ShowKey(ctx context.Context, input dto.ShowKeyInput) (dto.ShowKeyOutput, error)
	Encrypt(ctx context.Context, input dto.EncryptInput) (dto.EncryptOutput, error)
	Decrypt(ctx context.Context, input dto.DecryptInput) (dto.DecryptOutput, error)
}

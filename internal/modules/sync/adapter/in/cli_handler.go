package in

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	syncdto "flowsync/internal/modules/sync/dto"
	syncin "flowsync/internal/modules/sync/port/in"
	apperrors "flowsync/internal/platform/errors"
)

type CLIHandler struct {
	usecase syncin.Room
}

func NewCLIHandler(usecase syncin.Room) CLIHandler {
	return CLIHandler{usecase: usecase}
}

// Put stores raw as JSON. Input that is not valid JSON is stored as a string.
func (h CLIHandler) Put(ctx context.Context, key, raw string) (syncdto.PutOutput, error) {
	value := json.RawMessage(raw)
	if !json.Valid(value) {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return syncdto.PutOutput{}, err
		}
		value = encoded
	}
	return h.usecase.Put(ctx, syncdto.PutInput{Key: key, Value: value})
}

func (h CLIHandler) Get(ctx context.Context, key string) (syncdto.GetOutput, error) {
	return h.usecase.Get(ctx, syncdto.GetInput{Key: key})
}

func (h CLIHandler) List(ctx context.Context) (syncdto.ListOutput, error) {
	return h.usecase.List(ctx)
}

func (h CLIHandler) Delete(ctx context.Context, key string) (syncdto.DeleteOutput, error) {
	return h.usecase.Delete(ctx, syncdto.DeleteInput{Key: key})
}

func (h CLIHandler) Status(ctx context.Context) (syncdto.StatusOutput, error) {
	return h.usecase.Status(ctx)
}

func (h CLIHandler) Rooms(ctx context.Context) (syncdto.RoomsOutput, error) {
	return h.usecase.Rooms(ctx)
}

func (h CLIHandler) Backups(ctx context.Context) (syncdto.BackupsOutput, error) {
	return h.usecase.Backups(ctx)
}

// Restore accepts the RFC 3339 time printed by Backups.
func (h CLIHandler) Restore(ctx context.Context, takenAt string) (syncdto.RestoreOutput, error) {
	at, err := time.Parse(time.RFC3339Nano, takenAt)
	if err != nil {
		return syncdto.RestoreOutput{}, fmt.Errorf("%w: backup time %q: %v", apperrors.ErrInvalidInput, takenAt, err)
	}
	return h.usecase.Restore(ctx, syncdto.RestoreInput{TakenAt: at})
}

func (h CLIHandler) Watch(ctx context.Context) (<-chan syncdto.RoomView, error) {
	return h.usecase.Watch(ctx)
}

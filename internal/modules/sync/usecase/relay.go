package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"flowsync/internal/modules/sync/domain"
	syncdto "flowsync/internal/modules/sync/dto"
	syncin "flowsync/internal/modules/sync/port/in"
	syncout "flowsync/internal/modules/sync/port/out"
	apperrors "flowsync/internal/platform/errors"
)

type RelayInteractor struct {
	store syncout.RemoteStore
}

func NewRelayInteractor(store syncout.RemoteStore) syncin.Relay {
	return &RelayInteractor{store: store}
}

func (i *RelayInteractor) Subscribe(userID, roomID string, onSnapshot func(syncdto.ReplicaSnapshot), onError func(error)) (func(), error) {
	if err := requireRoom(userID, roomID); err != nil {
		return nil, err
	}
	return i.store.Subscribe(userID, roomID, syncout.SubscriptionHandler{
		OnSnapshot: func(snapshot domain.Snapshot) {
			onSnapshot(syncdto.ReplicaSnapshot{Record: toReplica(snapshot.Record), Exists: snapshot.Exists})
		},
		OnError: onError,
	})
}

func (i *RelayInteractor) Fetch(ctx context.Context, userID, roomID string) (syncdto.ReplicaSnapshot, error) {
	if err := requireRoom(userID, roomID); err != nil {
		return syncdto.ReplicaSnapshot{}, err
	}
	record, found, err := i.store.Fetch(ctx, userID, roomID)
	if err != nil {
		return syncdto.ReplicaSnapshot{}, err
	}
	return syncdto.ReplicaSnapshot{Record: toReplica(record), Exists: found}, nil
}

func (i *RelayInteractor) Write(ctx context.Context, input syncdto.WriteReplicaInput) error {
	if err := requireRoom(input.Record.UserID, input.Record.RoomID); err != nil {
		return err
	}
	err := i.store.Write(ctx, fromReplica(input.Record), input.ExpectedVersion)
	if errors.Is(err, domain.ErrVersionConflict) {
		return fmt.Errorf("%w: %v", apperrors.ErrConflict, err)
	}
	return err
}

func requireRoom(userID, roomID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("%w: user and room are required", apperrors.ErrInvalidInput)
	}
	return nil
}

func toReplica(record domain.RemoteRecord) syncdto.ReplicaRecord {
	return syncdto.ReplicaRecord{
		RoomID:    record.RoomID,
		UserID:    record.UserID,
		SessionID: record.SessionID,
		Version:   record.Version,
		State:     record.State,
		UpdatedAt: record.UpdatedAt,
	}
}

func fromReplica(record syncdto.ReplicaRecord) domain.RemoteRecord {
	return domain.RemoteRecord{
		RoomID:    record.RoomID,
		UserID:    record.UserID,
		SessionID: record.SessionID,
		Version:   record.Version,
		State:     record.State,
		UpdatedAt: record.UpdatedAt,
	}
}

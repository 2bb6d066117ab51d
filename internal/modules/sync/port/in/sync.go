package in

import (
	"context"

	"flowsync/internal/modules/sync/dto"
)

// Room edits and inspects the "data" map of one synced room.
type Room interface {
	Put(ctx context.Context, input dto.PutInput) (dto.PutOutput, error)
	Get(ctx context.Context, input dto.GetInput) (dto.GetOutput, error)
	List(ctx context.Context) (dto.ListOutput, error)
	Delete(ctx context.Context, input dto.DeleteInput) (dto.DeleteOutput, error)
	Status(ctx context.Context) (dto.StatusOutput, error)
	Rooms(ctx context.Context) (dto.RoomsOutput, error)
	// Backups lists the device's rolling backups of this room, newest first.
	Backups(ctx context.Context) (dto.BackupsOutput, error)
	// Restore makes the room's entries match a backup again. The restored
	// values are new edits, so they sync like any other change.
	Restore(ctx context.Context, input dto.RestoreInput) (dto.RestoreOutput, error)
	// Watch emits a view whenever the room's content or status changes. The
	// channel is closed when ctx ends.
	Watch(ctx context.Context) (<-chan dto.RoomView, error)
}

// Relay exposes a remote store to relay clients. Version conflicts are
// reported as apperrors.ErrConflict.
type Relay interface {
	Subscribe(userID, roomID string, onSnapshot func(dto.ReplicaSnapshot), onError func(error)) (cancel func(), err error)
	Fetch(ctx context.Context, userID, roomID string) (dto.ReplicaSnapshot, error)
	Write(ctx context.Context, input dto.WriteReplicaInput) error
}

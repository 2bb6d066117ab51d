package out

import (
	"context"
	"time"

	"flowsync/internal/modules/sync/domain"
)

// LocalStore opens the on-device persistence for a room.
type LocalStore interface {
	Open(ctx context.Context, roomID string) (LocalHandle, error)
}

// RoomLister is implemented by local stores that can enumerate saved rooms.
type RoomLister interface {
	Rooms(ctx context.Context) ([]string, error)
}

// LocalHandle holds one room's encoded document. Load returns nil when
// nothing has been saved yet.
type LocalHandle interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, state []byte) error
	Close() error
}

// ChangeWatcher is implemented by handles that can observe writes made by
// other processes.
type ChangeWatcher interface {
	Changes() <-chan struct{}
}

// BackupWriter is implemented by handles that keep rolling full-state
// backups. Backup stores state taken at at and drops backups older than
// pruneBefore.
type BackupWriter interface {
	Backup(ctx context.Context, at time.Time, state []byte, pruneBefore time.Time) error
}

// BackupStore is implemented by local stores that can read backups back.
// Backups are listed newest first.
type BackupStore interface {
	Backups(ctx context.Context, roomID string) ([]domain.Backup, error)
	LoadBackup(ctx context.Context, roomID string, takenAt time.Time) ([]byte, error)
}

// SubscriptionHandler receives remote deliveries in transport order. Exactly
// one snapshot (possibly with Exists=false) is delivered first, unless the
// subscription fails.
type SubscriptionHandler struct {
	OnSnapshot func(domain.Snapshot)
	OnError    func(error)
}

// RemoteStore holds one versioned record per (user, room).
type RemoteStore interface {
	Subscribe(userID, roomID string, handler SubscriptionHandler) (cancel func(), err error)
	Fetch(ctx context.Context, userID, roomID string) (record domain.RemoteRecord, found bool, err error)
	// Write commits record only if the stored version equals expectedVersion
	// (0 when absent); otherwise it returns domain.ErrVersionConflict.
	Write(ctx context.Context, record domain.RemoteRecord, expectedVersion int64) error
}

// Network reports connectivity. Watch callbacks fire on every transition.
type Network interface {
	Online() bool
	Watch(fn func(online bool)) (stop func())
}

// SnapshotCipher seals snapshots before they leave the device.
type SnapshotCipher interface {
	Seal(ctx context.Context, plaintext []byte) ([]byte, error)
	Open(ctx context.Context, sealed []byte) ([]byte, error)
}

package out

import (
	"context"

	"flowsync/internal/modules/keys/domain"
)

// KeyRecordStore holds wrapped DEKs under the user's keyspace.
type KeyRecordStore interface {
	// Get reports found=false when no record exists for the room.
	Get(ctx context.Context, userID, roomID string) (record domain.DEKRecord, found bool, err error)
	// Create stores the record only if none exists yet; otherwise it returns
	// domain.ErrKeyRecordExists and leaves the stored record untouched.
	Create(ctx context.Context, userID, roomID string, record domain.DEKRecord) error
}

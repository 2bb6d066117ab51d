package domain

import (
	"errors"
	"time"
)

var (
	ErrVersionConflict  = errors.New("remote version conflict")
	ErrOffline          = errors.New("sync engine is offline")
	ErrEngineClosed     = errors.New("sync engine is closed")
	ErrUnsupportedDSN   = errors.New("unsupported store dsn")
	ErrEmptyRoomID      = errors.New("room id is required")
	ErrSnapshotTooLarge = errors.New("snapshot too large")
	ErrBackupNotFound   = errors.New("backup not found")
)

// RemoteRecord is the single replicated snapshot of a room. Each successful
// write replaces the previous record and bumps Version by one.
type RemoteRecord struct {
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	Version   int64     `json:"version"`
	State     []byte    `json:"state"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot is one delivery from a remote subscription. Exists is false when
// the room has no record yet.
type Snapshot struct {
	Record RemoteRecord
	Exists bool
}

package domain

import "time"

// MaxSnapshotBytes caps one pushed snapshot. Relay frames carry the state
// base64-encoded, so this leaves room under the 16 MiB frame limit.
const MaxSnapshotBytes = 11 << 20

// Backup describes one full-state copy of a room kept on this device.
type Backup struct {
	RoomID  string    `json:"roomId"`
	TakenAt time.Time `json:"takenAt"`
	Size    int       `json:"size"`
}

package dto

// Relay frame types. Clients send subscribe, unsubscribe, fetch and write;
// the relay answers every request with a result carrying the same ID and
// pushes snapshot and error frames for live subscriptions.
const (
	RelayPath = "/v1/sync"
	// MaxFrameBytes bounds one relay frame; snapshots carry whole documents.
	MaxFrameBytes = 16 << 20

	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameFetch       = "fetch"
	FrameWrite       = "write"
	FrameResult      = "result"
	FrameSnapshot    = "snapshot"
	FrameError       = "error"

	CodeConflict = "conflict"
)

type Frame struct {
	Type            string         `json:"type"`
	ID              uint64         `json:"id,omitempty"`
	UserID          string         `json:"userId,omitempty"`
	RoomID          string         `json:"roomId,omitempty"`
	Record          *ReplicaRecord `json:"record,omitempty"`
	Exists          bool           `json:"exists,omitempty"`
	ExpectedVersion int64          `json:"expectedVersion,omitempty"`
	Error           string         `json:"error,omitempty"`
	Code            string         `json:"code,omitempty"`
}

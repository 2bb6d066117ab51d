package dto

import (
	"encoding/json"
	"time"
)

type StatusOutput struct {
	RoomID       string `json:"roomId"`
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	PendingCount int    `json:"pendingCount"`
}

type Entry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type PutInput struct {
	Key   string
	Value json.RawMessage
}

type PutOutput struct {
	Key    string       `json:"key"`
	Status StatusOutput `json:"status"`
}

type GetInput struct {
	Key string
}

type GetOutput struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type ListOutput struct {
	RoomID  string  `json:"roomId"`
	Entries []Entry `json:"entries"`
}

type DeleteInput struct {
	Key string
}

type DeleteOutput struct {
	Key    string       `json:"key"`
	Status StatusOutput `json:"status"`
}

type RoomsOutput struct {
	Rooms []string `json:"rooms"`
}

type Backup struct {
	TakenAt time.Time `json:"takenAt"`
	Size    int       `json:"size"`
}

type BackupsOutput struct {
	RoomID  string   `json:"roomId"`
	Backups []Backup `json:"backups"`
}

type RestoreInput struct {
	TakenAt time.Time
}

type RestoreOutput struct {
	TakenAt time.Time    `json:"takenAt"`
	Entries int          `json:"entries"`
	Status  StatusOutput `json:"status"`
}

// RoomView is what a live watcher renders: current entries plus sync status.
type RoomView struct {
	RoomID  string
	Status  StatusOutput
	Entries []Entry
}

// ReplicaRecord is a remote room record as it crosses the relay boundary.
type ReplicaRecord struct {
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	Version   int64     `json:"version"`
	State     []byte    `json:"state"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ReplicaSnapshot struct {
	Record ReplicaRecord
	Exists bool
}

type WriteReplicaInput struct {
	Record          ReplicaRecord
	ExpectedVersion int64
}

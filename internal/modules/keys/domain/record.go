package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUninitialized   = errors.New("key manager is not initialized")
	ErrKeyRecordExists = errors.New("key record already exists")
	ErrEmptyRoomID     = errors.New("room id is required")
)

// DEKRecord is the persisted, wrapped form of a room's DEK. One per
// (user, room); never rewritten once created.
type DEKRecord struct {
	WrappedKey string    `json:"wrappedKey"`
	Algorithm  string    `json:"algorithm"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (r DEKRecord) Validate() error {
	if strings.TrimSpace(r.WrappedKey) == "" {
		return fmt.Errorf("wrapped key is required")
	}
	if r.Algorithm != AlgorithmGCM {
		return fmt.Errorf("unsupported algorithm %q", r.Algorithm)
	}
	return nil
}

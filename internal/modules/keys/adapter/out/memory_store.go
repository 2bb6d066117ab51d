package out

import (
	"context"
	"sync"

	"flowsync/internal/modules/keys/domain"
	keysout "flowsync/internal/modules/keys/port/out"
)

type MemoryKeyRecordStore struct {
	mu      sync.Mutex
	records map[string]domain.DEKRecord
}

func NewMemoryKeyRecordStore() *MemoryKeyRecordStore {
	return &MemoryKeyRecordStore{records: map[string]domain.DEKRecord{}}
}

var _ keysout.KeyRecordStore = (*MemoryKeyRecordStore)(nil)

func (s *MemoryKeyRecordStore) Get(_ context.Context, userID, roomID string) (domain.DEKRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[recordKey(userID, roomID)]
	return record, ok, nil
}

func (s *MemoryKeyRecordStore) Create(_ context.Context, userID, roomID string, record domain.DEKRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(userID, roomID)
	if _, ok := s.records[key]; ok {
		return domain.ErrKeyRecordExists
	}
	s.records[key] = record
	return nil
}

func recordKey(userID, roomID string) string {
	return userID + "/keys/" + roomID
}

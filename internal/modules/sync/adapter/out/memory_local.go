package out

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"flowsync/internal/modules/sync/domain"
	syncout "flowsync/internal/modules/sync/port/out"
)

// MemoryLocalStore keeps room state for the life of the process.
type MemoryLocalStore struct {
	mu      sync.Mutex
	rooms   map[string][]byte
	backups map[string][]memoryBackup
}

type memoryBackup struct {
	takenAt time.Time
	state   []byte
}

func NewMemoryLocalStore() *MemoryLocalStore {
	return &MemoryLocalStore{rooms: map[string][]byte{}, backups: map[string][]memoryBackup{}}
}

var (
	_ syncout.LocalStore  = (*MemoryLocalStore)(nil)
	_ syncout.BackupStore = (*MemoryLocalStore)(nil)
)

func (s *MemoryLocalStore) Open(_ context.Context, roomID string) (syncout.LocalHandle, error) {
	return &memoryHandle{store: s, roomID: roomID}, nil
}

// Put replaces a room's stored state.
func (s *MemoryLocalStore) Put(roomID string, state []byte) {
	s.mu.Lock()
	s.rooms[roomID] = append([]byte(nil), state...)
	s.mu.Unlock()
}

func (s *MemoryLocalStore) Get(roomID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.rooms[roomID]...)
}

func (s *MemoryLocalStore) Rooms(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for roomID, state := range s.rooms {
		if len(state) > 0 {
			out = append(out, roomID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Backups lists a room's backups, newest first.
func (s *MemoryLocalStore) Backups(_ context.Context, roomID string) ([]domain.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.backups[roomID]
	out := make([]domain.Backup, 0, len(kept))
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, domain.Backup{RoomID: roomID, TakenAt: kept[i].takenAt, Size: len(kept[i].state)})
	}
	return out, nil
}

func (s *MemoryLocalStore) LoadBackup(_ context.Context, roomID string, takenAt time.Time) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, backup := range s.backups[roomID] {
		if backup.takenAt.UnixMilli() == takenAt.UnixMilli() {
			return append([]byte(nil), backup.state...), nil
		}
	}
	return nil, fmt.Errorf("%w: %s at %s", domain.ErrBackupNotFound, roomID, takenAt.UTC().Format(time.RFC3339))
}

func (s *MemoryLocalStore) backup(roomID string, at time.Time, state []byte, pruneBefore time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at = time.UnixMilli(at.UnixMilli()).UTC()
	var kept []memoryBackup
	for _, backup := range s.backups[roomID] {
		if !backup.takenAt.Before(pruneBefore) && !backup.takenAt.Equal(at) {
			kept = append(kept, backup)
		}
	}
	kept = append(kept, memoryBackup{takenAt: at, state: append([]byte(nil), state...)})
	sort.Slice(kept, func(i, j int) bool { return kept[i].takenAt.Before(kept[j].takenAt) })
	s.backups[roomID] = kept
}

type memoryHandle struct {
	store  *MemoryLocalStore
	roomID string
}

func (h *memoryHandle) Load(context.Context) ([]byte, error) {
	state := h.store.Get(h.roomID)
	if len(state) == 0 {
		return nil, nil
	}
	return state, nil
}

func (h *memoryHandle) Save(_ context.Context, state []byte) error {
	h.store.Put(h.roomID, state)
	return nil
}

func (h *memoryHandle) Backup(_ context.Context, at time.Time, state []byte, pruneBefore time.Time) error {
	h.store.backup(h.roomID, at, state, pruneBefore)
	return nil
}

func (h *memoryHandle) Close() error { return nil }

package out

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"flowsync/internal/modules/sync/domain"
	syncout "flowsync/internal/modules/sync/port/out"
)

var (
	roomsBucket   = []byte("rooms")
	backupsBucket = []byte("backups")
)

// BoltLocalStore keeps room documents in a bbolt file, one key per room.
type BoltLocalStore struct {
	db *bolt.DB
}

func NewBoltLocalStore(path string) (*BoltLocalStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{roomsBucket, backupsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltLocalStore{db: db}, nil
}

var (
	_ syncout.LocalStore  = (*BoltLocalStore)(nil)
	_ syncout.BackupStore = (*BoltLocalStore)(nil)
)

func (s *BoltLocalStore) Open(_ context.Context, roomID string) (syncout.LocalHandle, error) {
	return &boltHandle{db: s.db, key: []byte(roomID)}, nil
}

func (s *BoltLocalStore) Rooms(context.Context) ([]string, error) {
	out := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return out, nil
}

// Backups lists a room's backups, newest first. Each room has a nested
// bucket keyed by big-endian unix milliseconds.
func (s *BoltLocalStore) Backups(_ context.Context, roomID string) ([]domain.Backup, error) {
	out := []domain.Backup{}
	err := s.db.View(func(tx *bolt.Tx) error {
		room := tx.Bucket(backupsBucket).Bucket([]byte(roomID))
		if room == nil {
			return nil
		}
		c := room.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			out = append(out, domain.Backup{RoomID: roomID, TakenAt: decodeBackupKey(k), Size: len(v)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	return out, nil
}

func (s *BoltLocalStore) LoadBackup(_ context.Context, roomID string, takenAt time.Time) ([]byte, error) {
	var state []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		room := tx.Bucket(backupsBucket).Bucket([]byte(roomID))
		if room == nil {
			return nil
		}
		if value := room.Get(backupKey(takenAt)); value != nil {
			state = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load backup: %w", err)
	}
	if state == nil {
		return nil, fmt.Errorf("%w: %s at %s", domain.ErrBackupNotFound, roomID, takenAt.UTC().Format(time.RFC3339))
	}
	return state, nil
}

func (s *BoltLocalStore) Close() error {
	return s.db.Close()
}

type boltHandle struct {
	db  *bolt.DB
	key []byte
}

func (h *boltHandle) Load(context.Context) ([]byte, error) {
	var state []byte
	err := h.db.View(func(tx *bolt.Tx) error {
		if value := tx.Bucket(roomsBucket).Get(h.key); len(value) > 0 {
			// values are only valid inside the transaction
			state = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load room state: %w", err)
	}
	return state, nil
}

func (h *boltHandle) Save(_ context.Context, state []byte) error {
	err := h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).Put(h.key, state)
	})
	if err != nil {
		return fmt.Errorf("save room state: %w", err)
	}
	return nil
}

func (h *boltHandle) Backup(_ context.Context, at time.Time, state []byte, pruneBefore time.Time) error {
	err := h.db.Update(func(tx *bolt.Tx) error {
		room, err := tx.Bucket(backupsBucket).CreateBucketIfNotExists(h.key)
		if err != nil {
			return err
		}
		if err := room.Put(backupKey(at), state); err != nil {
			return err
		}
		cutoff := backupKey(pruneBefore)
		var stale [][]byte
		c := room.Cursor()
		for k, _ := c.First(); k != nil && string(k) < string(cutoff); k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := room.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return nil
}

func (h *boltHandle) Close() error { return nil }

func backupKey(at time.Time) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(at.UnixMilli()))
	return key
}

func decodeBackupKey(key []byte) time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(key))).UTC()
}

package out

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"flowsync/internal/modules/sync/domain"
	syncout "flowsync/internal/modules/sync/port/out"

	_ "modernc.org/sqlite"
)

// SQLiteLocalStore keeps every room's document in one sqlite file.
type SQLiteLocalStore struct {
	db *sql.DB
}

func NewSQLiteLocalStore(dbPath string) (*SQLiteLocalStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time keeps sqlite from returning SQLITE_BUSY
	db.SetMaxOpenConns(1)
	store := &SQLiteLocalStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

var (
	_ syncout.LocalStore  = (*SQLiteLocalStore)(nil)
	_ syncout.BackupStore = (*SQLiteLocalStore)(nil)
)

func (s *SQLiteLocalStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS room_state (
  room_id TEXT PRIMARY KEY,
  state BLOB NOT NULL,
  updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS room_backups (
  room_id TEXT NOT NULL,
  taken_at INTEGER NOT NULL,
  state BLOB NOT NULL,
  PRIMARY KEY (room_id, taken_at)
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create room tables: %w", err)
	}
	return nil
}

func (s *SQLiteLocalStore) Open(_ context.Context, roomID string) (syncout.LocalHandle, error) {
	return &sqliteHandle{db: s.db, roomID: roomID}, nil
}

// Rooms lists the rooms with saved state.
func (s *SQLiteLocalStore) Rooms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT room_id FROM room_state ORDER BY room_id`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, roomID)
	}
	return out, rows.Err()
}

// Backups lists a room's backups, newest first.
func (s *SQLiteLocalStore) Backups(ctx context.Context, roomID string) ([]domain.Backup, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT taken_at, length(state) FROM room_backups
WHERE room_id = ?
ORDER BY taken_at DESC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()
	out := []domain.Backup{}
	for rows.Next() {
		var takenAt int64
		var size int
		if err := rows.Scan(&takenAt, &size); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		out = append(out, domain.Backup{RoomID: roomID, TakenAt: time.UnixMilli(takenAt).UTC(), Size: size})
	}
	return out, rows.Err()
}

func (s *SQLiteLocalStore) LoadBackup(ctx context.Context, roomID string, takenAt time.Time) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM room_backups WHERE room_id = ? AND taken_at = ?`,
		roomID, takenAt.UnixMilli()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s at %s", domain.ErrBackupNotFound, roomID, takenAt.UTC().Format(time.RFC3339))
	}
	if err != nil {
		return nil, fmt.Errorf("load backup: %w", err)
	}
	return state, nil
}

func (s *SQLiteLocalStore) Close() error {
	return s.db.Close()
}

type sqliteHandle struct {
	db     *sql.DB
	roomID string
}

func (h *sqliteHandle) Load(ctx context.Context) ([]byte, error) {
	var state []byte
	err := h.db.QueryRowContext(ctx, `SELECT state FROM room_state WHERE room_id = ?`, h.roomID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load room state: %w", err)
	}
	if len(state) == 0 {
		return nil, nil
	}
	return state, nil
}

func (h *sqliteHandle) Save(ctx context.Context, state []byte) error {
	const stmt = `
INSERT INTO room_state (room_id, state, updated_at)
VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(room_id) DO UPDATE SET
  state=excluded.state,
  updated_at=excluded.updated_at;
`
	if _, err := h.db.ExecContext(ctx, stmt, h.roomID, state); err != nil {
		return fmt.Errorf("save room state: %w", err)
	}
	return nil
}

func (h *sqliteHandle) Backup(ctx context.Context, at time.Time, state []byte, pruneBefore time.Time) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin backup: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO room_backups (room_id, taken_at, state) VALUES (?, ?, ?)`,
		h.roomID, at.UnixMilli(), state); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM room_backups WHERE room_id = ? AND taken_at < ?`,
		h.roomID, pruneBefore.UnixMilli()); err != nil {
		return fmt.Errorf("prune backups: %w", err)
	}
	return tx.Commit()
}

func (h *sqliteHandle) Close() error { return nil }

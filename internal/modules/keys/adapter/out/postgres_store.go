package out

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"flowsync/internal/modules/keys/domain"
	keysout "flowsync/internal/modules/keys/port/out"
	apperrors "flowsync/internal/platform/errors"
)

const (
	postgresKeysTable     = "flowsync_room_keys"
	postgresKeysOpTimeout = 5 * time.Second
)

type PostgresKeyRecordStore struct {
	dsn string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresKeyRecordStore(dsn string) (*PostgresKeyRecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, apperrors.ErrInvalidInput
	}
	return &PostgresKeyRecordStore{dsn: dsn}, nil
}

var _ keysout.KeyRecordStore = (*PostgresKeyRecordStore)(nil)

func (s *PostgresKeyRecordStore) Get(ctx context.Context, userID, roomID string) (domain.DEKRecord, bool, error) {
	if err := s.ensureReady(ctx); err != nil {
		return domain.DEKRecord{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresKeysOpTimeout)
	defer cancel()

	record := domain.DEKRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT wrapped_key, algorithm, created_at FROM `+postgresKeysTable+` WHERE user_id = $1 AND room_id = $2`,
		userID, roomID,
	).Scan(&record.WrappedKey, &record.Algorithm, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DEKRecord{}, false, nil
	}
	if err != nil {
		return domain.DEKRecord{}, false, fmt.Errorf("select key record: %w", err)
	}
	return record, true, nil
}

func (s *PostgresKeyRecordStore) Create(ctx context.Context, userID, roomID string, record domain.DEKRecord) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresKeysOpTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
INSERT INTO `+postgresKeysTable+` (user_id, room_id, wrapped_key, algorithm, created_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (user_id, room_id) DO NOTHING`,
		userID, roomID, record.WrappedKey, record.Algorithm,
	)
	if err != nil {
		return fmt.Errorf("insert key record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert key record: %w", err)
	}
	if affected == 0 {
		return domain.ErrKeyRecordExists
	}
	return nil
}

func (s *PostgresKeyRecordStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresKeyRecordStore) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := sql.Open("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresKeysOpTimeout)
		defer cancel()
		const ddl = `
CREATE TABLE IF NOT EXISTS ` + postgresKeysTable + ` (
  user_id TEXT NOT NULL,
  room_id TEXT NOT NULL,
  wrapped_key TEXT NOT NULL,
  algorithm TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  PRIMARY KEY (user_id, room_id)
)`
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("create key table: %w", err)
			return
		}
		s.db = db
	})
	return s.initErr
}

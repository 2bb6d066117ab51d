package out

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"flowsync/internal/modules/sync/domain"
	syncout "flowsync/internal/modules/sync/port/out"
	apperrors "flowsync/internal/platform/errors"
)

const (
	postgresRoomsTable       = "flowsync_rooms"
	postgresRoomsChannel     = "flowsync_rooms"
	postgresRoomsOpTimeout   = 5 * time.Second
	postgresListenerMinRetry = 500 * time.Millisecond
	postgresListenerMaxRetry = 30 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRemoteStore keeps room records in one table and announces commits
// with NOTIFY. Subscribers refetch on every notification for their room.
type PostgresRemoteStore struct {
	dsn    string
	logger zerolog.Logger
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	listenerMu sync.Mutex
	listener   *pq.Listener

	mu     sync.Mutex
	subs   map[string]map[int]roomSubscriber
	nextID int
	closed bool
}

type roomSubscriber struct {
	box    *mailbox
	userID string
	roomID string
}

type roomNotification struct {
	UserID  string `json:"userId"`
	RoomID  string `json:"roomId"`
	Version int64  `json:"version"`
}

func NewPostgresRemoteStore(dsn string, logger zerolog.Logger) (*PostgresRemoteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, apperrors.ErrInvalidInput
	}
	return &PostgresRemoteStore{
		dsn:    dsn,
		logger: logger,
		openDB: sql.Open,
		subs:   map[string]map[int]roomSubscriber{},
	}, nil
}

var _ syncout.RemoteStore = (*PostgresRemoteStore)(nil)

func (s *PostgresRemoteStore) Fetch(ctx context.Context, userID, roomID string) (domain.RemoteRecord, bool, error) {
	if err := s.ensureReady(ctx); err != nil {
		return domain.RemoteRecord{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresRoomsOpTimeout)
	defer cancel()

	record := domain.RemoteRecord{UserID: userID, RoomID: roomID}
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, version, state, updated_at FROM `+postgresRoomsTable+` WHERE user_id = $1 AND room_id = $2`,
		userID, roomID,
	).Scan(&record.SessionID, &record.Version, &state, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RemoteRecord{}, false, nil
	}
	if err != nil {
		return domain.RemoteRecord{}, false, fmt.Errorf("select room record: %w", err)
	}
	record.State, err = base64.StdEncoding.DecodeString(state)
	if err != nil {
		return domain.RemoteRecord{}, false, fmt.Errorf("decode room state: %w", err)
	}
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, true, nil
}

func (s *PostgresRemoteStore) Write(ctx context.Context, record domain.RemoteRecord, expectedVersion int64) error {
	if err := validateWrite(record, expectedVersion); err != nil {
		return err
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresRoomsOpTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	state := base64.StdEncoding.EncodeToString(record.State)
	var result sql.Result
	if expectedVersion == 0 {
		result, err = tx.ExecContext(ctx, `
INSERT INTO `+postgresRoomsTable+` (user_id, room_id, session_id, version, state, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (user_id, room_id) DO NOTHING`,
			record.UserID, record.RoomID, record.SessionID, record.Version, state,
		)
	} else {
		result, err = tx.ExecContext(ctx, `
UPDATE `+postgresRoomsTable+`
SET session_id = $3, version = $4, state = $5, updated_at = NOW()
WHERE user_id = $1 AND room_id = $2 AND version = $6`,
			record.UserID, record.RoomID, record.SessionID, record.Version, state, expectedVersion,
		)
	}
	if err != nil {
		return fmt.Errorf("write room record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("write room record: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: expected version %d", domain.ErrVersionConflict, expectedVersion)
	}

	payload, err := json.Marshal(roomNotification{UserID: record.UserID, RoomID: record.RoomID, Version: record.Version})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	// NOTIFY inside the transaction is delivered only on commit
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, postgresRoomsChannel, string(payload)); err != nil {
		return fmt.Errorf("notify room commit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write: %w", err)
	}
	return nil
}

func (s *PostgresRemoteStore) Subscribe(userID, roomID string, handler syncout.SubscriptionHandler) (func(), error) {
	if err := s.ensureReady(context.Background()); err != nil {
		return nil, err
	}
	if err := s.ensureListener(); err != nil {
		return nil, err
	}
	key := remoteKey(userID, roomID)
	box := newMailbox(handler)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("postgres remote store closed")
	}
	s.nextID++
	subID := s.nextID
	if s.subs[key] == nil {
		s.subs[key] = map[int]roomSubscriber{}
	}
	s.subs[key][subID] = roomSubscriber{box: box, userID: userID, roomID: roomID}
	s.mu.Unlock()

	go box.run()
	// registered before the first fetch, so no commit can fall between them
	s.refresh(box, userID, roomID)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[key], subID)
			if len(s.subs[key]) == 0 {
				delete(s.subs, key)
			}
			s.mu.Unlock()
			box.close()
		})
	}, nil
}

func (s *PostgresRemoteStore) Close() error {
	s.listenerMu.Lock()
	listener := s.listener
	s.listener = nil
	s.listenerMu.Unlock()

	s.mu.Lock()
	s.closed = true
	boxes := []*mailbox{}
	for _, subs := range s.subs {
		for _, sub := range subs {
			boxes = append(boxes, sub.box)
		}
	}
	s.subs = map[string]map[int]roomSubscriber{}
	s.mu.Unlock()

	for _, box := range boxes {
		box.close()
	}
	var err error
	if listener != nil {
		err = listener.Close()
	}
	if s.db != nil {
		err = errors.Join(err, s.db.Close())
	}
	return err
}

// refresh queues a fetch-and-deliver for one subscriber. Running it inside
// the mailbox keeps deliveries in order.
func (s *PostgresRemoteStore) refresh(box *mailbox, userID, roomID string) {
	box.enqueue(func() {
		record, found, err := s.Fetch(context.Background(), userID, roomID)
		if err != nil {
			if box.handler.OnError != nil {
				box.handler.OnError(err)
			}
			return
		}
		if box.handler.OnSnapshot != nil {
			box.handler.OnSnapshot(domain.Snapshot{Record: record, Exists: found})
		}
	})
}

func (s *PostgresRemoteStore) ensureListener() error {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener != nil {
		return nil
	}
	listener := pq.NewListener(s.dsn, postgresListenerMinRetry, postgresListenerMaxRetry, s.onListenerEvent)
	if err := listener.Listen(postgresRoomsChannel); err != nil {
		_ = listener.Close()
		return fmt.Errorf("listen %s: %w", postgresRoomsChannel, err)
	}
	s.listener = listener
	go s.dispatch(listener)
	return nil
}

func (s *PostgresRemoteStore) onListenerEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventDisconnected:
		s.logger.Warn().Err(err).Msg("postgres listener disconnected")
		s.forEach("", func(box *mailbox, _, _ string) { box.fail(fmt.Errorf("listener disconnected: %w", err)) })
	case pq.ListenerEventReconnected:
		s.logger.Info().Msg("postgres listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Debug().Err(err).Msg("postgres listener reconnect attempt failed")
	}
}

func (s *PostgresRemoteStore) dispatch(listener *pq.Listener) {
	for notification := range listener.Notify {
		if notification == nil {
			// reconnected; commits may have been missed
			s.forEach("", func(box *mailbox, userID, roomID string) { s.refresh(box, userID, roomID) })
			continue
		}
		var note roomNotification
		if err := json.Unmarshal([]byte(notification.Extra), &note); err != nil {
			s.logger.Warn().Err(err).Msg("ignoring malformed room notification")
			continue
		}
		s.forEach(remoteKey(note.UserID, note.RoomID), func(box *mailbox, userID, roomID string) {
			s.refresh(box, userID, roomID)
		})
	}
}

// forEach visits the subscribers of key, or of every room when key is empty.
func (s *PostgresRemoteStore) forEach(key string, fn func(box *mailbox, userID, roomID string)) {
	s.mu.Lock()
	targets := []roomSubscriber{}
	for subKey, subs := range s.subs {
		if key != "" && subKey != key {
			continue
		}
		for _, sub := range subs {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range targets {
		fn(sub.box, sub.userID, sub.roomID)
	}
}

func (s *PostgresRemoteStore) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresRoomsOpTimeout)
		defer cancel()
		const ddl = `
CREATE TABLE IF NOT EXISTS ` + postgresRoomsTable + ` (
  user_id TEXT NOT NULL,
  room_id TEXT NOT NULL,
  session_id TEXT NOT NULL,
  version BIGINT NOT NULL,
  state TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  PRIMARY KEY (user_id, room_id)
)`
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("create rooms table: %w", err)
			return
		}
		s.db = db
	})
	return s.initErr
}

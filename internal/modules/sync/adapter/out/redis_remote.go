package out

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"flowsync/internal/modules/sync/domain"
	syncout "flowsync/internal/modules/sync/port/out"
)

const redisRoomPrefix = "flowsync:rooms:"

// RedisRemoteStore stores each room record as JSON under one key. Writes are
// optimistic WATCH transactions that also PUBLISH the committed record.
type RedisRemoteStore struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

func NewRedisRemoteStore(client redis.UniversalClient, logger zerolog.Logger) *RedisRemoteStore {
	return &RedisRemoteStore{client: client, logger: logger}
}

var _ syncout.RemoteStore = (*RedisRemoteStore)(nil)

func (s *RedisRemoteStore) Fetch(ctx context.Context, userID, roomID string) (domain.RemoteRecord, bool, error) {
	raw, err := s.client.Get(ctx, redisRoomKey(userID, roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.RemoteRecord{}, false, nil
	}
	if err != nil {
		return domain.RemoteRecord{}, false, fmt.Errorf("get room record: %w", err)
	}
	record := domain.RemoteRecord{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.RemoteRecord{}, false, fmt.Errorf("decode room record: %w", err)
	}
	return record, true, nil
}

func (s *RedisRemoteStore) Write(ctx context.Context, record domain.RemoteRecord, expectedVersion int64) error {
	if err := validateWrite(record, expectedVersion); err != nil {
		return err
	}
	if now, err := s.client.Time(ctx).Result(); err == nil {
		record.UpdatedAt = now.UTC()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode room record: %w", err)
	}
	key := redisRoomKey(record.UserID, record.RoomID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := s.storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if stored != expectedVersion {
			return fmt.Errorf("%w: stored %d, expected %d", domain.ErrVersionConflict, stored, expectedVersion)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.Publish(ctx, redisRoomChannel(key), payload)
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		// the key changed between WATCH and EXEC
		return fmt.Errorf("%w: concurrent write", domain.ErrVersionConflict)
	case errors.Is(err, domain.ErrVersionConflict):
		return err
	default:
		return fmt.Errorf("write room record: %w", err)
	}
}

func (s *RedisRemoteStore) storedVersion(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get room record: %w", err)
	}
	var current struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(raw, &current); err != nil {
		return 0, fmt.Errorf("decode room record: %w", err)
	}
	return current.Version, nil
}

func (s *RedisRemoteStore) Subscribe(userID, roomID string, handler syncout.SubscriptionHandler) (func(), error) {
	ctx := context.Background()
	key := redisRoomKey(userID, roomID)
	pubsub := s.client.Subscribe(ctx, redisRoomChannel(key))
	// wait for the confirmation so no commit slips in before the first fetch
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe room: %w", err)
	}
	box := newMailbox(handler)
	go box.run()

	messages := pubsub.Channel()
	go func() {
		record, found, err := s.Fetch(ctx, userID, roomID)
		if err != nil {
			box.fail(err)
		} else {
			box.snapshot(domain.Snapshot{Record: record, Exists: found})
		}
		for msg := range messages {
			record := domain.RemoteRecord{}
			if err := json.Unmarshal([]byte(msg.Payload), &record); err != nil {
				s.logger.Warn().Err(err).Str("room", roomID).Msg("ignoring malformed room message")
				continue
			}
			box.snapshot(domain.Snapshot{Record: record, Exists: true})
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
			box.close()
		})
	}, nil
}

func redisRoomKey(userID, roomID string) string {
	return redisRoomPrefix + userID + ":" + roomID
}

func redisRoomChannel(key string) string {
	return key + ":commits"
}

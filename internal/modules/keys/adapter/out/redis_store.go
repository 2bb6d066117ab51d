package out

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"flowsync/internal/modules/keys/domain"
	keysout "flowsync/internal/modules/keys/port/out"
)

const redisKeyPrefix = "flowsync:keys:"

type RedisKeyRecordStore struct {
	client redis.UniversalClient
}

func NewRedisKeyRecordStore(client redis.UniversalClient) *RedisKeyRecordStore {
	return &RedisKeyRecordStore{client: client}
}

var _ keysout.KeyRecordStore = (*RedisKeyRecordStore)(nil)

func (s *RedisKeyRecordStore) Get(ctx context.Context, userID, roomID string) (domain.DEKRecord, bool, error) {
	raw, err := s.client.Get(ctx, redisRecordKey(userID, roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.DEKRecord{}, false, nil
	}
	if err != nil {
		return domain.DEKRecord{}, false, fmt.Errorf("get key record: %w", err)
	}
	record := domain.DEKRecord{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.DEKRecord{}, false, fmt.Errorf("decode key record: %w", err)
	}
	return record, true, nil
}

func (s *RedisKeyRecordStore) Create(ctx context.Context, userID, roomID string, record domain.DEKRecord) error {
	if now, err := s.client.Time(ctx).Result(); err == nil {
		record.CreatedAt = now.UTC()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode key record: %w", err)
	}
	created, err := s.client.SetNX(ctx, redisRecordKey(userID, roomID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("set key record: %w", err)
	}
	if !created {
		return domain.ErrKeyRecordExists
	}
	return nil
}

func redisRecordKey(userID, roomID string) string {
	return redisKeyPrefix + userID + ":" + roomID
}

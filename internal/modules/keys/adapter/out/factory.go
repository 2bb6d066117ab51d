package out

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"

	keysout "flowsync/internal/modules/keys/port/out"
)

// BuildKeyRecordStoreFromDSN selects a DEK record store by DSN scheme. The
// returned close func releases connections and is never nil.
func BuildKeyRecordStoreFromDSN(dsn string) (keysout.KeyRecordStore, func() error, error) {
	dsn = strings.TrimSpace(dsn)
	noop := func() error { return nil }
	if dsn == "" {
		return NewMemoryKeyRecordStore(), noop, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, noop, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryKeyRecordStore(), noop, nil
	case "postgres", "postgresql":
		store, err := NewPostgresKeyRecordStore(dsn)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	case "redis", "rediss":
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, noop, fmt.Errorf("parse redis dsn: %w", err)
		}
		client := redis.NewClient(opts)
		return NewRedisKeyRecordStore(client), client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported key store scheme: %s", parsed.Scheme)
	}
}

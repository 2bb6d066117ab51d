package out

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"flowsync/internal/modules/sync/domain"
	syncdto "flowsync/internal/modules/sync/dto"
	syncout "flowsync/internal/modules/sync/port/out"
	"flowsync/internal/platform/clock"
)

// BuildLocalStoreFromDSN selects on-device persistence by DSN scheme. Relative
// paths resolve against dataDir. The returned close func is never nil.
func BuildLocalStoreFromDSN(dsn, dataDir string, logger zerolog.Logger) (syncout.LocalStore, func() error, error) {
	noop := func() error { return nil }
	scheme, path, err := splitLocalDSN(dsn)
	if err != nil {
		return nil, noop, err
	}
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(dataDir, path)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryLocalStore(), noop, nil
	case "sqlite", "sqlite3":
		if path == "" {
			path = filepath.Join(dataDir, "flowsync.db")
		}
		store, err := NewSQLiteLocalStore(path)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	case "bolt", "bbolt":
		if path == "" {
			path = filepath.Join(dataDir, "flowsync.bolt")
		}
		store, err := NewBoltLocalStore(path)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	case "file", "dir":
		if path == "" {
			path = filepath.Join(dataDir, "rooms")
		}
		store, err := NewFileLocalStore(path, logger)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	default:
		return nil, noop, fmt.Errorf("%w: local scheme %q", domain.ErrUnsupportedDSN, scheme)
	}
}

// BuildRemoteStoreFromDSN selects the shared replica backend by DSN scheme.
func BuildRemoteStoreFromDSN(dsn string, logger zerolog.Logger) (syncout.RemoteStore, func() error, error) {
	noop := func() error { return nil }
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRemoteStore(clock.SystemClock{}), noop, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, noop, fmt.Errorf("parse remote dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryRemoteStore(clock.SystemClock{}), noop, nil
	case "postgres", "postgresql":
		store, err := NewPostgresRemoteStore(dsn, logger)
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
		return NewRedisRemoteStore(client, logger), client.Close, nil
	case "ws", "wss":
		if parsed.Path == "" || parsed.Path == "/" {
			parsed.Path = syncdto.RelayPath
		}
		store := NewWebSocketRemoteStore(parsed.String(), logger)
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("%w: remote scheme %q", domain.ErrUnsupportedDSN, parsed.Scheme)
	}
}

// splitLocalDSN accepts "scheme://path" with absolute or relative paths, and
// a bare scheme such as "memory".
func splitLocalDSN(dsn string) (string, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", fmt.Errorf("%w: empty local dsn", domain.ErrUnsupportedDSN)
	}
	scheme, rest, found := strings.Cut(dsn, "://")
	if !found {
		scheme, rest, _ = strings.Cut(dsn, ":")
	}
	return strings.ToLower(strings.TrimSpace(scheme)), rest, nil
}

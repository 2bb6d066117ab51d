package out

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	relayin "flowsync/internal/modules/sync/adapter/in"
	"flowsync/internal/modules/sync/domain"
	syncout "flowsync/internal/modules/sync/port/out"
	"flowsync/internal/modules/sync/usecase"
	"flowsync/internal/platform/clock"
	apperrors "flowsync/internal/platform/errors"
)

type remoteStoreCase struct {
	name  string
	build func(t *testing.T) syncout.RemoteStore
}

func remoteStoreCases() []remoteStoreCase {
	return []remoteStoreCase{
		{"memory", func(*testing.T) syncout.RemoteStore { return NewMemoryRemoteStore(clock.SystemClock{}) }},
		{"redis", func(t *testing.T) syncout.RemoteStore {
			server := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: server.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisRemoteStore(client, zerolog.Nop())
		}},
		{"relay", func(t *testing.T) syncout.RemoteStore {
			_, client := newRelayPair(t, NewMemoryRemoteStore(clock.SystemClock{}))
			return client
		}},
	}
}

func newRelayPair(t *testing.T, hub syncout.RemoteStore) (*httptest.Server, *WebSocketRemoteStore) {
	t.Helper()
	server := httptest.NewServer(relayin.NewRelayServer(usecase.NewRelayInteractor(hub), zerolog.Nop()))
	t.Cleanup(server.Close)
	client := NewWebSocketRemoteStore("ws"+strings.TrimPrefix(server.URL, "http"), zerolog.Nop())
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func record(version int64, state string) domain.RemoteRecord {
	return domain.RemoteRecord{UserID: "u", RoomID: "r", SessionID: "s", Version: version, State: []byte(state)}
}

func collect(t *testing.T, store syncout.RemoteStore) (<-chan domain.Snapshot, <-chan error, func()) {
	t.Helper()
	snapshots := make(chan domain.Snapshot, 16)
	failures := make(chan error, 16)
	cancel, err := store.Subscribe("u", "r", syncout.SubscriptionHandler{
		OnSnapshot: func(s domain.Snapshot) { snapshots <- s },
		OnError:    func(err error) { failures <- err },
	})
	require.NoError(t, err)
	t.Cleanup(cancel)
	return snapshots, failures, cancel
}

func nextSnapshot(t *testing.T, snapshots <-chan domain.Snapshot) domain.Snapshot {
	t.Helper()
	select {
	case s := <-snapshots:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no snapshot delivered")
		return domain.Snapshot{}
	}
}

func TestRemoteStoresWriteConditionally(t *testing.T) {
	for _, tc := range remoteStoreCases() {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			store := tc.build(t)

			_, found, err := store.Fetch(ctx, "u", "r")
			require.NoError(t, err)
			require.False(t, found)

			require.NoError(t, store.Write(ctx, record(1, "one"), 0))
			require.ErrorIs(t, store.Write(ctx, record(1, "again"), 0), domain.ErrVersionConflict)
			require.ErrorIs(t, store.Write(ctx, record(3, "stale"), 2), domain.ErrVersionConflict)
			require.NoError(t, store.Write(ctx, record(2, "two"), 1))

			got, found, err := store.Fetch(ctx, "u", "r")
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, int64(2), got.Version)
			require.Equal(t, "two", string(got.State))
			require.Equal(t, "s", got.SessionID)

			_, found, err = store.Fetch(ctx, "other", "r")
			require.NoError(t, err)
			require.False(t, found, "records are scoped per user")
		})
	}
}

func TestRemoteStoresRejectMalformedWrites(t *testing.T) {
	for _, tc := range remoteStoreCases() {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := tc.build(t)
			bad := record(5, "x")
			require.ErrorIs(t, store.Write(context.Background(), bad, 0), apperrors.ErrInvalidInput)
			bad = record(1, "x")
			bad.UserID = ""
			require.ErrorIs(t, store.Write(context.Background(), bad, 0), apperrors.ErrInvalidInput)
		})
	}
}

func TestRemoteStoresDeliverInitialThenCommits(t *testing.T) {
	for _, tc := range remoteStoreCases() {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			store := tc.build(t)
			require.NoError(t, store.Write(ctx, record(1, "one"), 0))

			snapshots, _, cancel := collect(t, store)
			first := nextSnapshot(t, snapshots)
			require.True(t, first.Exists)
			require.Equal(t, int64(1), first.Record.Version)

			require.NoError(t, store.Write(ctx, record(2, "two"), 1))
			require.NoError(t, store.Write(ctx, record(3, "three"), 2))
			require.Equal(t, int64(2), nextSnapshot(t, snapshots).Record.Version)
			third := nextSnapshot(t, snapshots)
			require.Equal(t, int64(3), third.Record.Version)
			require.Equal(t, "three", string(third.Record.State))

			cancel()
			cancel()
			require.NoError(t, store.Write(ctx, record(4, "four"), 3))
			select {
			case s := <-snapshots:
				t.Fatalf("delivery after cancel: %+v", s)
			case <-time.After(200 * time.Millisecond):
			}
		})
	}
}

func TestRemoteStoresReportAbsentRoom(t *testing.T) {
	for _, tc := range remoteStoreCases() {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			snapshots, _, _ := collect(t, tc.build(t))
			first := nextSnapshot(t, snapshots)
			require.False(t, first.Exists)
		})
	}
}

func TestMemoryRemoteStoreTestHooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hub := NewMemoryRemoteStore(clock.NewManual(time.Unix(100, 0)))
	snapshots, failures, _ := collect(t, hub)
	require.False(t, nextSnapshot(t, snapshots).Exists)
	require.Equal(t, 1, hub.Subscribers("u", "r"))

	require.NoError(t, hub.Write(ctx, record(1, "one"), 0))
	stored := nextSnapshot(t, snapshots)
	require.True(t, stored.Record.UpdatedAt.Equal(time.Unix(100, 0)))

	hub.Deliver(record(9, "pushed"))
	require.Equal(t, int64(9), nextSnapshot(t, snapshots).Record.Version)
	got, _, err := hub.Fetch(ctx, "u", "r")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version, "Deliver does not store")

	boom := errors.New("boom")
	hub.FailWrites(boom)
	require.ErrorIs(t, hub.Write(ctx, record(2, "two"), 1), boom)
	hub.FailWrites(nil)
	require.NoError(t, hub.Write(ctx, record(2, "two"), 1))
	require.Len(t, hub.Commits("u", "r"), 2)

	hub.Disconnect("u", "r", boom)
	select {
	case err := <-failures:
		require.ErrorIs(t, err, boom)
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect not reported")
	}

	hub.FailSubscribe(boom)
	_, err = hub.Subscribe("u", "r", syncout.SubscriptionHandler{})
	require.ErrorIs(t, err, boom)
}

func TestRelayClientOfflineWhenUnreachable(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	client := NewWebSocketRemoteStore(url, zerolog.Nop())
	t.Cleanup(func() { _ = client.Close() })

	_, _, err := client.Fetch(context.Background(), "u", "r")
	require.ErrorIs(t, err, domain.ErrOffline)
	require.ErrorIs(t, client.Write(context.Background(), record(1, "x"), 0), domain.ErrOffline)

	_, failures, _ := collect(t, client)
	select {
	case err := <-failures:
		require.ErrorIs(t, err, domain.ErrOffline)
	case <-time.After(3 * time.Second):
		t.Fatal("expected the subscription to report the relay as unreachable")
	}
}

func TestRelayFansOutBetweenClients(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hub := NewMemoryRemoteStore(clock.SystemClock{})
	server, writer := newRelayPair(t, hub)
	reader := NewWebSocketRemoteStore("ws"+strings.TrimPrefix(server.URL, "http"), zerolog.Nop())
	t.Cleanup(func() { _ = reader.Close() })

	snapshots, _, _ := collect(t, reader)
	require.False(t, nextSnapshot(t, snapshots).Exists)

	require.NoError(t, writer.Write(ctx, record(1, "from writer"), 0))
	got := nextSnapshot(t, snapshots)
	require.Equal(t, int64(1), got.Record.Version)
	require.Equal(t, "from writer", string(got.Record.State))
	require.Len(t, hub.Commits("u", "r"), 1)

	// a second local subscriber to the same room gets its own baseline
	more, _, _ := collect(t, reader)
	require.Equal(t, int64(1), nextSnapshot(t, more).Record.Version)
}

func TestBuildStoresFromDSN(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	logger := zerolog.Nop()

	for _, dsn := range []string{"memory://", "sqlite://state.db", "bolt://state.bolt", "file://rooms"} {
		store, closeFn, err := BuildLocalStoreFromDSN(dsn, dir, logger)
		require.NoError(t, err, dsn)
		require.NotNil(t, store, dsn)
		require.NoError(t, closeFn(), dsn)
	}
	_, _, err := BuildLocalStoreFromDSN("tape://x", dir, logger)
	require.ErrorIs(t, err, domain.ErrUnsupportedDSN)

	remote, closeFn, err := BuildRemoteStoreFromDSN("memory://", logger)
	require.NoError(t, err)
	require.IsType(t, &MemoryRemoteStore{}, remote)
	require.NoError(t, closeFn())

	remote, closeFn, err = BuildRemoteStoreFromDSN("ws://127.0.0.1:1", logger)
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:1/v1/sync", remote.(*WebSocketRemoteStore).url)
	require.NoError(t, closeFn())

	_, _, err = BuildRemoteStoreFromDSN("ftp://x", logger)
	require.ErrorIs(t, err, domain.ErrUnsupportedDSN)
}

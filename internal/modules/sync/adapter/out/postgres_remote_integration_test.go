package out

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"flowsync/internal/modules/sync/domain"
	syncout "flowsync/internal/modules/sync/port/out"
)

func TestPostgresIntegrationRemoteStore(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("FLOWSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("FLOWSYNC_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresRemoteStore(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	user := fmt.Sprintf("it-%d", time.Now().UnixNano())
	snapshots := make(chan domain.Snapshot, 8)
	cancel, err := store.Subscribe(user, "room-1", syncout.SubscriptionHandler{
		OnSnapshot: func(s domain.Snapshot) { snapshots <- s },
	})
	require.NoError(t, err)
	defer cancel()

	first := nextSnapshot(t, snapshots)
	require.False(t, first.Exists)

	write := domain.RemoteRecord{UserID: user, RoomID: "room-1", SessionID: "s", Version: 1, State: []byte{0, 1, 2}}
	require.NoError(t, store.Write(ctx, write, 0))
	require.ErrorIs(t, store.Write(ctx, write, 0), domain.ErrVersionConflict)

	got := nextSnapshot(t, snapshots)
	require.True(t, got.Exists)
	require.Equal(t, int64(1), got.Record.Version)
	require.Equal(t, []byte{0, 1, 2}, got.Record.State)
	require.False(t, got.Record.UpdatedAt.IsZero())
}

package out

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowsync/internal/modules/keys/domain"
)

func TestPostgresIntegrationKeyRecordStore(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("FLOWSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("FLOWSYNC_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresKeyRecordStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	user := fmt.Sprintf("it-%d", time.Now().UnixNano())
	record := domain.DEKRecord{WrappedKey: "wrapped", Algorithm: domain.AlgorithmGCM}
	require.NoError(t, store.Create(ctx, user, "room-1", record))
	require.ErrorIs(t, store.Create(ctx, user, "room-1", record), domain.ErrKeyRecordExists)

	got, found, err := store.Get(ctx, user, "room-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "wrapped", got.WrappedKey)
	require.False(t, got.CreatedAt.IsZero())
}

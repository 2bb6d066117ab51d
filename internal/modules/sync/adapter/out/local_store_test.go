package out

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"flowsync/internal/modules/sync/domain"
	syncout "flowsync/internal/modules/sync/port/out"
)

type localStoreCase struct {
	name  string
	build func(t *testing.T) syncout.LocalStore
}

func localStoreCases() []localStoreCase {
	return []localStoreCase{
		{"memory", func(*testing.T) syncout.LocalStore { return NewMemoryLocalStore() }},
		{"sqlite", func(t *testing.T) syncout.LocalStore {
			store, err := NewSQLiteLocalStore(filepath.Join(t.TempDir(), "nested", "state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		}},
		{"bolt", func(t *testing.T) syncout.LocalStore {
			store, err := NewBoltLocalStore(filepath.Join(t.TempDir(), "state.bolt"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		}},
		{"file", func(t *testing.T) syncout.LocalStore {
			store, err := NewFileLocalStore(filepath.Join(t.TempDir(), "rooms"), zerolog.Nop())
			require.NoError(t, err)
			return store
		}},
	}
}

func TestLocalStoresRoundTripPerRoom(t *testing.T) {
	for _, tc := range localStoreCases() {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			store := tc.build(t)

			first, err := store.Open(ctx, "room/one")
			require.NoError(t, err)
			defer first.Close()
			second, err := store.Open(ctx, "room two")
			require.NoError(t, err)
			defer second.Close()

			state, err := first.Load(ctx)
			require.NoError(t, err)
			require.Nil(t, state, "nothing saved yet")

			require.NoError(t, first.Save(ctx, []byte(`{"v":1}`)))
			require.NoError(t, first.Save(ctx, []byte(`{"v":2}`)))
			require.NoError(t, second.Save(ctx, []byte(`{"other":true}`)))

			state, err = first.Load(ctx)
			require.NoError(t, err)
			require.Equal(t, `{"v":2}`, string(state))

			reopened, err := store.Open(ctx, "room/one")
			require.NoError(t, err)
			defer reopened.Close()
			state, err = reopened.Load(ctx)
			require.NoError(t, err)
			require.Equal(t, `{"v":2}`, string(state))

			lister, ok := store.(syncout.RoomLister)
			require.True(t, ok)
			rooms, err := lister.Rooms(ctx)
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"room/one", "room two"}, rooms)
		})
	}
}

func TestLocalStoresKeepRollingBackups(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, tc := range localStoreCases() {
		tc := tc
		if tc.name == "file" {
			continue
		}
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			store := tc.build(t)
			backups, ok := store.(syncout.BackupStore)
			require.True(t, ok)

			handle, err := store.Open(ctx, "notes")
			require.NoError(t, err)
			defer handle.Close()
			writer, ok := handle.(syncout.BackupWriter)
			require.True(t, ok)

			retention := 72 * time.Hour
			for i, state := range []string{`{"v":1}`, `{"v":2}`, `{"v":3}`} {
				at := base.Add(time.Duration(i) * 40 * time.Hour)
				require.NoError(t, writer.Backup(ctx, at, []byte(state), at.Add(-retention)))
			}

			list, err := backups.Backups(ctx, "notes")
			require.NoError(t, err)
			require.Len(t, list, 2, "the first backup fell out of retention")
			require.True(t, list[0].TakenAt.Equal(base.Add(80*time.Hour)), "newest first")
			require.True(t, list[1].TakenAt.Equal(base.Add(40*time.Hour)))
			require.Equal(t, len(`{"v":3}`), list[0].Size)

			state, err := backups.LoadBackup(ctx, "notes", list[1].TakenAt)
			require.NoError(t, err)
			require.Equal(t, `{"v":2}`, string(state))

			_, err = backups.LoadBackup(ctx, "notes", base)
			require.ErrorIs(t, err, domain.ErrBackupNotFound)

			other, err := backups.Backups(ctx, "elsewhere")
			require.NoError(t, err)
			require.Empty(t, other)
		})
	}
}

func TestSQLiteStateSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := NewSQLiteLocalStore(path)
	require.NoError(t, err)
	handle, err := store.Open(ctx, "r")
	require.NoError(t, err)
	require.NoError(t, handle.Save(ctx, []byte("persisted")))
	require.NoError(t, store.Close())

	store, err = NewSQLiteLocalStore(path)
	require.NoError(t, err)
	defer store.Close()
	handle, err = store.Open(ctx, "r")
	require.NoError(t, err)
	state, err := handle.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "persisted", string(state))
}

func TestFileHandleReportsForeignWritesOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	storeA, err := NewFileLocalStore(dir, zerolog.Nop())
	require.NoError(t, err)
	storeB, err := NewFileLocalStore(dir, zerolog.Nop())
	require.NoError(t, err)

	a, err := storeA.Open(ctx, "shared")
	require.NoError(t, err)
	defer a.Close()
	b, err := storeB.Open(ctx, "shared")
	require.NoError(t, err)
	defer b.Close()
	watchA := a.(syncout.ChangeWatcher).Changes()
	watchB := b.(syncout.ChangeWatcher).Changes()

	require.NoError(t, a.Save(ctx, []byte("from a")))
	select {
	case <-watchB:
	case <-time.After(3 * time.Second):
		t.Fatal("expected b to see a's write")
	}
	select {
	case <-watchA:
		t.Fatal("a must not be told about its own write")
	case <-time.After(200 * time.Millisecond):
	}

	state, err := b.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "from a", string(state))
}

func TestFileHandleCloseEndsChanges(t *testing.T) {
	t.Parallel()
	store, err := NewFileLocalStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	handle, err := store.Open(context.Background(), "r")
	require.NoError(t, err)
	changes := handle.(syncout.ChangeWatcher).Changes()

	require.NoError(t, handle.Close())
	require.NoError(t, handle.Close())
	select {
	case _, ok := <-changes:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("changes channel not closed")
	}
}

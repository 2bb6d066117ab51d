package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	docdomain "flowsync/internal/modules/document/domain"
	syncadapter "flowsync/internal/modules/sync/adapter/out"
	"flowsync/internal/modules/sync/domain"
	syncdto "flowsync/internal/modules/sync/dto"
	syncin "flowsync/internal/modules/sync/port/in"
	syncout "flowsync/internal/modules/sync/port/out"
	"flowsync/internal/modules/sync/service"
	"flowsync/internal/platform/clock"
	apperrors "flowsync/internal/platform/errors"
)

type roomFixture struct {
	room    syncin.Room
	engine  *service.Engine
	hub     *syncadapter.MemoryRemoteStore
	local   *syncadapter.MemoryLocalStore
	network *syncadapter.StaticNetwork
}

func newRoomFixture(t *testing.T, online bool) roomFixture {
	t.Helper()
	hub := syncadapter.NewMemoryRemoteStore(clock.SystemClock{})
	local := syncadapter.NewMemoryLocalStore()
	network := syncadapter.NewStaticNetwork(online)
	engine, err := service.NewEngine(service.EngineConfig{
		RoomID:      "notes",
		UserID:      "u-1",
		Debounce:    10 * time.Millisecond,
		MinInterval: -1,
	}, service.EngineDeps{Local: local, Remote: hub, Network: network}, service.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Destroy)
	return roomFixture{room: NewRoomInteractor(engine, local, local), engine: engine, hub: hub, local: local, network: network}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func mustPut(t *testing.T, room syncin.Room, key, raw string) syncdto.PutOutput {
	t.Helper()
	out, err := room.Put(testContext(t), syncdto.PutInput{Key: key, Value: json.RawMessage(raw)})
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	return out
}

func TestRoomPutPushesAndReportsSynced(t *testing.T) {
	t.Parallel()
	f := newRoomFixture(t, true)

	out := mustPut(t, f.room, " title ", `"hello"`)
	if out.Key != "title" {
		t.Fatalf("expected trimmed key, got %q", out.Key)
	}
	if out.Status.Status != string(domain.StatusSynced) || out.Status.PendingCount != 0 {
		t.Fatalf("expected synced with nothing pending, got %+v", out.Status)
	}
	if commits := f.hub.Commits("u-1", "notes"); len(commits) != 1 {
		t.Fatalf("expected one commit, got %d", len(commits))
	}

	got, err := f.room.Get(testContext(t), syncdto.GetInput{Key: "title"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Value) != `"hello"` {
		t.Fatalf("unexpected value %s", got.Value)
	}
}

func TestRoomValidatesInput(t *testing.T) {
	t.Parallel()
	f := newRoomFixture(t, true)
	ctx := testContext(t)

	cases := []struct {
		name string
		call func() error
		want error
	}{
		{"empty key", func() error {
			_, err := f.room.Put(ctx, syncdto.PutInput{Key: "", Value: json.RawMessage(`1`)})
			return err
		}, apperrors.ErrInvalidInput},
		{"bad json", func() error {
			_, err := f.room.Put(ctx, syncdto.PutInput{Key: "k", Value: json.RawMessage(`{oops`)})
			return err
		}, apperrors.ErrInvalidInput},
		{"get missing", func() error {
			_, err := f.room.Get(ctx, syncdto.GetInput{Key: "missing"})
			return err
		}, apperrors.ErrNotFound},
		{"delete missing", func() error {
			_, err := f.room.Delete(ctx, syncdto.DeleteInput{Key: "missing"})
			return err
		}, apperrors.ErrNotFound},
	}
	for _, tc := range cases {
		if err := tc.call(); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestRoomListIsSortedAndDeleteRemoves(t *testing.T) {
	t.Parallel()
	f := newRoomFixture(t, true)
	ctx := testContext(t)

	for _, key := range []string{"b", "a", "c"} {
		mustPut(t, f.room, key, `true`)
	}
	if _, err := f.room.Delete(ctx, syncdto.DeleteInput{Key: "b"}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	list, err := f.room.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.RoomID != "notes" {
		t.Fatalf("unexpected room %q", list.RoomID)
	}
	keys := []string{}
	for _, entry := range list.Entries {
		keys = append(keys, entry.Key)
	}
	if strings.Join(keys, ",") != "a,c" {
		t.Fatalf("expected sorted keys a,c, got %v", keys)
	}
}

func TestRoomOfflineWritesStayPending(t *testing.T) {
	t.Parallel()
	f := newRoomFixture(t, false)
	ctx := testContext(t)

	out := mustPut(t, f.room, "draft", `1`)
	if out.Status.Status != string(domain.StatusOffline) || out.Status.PendingCount != 1 {
		t.Fatalf("expected offline with one pending, got %+v", out.Status)
	}
	if len(f.hub.Commits("u-1", "notes")) != 0 {
		t.Fatalf("nothing may be pushed while offline")
	}

	waitFor(t, "edit saved locally", func() bool {
		rooms, err := f.room.Rooms(ctx)
		return err == nil && len(rooms.Rooms) == 1 && rooms.Rooms[0] == "notes"
	})

	f.network.Set(true)
	waitFor(t, "push after reconnect", func() bool {
		return len(f.hub.Commits("u-1", "notes")) == 1
	})
}

func TestRoomWatchEmitsViews(t *testing.T) {
	t.Parallel()
	f := newRoomFixture(t, true)
	ctx, cancel := context.WithCancel(testContext(t))
	views, err := f.room.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if first := <-views; first.RoomID != "notes" {
		t.Fatalf("unexpected first view %+v", first)
	}

	mustPut(t, f.room, "k", `42`)
	waitFor(t, "view with the new entry", func() bool {
		select {
		case view := <-views:
			return len(view.Entries) == 1 && view.Entries[0].Key == "k"
		default:
			return false
		}
	})

	cancel()
	waitFor(t, "views to close with the context", func() bool {
		select {
		case _, ok := <-views:
			return !ok
		default:
			return false
		}
	})
}

func TestRoomRestoreReassertsBackupEntries(t *testing.T) {
	t.Parallel()
	f := newRoomFixture(t, true)
	ctx := testContext(t)

	earlier := docdomain.NewDoc("earlier")
	if err := earlier.Map(service.SeedMap).Set("title", "first draft"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := earlier.Map(service.SeedMap).Set("tags", []string{"a"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	state, err := earlier.EncodeState()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	handle, err := f.local.Open(ctx, "notes")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// inside the engine's retention window so its own backups do not prune it
	takenAt := time.Now().Add(-time.Hour).Truncate(time.Millisecond).UTC()
	if err := handle.(syncout.BackupWriter).Backup(ctx, takenAt, state, takenAt.Add(-time.Hour)); err != nil {
		t.Fatalf("backup: %v", err)
	}

	mustPut(t, f.room, "title", `"rewritten"`)
	mustPut(t, f.room, "scratch", `true`)

	backups, err := f.room.Backups(ctx)
	if err != nil || len(backups.Backups) == 0 {
		t.Fatalf("expected backups, got %+v (%v)", backups, err)
	}

	out, err := f.room.Restore(ctx, syncdto.RestoreInput{TakenAt: takenAt})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if out.Entries != 2 || out.Status.Status != string(domain.StatusSynced) {
		t.Fatalf("unexpected restore result %+v", out)
	}

	list, err := f.room.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Entries) != 2 ||
		list.Entries[0].Key != "tags" || string(list.Entries[0].Value) != `["a"]` ||
		list.Entries[1].Key != "title" || string(list.Entries[1].Value) != `"first draft"` {
		t.Fatalf("room does not match the backup: %+v", list.Entries)
	}
	commits := f.hub.Commits("u-1", "notes")
	if strings.Contains(string(commits[len(commits)-1].State), "rewritten") {
		t.Fatalf("restored state was not pushed")
	}

	if _, err := f.room.Restore(ctx, syncdto.RestoreInput{TakenAt: takenAt.Add(time.Minute)}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found for an unknown backup, got %v", err)
	}
	if _, err := f.room.Restore(ctx, syncdto.RestoreInput{}); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("expected invalid input without a time, got %v", err)
	}
}

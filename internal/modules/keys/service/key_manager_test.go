package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	keysout "flowsync/internal/modules/keys/adapter/out"
	"flowsync/internal/modules/keys/domain"
	"flowsync/internal/modules/keys/service"
	"flowsync/internal/platform/clock"
)

// countingStore wraps the memory store and lets tests block reads or inject
// a concurrent creator.
type countingStore struct {
	inner   *keysout.MemoryKeyRecordStore
	gets    atomic.Int32
	creates atomic.Int32

	gate         chan struct{}
	entered      chan struct{}
	beforeCreate func(userID, roomID string)
}

func newCountingStore() *countingStore {
	return &countingStore{inner: keysout.NewMemoryKeyRecordStore()}
}

func (s *countingStore) Get(ctx context.Context, userID, roomID string) (domain.DEKRecord, bool, error) {
	s.gets.Add(1)
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return domain.DEKRecord{}, false, ctx.Err()
		}
	}
	return s.inner.Get(ctx, userID, roomID)
}

func (s *countingStore) Create(ctx context.Context, userID, roomID string, record domain.DEKRecord) error {
	s.creates.Add(1)
	if s.beforeCreate != nil {
		s.beforeCreate(userID, roomID)
	}
	return s.inner.Create(ctx, userID, roomID, record)
}

func newManager(store *countingStore) *service.KeyManager {
	return service.NewKeyManager(store, clock.NewManual(time.Unix(1_700_000_000, 0)), zerolog.Nop())
}

func TestGetKeyForRoomRequiresInitialize(t *testing.T) {
	t.Parallel()
	manager := newManager(newCountingStore())
	require.False(t, manager.IsInitialized())

	_, err := manager.GetKeyForRoom(context.Background(), "room-1")
	require.ErrorIs(t, err, domain.ErrUninitialized)

	require.NoError(t, manager.Initialize("user-1"))
	_, err = manager.GetKeyForRoom(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrEmptyRoomID)
}

func TestGetKeyForRoomCreatesOnceAndCaches(t *testing.T) {
	t.Parallel()
	store := newCountingStore()
	manager := newManager(store)
	require.NoError(t, manager.Initialize("user-1"))
	ctx := context.Background()

	first, err := manager.GetKeyForRoom(ctx, "room-1")
	require.NoError(t, err)
	second, err := manager.GetKeyForRoom(ctx, "room-1")
	require.NoError(t, err)
	require.Same(t, first, second)
	require.EqualValues(t, 1, store.gets.Load())
	require.EqualValues(t, 1, store.creates.Load())

	record, found, err := store.inner.Get(ctx, "user-1", "room-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.AlgorithmGCM, record.Algorithm)
	require.Equal(t, time.Unix(1_700_000_000, 0).UTC(), record.CreatedAt.UTC())
}

func TestKeySurvivesRestartOnAnotherDevice(t *testing.T) {
	t.Parallel()
	store := newCountingStore()
	ctx := context.Background()

	laptop := newManager(store)
	require.NoError(t, laptop.Initialize("user-1"))
	original, err := laptop.GetKeyForRoom(ctx, "room-1")
	require.NoError(t, err)
	ciphertext, err := domain.Encrypt([]byte("hello"), original)
	require.NoError(t, err)

	phone := newManager(store)
	require.NoError(t, phone.Initialize("user-1"))
	recovered, err := phone.GetKeyForRoom(ctx, "room-1")
	require.NoError(t, err)
	require.Equal(t, original.Fingerprint(), recovered.Fingerprint())

	plaintext, err := domain.Decrypt(ciphertext, recovered)
	require.NoError(t, err)
	require.Equal(t, "hello", string(plaintext))
	require.EqualValues(t, 1, store.creates.Load())
}

func TestConcurrentCallsShareOneKey(t *testing.T) {
	t.Parallel()
	store := newCountingStore()
	store.gate = make(chan struct{})
	store.entered = make(chan struct{}, 1)
	manager := newManager(store)
	require.NoError(t, manager.Initialize("user-1"))

	const callers = 8
	results := make([]*domain.DEK, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = manager.GetKeyForRoom(context.Background(), "room-1")
		}(i)
	}
	<-store.entered
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].Fingerprint(), results[i].Fingerprint())
	}
	require.EqualValues(t, 1, store.creates.Load())
}

func TestCreateRaceAdoptsWinner(t *testing.T) {
	t.Parallel()
	store := newCountingStore()
	ctx := context.Background()

	winnerKEK, err := domain.DeriveKEK("user-1")
	require.NoError(t, err)
	winnerDEK, err := domain.GenerateDEK()
	require.NoError(t, err)
	wrapped, err := domain.WrapKey(winnerDEK, winnerKEK)
	require.NoError(t, err)

	var once sync.Once
	store.beforeCreate = func(userID, roomID string) {
		once.Do(func() {
			// another device commits between our read and our create
			require.NoError(t, store.inner.Create(ctx, userID, roomID, domain.DEKRecord{
				WrappedKey: wrapped,
				Algorithm:  domain.AlgorithmGCM,
				CreatedAt:  time.Now().UTC(),
			}))
		})
	}

	manager := newManager(store)
	require.NoError(t, manager.Initialize("user-1"))
	got, err := manager.GetKeyForRoom(ctx, "room-1")
	require.NoError(t, err)
	require.Equal(t, winnerDEK.Fingerprint(), got.Fingerprint())
	require.EqualValues(t, 2, store.gets.Load())
}

func TestClearDiscardsKeyMaterial(t *testing.T) {
	t.Parallel()
	store := newCountingStore()
	manager := newManager(store)
	ctx := context.Background()
	require.NoError(t, manager.Initialize("user-1"))
	_, err := manager.GetKeyForRoom(ctx, "room-1")
	require.NoError(t, err)

	manager.Clear()
	require.False(t, manager.IsInitialized())
	require.Empty(t, manager.UserID())
	_, err = manager.GetKeyForRoom(ctx, "room-1")
	require.ErrorIs(t, err, domain.ErrUninitialized)

	require.NoError(t, manager.Initialize("user-1"))
	_, err = manager.GetKeyForRoom(ctx, "room-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, store.gets.Load(), "cache must be empty after clear")
}

func TestClearDuringFetchDropsResult(t *testing.T) {
	t.Parallel()
	store := newCountingStore()
	store.gate = make(chan struct{})
	store.entered = make(chan struct{}, 1)
	manager := newManager(store)
	require.NoError(t, manager.Initialize("user-1"))

	done := make(chan error, 1)
	go func() {
		_, err := manager.GetKeyForRoom(context.Background(), "room-1")
		done <- err
	}()
	<-store.entered
	manager.Clear()
	close(store.gate)
	require.ErrorIs(t, <-done, domain.ErrUninitialized)
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	t.Parallel()
	store := newCountingStore()
	store.gate = make(chan struct{})
	store.entered = make(chan struct{}, 1)
	manager := newManager(store)
	require.NoError(t, manager.Initialize("user-1"))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := manager.GetKeyForRoom(firstCtx, "room-1")
		first <- err
	}()
	<-store.entered

	second := make(chan error, 1)
	go func() {
		_, err := manager.GetKeyForRoom(context.Background(), "room-1")
		second <- err
	}()
	// let the second caller join the in-flight fetch
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-first, context.Canceled)
	close(store.gate)
	require.NoError(t, <-second)
}

func TestInitializeSameUserKeepsCache(t *testing.T) {
	t.Parallel()
	store := newCountingStore()
	manager := newManager(store)
	ctx := context.Background()
	require.NoError(t, manager.Initialize("user-1"))
	first, err := manager.GetKeyForRoom(ctx, "room-1")
	require.NoError(t, err)

	require.NoError(t, manager.Initialize("user-1"))
	again, err := manager.GetKeyForRoom(ctx, "room-1")
	require.NoError(t, err)
	require.Same(t, first, again)

	require.NoError(t, manager.Initialize("user-2"))
	require.Equal(t, "user-2", manager.UserID())
	other, err := manager.GetKeyForRoom(ctx, "room-1")
	require.NoError(t, err)
	require.NotEqual(t, first.Fingerprint(), other.Fingerprint())

	require.NoError(t, manager.Initialize(""))
	require.False(t, manager.IsInitialized())
}

func TestRoomCipherRejectsForeignCiphertext(t *testing.T) {
	t.Parallel()
	store := newCountingStore()
	manager := newManager(store)
	ctx := context.Background()
	require.NoError(t, manager.Initialize("user-1"))

	roomA := manager.RoomCipher("room-a")
	roomB := manager.RoomCipher("room-b")
	sealed, err := roomA.Seal(ctx, []byte("snapshot"))
	require.NoError(t, err)

	opened, err := roomA.Open(ctx, sealed)
	require.NoError(t, err)
	require.Equal(t, "snapshot", string(opened))

	_, err = roomB.Open(ctx, sealed)
	require.True(t, errors.Is(err, domain.ErrAuthentication))
}

func TestStoreErrorsSurface(t *testing.T) {
	t.Parallel()
	manager := service.NewKeyManager(failingStore{}, clock.SystemClock{}, zerolog.Nop())
	require.NoError(t, manager.Initialize("user-1"))
	_, err := manager.GetKeyForRoom(context.Background(), "room-1")
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrUninitialized)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string, string) (domain.DEKRecord, bool, error) {
	return domain.DEKRecord{}, false, errors.New("unavailable")
}

func (failingStore) Create(context.Context, string, string, domain.DEKRecord) error {
	return errors.New("unavailable")
}

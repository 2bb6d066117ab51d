package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"flowsync/internal/modules/keys/domain"
	keysout "flowsync/internal/modules/keys/port/out"
	"flowsync/internal/platform/clock"
)

// keyFetchTimeout bounds one shared fetch, which outlives any single caller.
const keyFetchTimeout = 15 * time.Second

// KeyManager holds the session user's KEK and a cache of room DEKs. It is
// owned by the session context; Clear must be called on logout.
type KeyManager struct {
	store  keysout.KeyRecordStore
	clock  clock.Clock
	logger zerolog.Logger

	mu     sync.RWMutex
	userID string
	kek    *domain.KEK
	cache  map[string]*domain.DEK
	epoch  uint64

	group singleflight.Group
}

func NewKeyManager(store keysout.KeyRecordStore, clk clock.Clock, logger zerolog.Logger) *KeyManager {
	return &KeyManager{
		store:  store,
		clock:  clk,
		logger: logger,
		cache:  map[string]*domain.DEK{},
	}
}

// Initialize derives the KEK for userID. Re-initializing for the same user is
// a no-op; an empty user id clears all key material.
func (m *KeyManager) Initialize(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		m.Clear()
		return nil
	}
	m.mu.RLock()
	same := m.userID == userID && m.kek != nil
	m.mu.RUnlock()
	if same {
		return nil
	}

	kek, err := domain.DeriveKEK(userID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.epoch++
	m.userID = userID
	m.kek = kek
	m.cache = map[string]*domain.DEK{}
	m.mu.Unlock()
	m.logger.Info().Str("user", userID).Msg("key manager initialized")
	return nil
}

// Clear drops the KEK and every cached DEK.
func (m *KeyManager) Clear() {
	m.mu.Lock()
	m.epoch++
	m.userID = ""
	m.kek = nil
	m.cache = map[string]*domain.DEK{}
	m.mu.Unlock()
	m.logger.Info().Msg("key manager cleared")
}

func (m *KeyManager) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.kek != nil && m.userID != ""
}

func (m *KeyManager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userID
}

// GetKeyForRoom returns the room's DEK, unwrapping the stored record or
// creating one on first use. Concurrent calls for one room share a fetch.
func (m *KeyManager) GetKeyForRoom(ctx context.Context, roomID string) (*domain.DEK, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, domain.ErrEmptyRoomID
	}
	m.mu.RLock()
	kek, userID, epoch := m.kek, m.userID, m.epoch
	cached, ok := m.cache[roomID]
	m.mu.RUnlock()
	if kek == nil || userID == "" {
		return nil, domain.ErrUninitialized
	}
	if ok {
		return cached, nil
	}

	flightKey := fmt.Sprintf("%d/%s/%s", epoch, userID, roomID)
	flight := m.group.DoChan(flightKey, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), keyFetchTimeout)
		defer cancel()
		return m.loadOrCreate(fetchCtx, kek, userID, roomID)
	})
	var result singleflight.Result
	select {
	case result = <-flight:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if result.Err != nil {
		return nil, result.Err
	}
	dek := result.Val.(*domain.DEK)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		// cleared or re-initialized while the fetch was in flight
		return nil, domain.ErrUninitialized
	}
	if existing, ok := m.cache[roomID]; ok {
		return existing, nil
	}
	m.cache[roomID] = dek
	return dek, nil
}

func (m *KeyManager) loadOrCreate(ctx context.Context, kek *domain.KEK, userID, roomID string) (*domain.DEK, error) {
	record, found, err := m.store.Get(ctx, userID, roomID)
	if err != nil {
		return nil, fmt.Errorf("fetch key record: %w", err)
	}
	if found {
		m.logger.Debug().Str("room", roomID).Msg("unwrapping existing dek")
		return unwrapRecord(record, kek)
	}

	m.logger.Info().Str("room", roomID).Msg("generating new dek")
	dek, err := domain.GenerateDEK()
	if err != nil {
		return nil, err
	}
	wrapped, err := domain.WrapKey(dek, kek)
	if err != nil {
		return nil, err
	}
	err = m.store.Create(ctx, userID, roomID, domain.DEKRecord{
		WrappedKey: wrapped,
		Algorithm:  domain.AlgorithmGCM,
		CreatedAt:  m.clock.Now(),
	})
	if err == nil {
		return dek, nil
	}
	if !errors.Is(err, domain.ErrKeyRecordExists) {
		return nil, fmt.Errorf("store key record: %w", err)
	}

	// another device won the race; its key is the room key
	m.logger.Warn().Str("room", roomID).Msg("dek created concurrently, adopting stored record")
	record, found, err = m.store.Get(ctx, userID, roomID)
	if err != nil {
		return nil, fmt.Errorf("refetch key record: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("refetch key record: %w", domain.ErrKeyRecordExists)
	}
	return unwrapRecord(record, kek)
}

func unwrapRecord(record domain.DEKRecord, kek *domain.KEK) (*domain.DEK, error) {
	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("invalid key record: %w", err)
	}
	dek, err := domain.UnwrapKey(record.WrappedKey, kek)
	if err != nil {
		return nil, fmt.Errorf("unwrap key record: %w", err)
	}
	return dek, nil
}

// RoomCipher seals and opens room snapshots with the room's DEK.
type RoomCipher struct {
	manager *KeyManager
	roomID  string
}

func (m *KeyManager) RoomCipher(roomID string) RoomCipher {
	return RoomCipher{manager: m, roomID: roomID}
}

func (c RoomCipher) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	dek, err := c.manager.GetKeyForRoom(ctx, c.roomID)
	if err != nil {
		return nil, err
	}
	return domain.Seal(plaintext, dek)
}

func (c RoomCipher) Open(ctx context.Context, sealed []byte) ([]byte, error) {
	dek, err := c.manager.GetKeyForRoom(ctx, c.roomID)
	if err != nil {
		return nil, err
	}
	return domain.Open(sealed, dek)
}

package out

import (
	"context"
	"fmt"
	"sync"

	"flowsync/internal/modules/sync/domain"
	syncout "flowsync/internal/modules/sync/port/out"
	"flowsync/internal/platform/clock"
	apperrors "flowsync/internal/platform/errors"
)

// MemoryRemoteStore is an in-process replica hub. Each subscriber receives
// deliveries in commit order on its own goroutine.
type MemoryRemoteStore struct {
	clock clock.Clock

	mu           sync.Mutex
	records      map[string]domain.RemoteRecord
	commits      map[string][]domain.RemoteRecord
	subscribers  map[string]map[int]*mailbox
	nextID       int
	writeErr     error
	subscribeErr error
}

func NewMemoryRemoteStore(clk clock.Clock) *MemoryRemoteStore {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &MemoryRemoteStore{
		clock:       clk,
		records:     map[string]domain.RemoteRecord{},
		commits:     map[string][]domain.RemoteRecord{},
		subscribers: map[string]map[int]*mailbox{},
	}
}

var _ syncout.RemoteStore = (*MemoryRemoteStore)(nil)

func (s *MemoryRemoteStore) Subscribe(userID, roomID string, handler syncout.SubscriptionHandler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	key := remoteKey(userID, roomID)
	box := newMailbox(handler)
	record, ok := s.records[key]
	box.snapshot(domain.Snapshot{Record: cloneRecord(record), Exists: ok})

	s.nextID++
	subID := s.nextID
	if s.subscribers[key] == nil {
		s.subscribers[key] = map[int]*mailbox{}
	}
	s.subscribers[key][subID] = box
	go box.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers[key], subID)
			s.mu.Unlock()
			box.close()
		})
	}, nil
}

func (s *MemoryRemoteStore) Fetch(_ context.Context, userID, roomID string) (domain.RemoteRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[remoteKey(userID, roomID)]
	return cloneRecord(record), ok, nil
}

func (s *MemoryRemoteStore) Write(ctx context.Context, record domain.RemoteRecord, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateWrite(record, expectedVersion); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	key := remoteKey(record.UserID, record.RoomID)
	if current := s.records[key]; current.Version != expectedVersion {
		return fmt.Errorf("%w: stored %d, expected %d", domain.ErrVersionConflict, current.Version, expectedVersion)
	}
	stored := cloneRecord(record)
	stored.UpdatedAt = s.clock.Now()
	s.records[key] = stored
	s.commits[key] = append(s.commits[key], cloneRecord(stored))
	for _, box := range s.subscribers[key] {
		box.snapshot(domain.Snapshot{Record: cloneRecord(stored), Exists: true})
	}
	return nil
}

// Commits returns every committed record for the room, oldest first.
func (s *MemoryRemoteStore) Commits(userID, roomID string) []domain.RemoteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RemoteRecord, 0, len(s.commits[remoteKey(userID, roomID)]))
	for _, record := range s.commits[remoteKey(userID, roomID)] {
		out = append(out, cloneRecord(record))
	}
	return out
}

// Subscribers reports how many live subscriptions the room has.
func (s *MemoryRemoteStore) Subscribers(userID, roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers[remoteKey(userID, roomID)])
}

// FailWrites makes every later Write return err until called with nil.
func (s *MemoryRemoteStore) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// FailSubscribe makes later Subscribe calls return err until called with nil.
func (s *MemoryRemoteStore) FailSubscribe(err error) {
	s.mu.Lock()
	s.subscribeErr = err
	s.mu.Unlock()
}

// Deliver pushes a snapshot to the room's subscribers without storing it.
func (s *MemoryRemoteStore) Deliver(record domain.RemoteRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, box := range s.subscribers[remoteKey(record.UserID, record.RoomID)] {
		box.snapshot(domain.Snapshot{Record: cloneRecord(record), Exists: true})
	}
}

// Disconnect reports err to the room's subscribers.
func (s *MemoryRemoteStore) Disconnect(userID, roomID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, box := range s.subscribers[remoteKey(userID, roomID)] {
		box.fail(err)
	}
}

func remoteKey(userID, roomID string) string {
	return userID + "/rooms/" + roomID
}

func cloneRecord(record domain.RemoteRecord) domain.RemoteRecord {
	record.State = append([]byte(nil), record.State...)
	return record
}

func validateWrite(record domain.RemoteRecord, expectedVersion int64) error {
	switch {
	case record.UserID == "" || record.RoomID == "":
		return fmt.Errorf("%w: record needs user and room", apperrors.ErrInvalidInput)
	case expectedVersion < 0 || record.Version != expectedVersion+1:
		return fmt.Errorf("%w: version %d does not follow %d", apperrors.ErrInvalidInput, record.Version, expectedVersion)
	}
	return nil
}

// mailbox serializes deliveries to one subscription handler.
type mailbox struct {
	handler syncout.SubscriptionHandler

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	quit   chan struct{}
	closed bool
}

func newMailbox(handler syncout.SubscriptionHandler) *mailbox {
	return &mailbox{handler: handler, wake: make(chan struct{}, 1), quit: make(chan struct{})}
}

func (m *mailbox) snapshot(snapshot domain.Snapshot) {
	if m.handler.OnSnapshot == nil {
		return
	}
	m.enqueue(func() { m.handler.OnSnapshot(snapshot) })
}

func (m *mailbox) fail(err error) {
	if m.handler.OnError == nil {
		return
	}
	m.enqueue(func() { m.handler.OnError(err) })
}

func (m *mailbox) enqueue(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.quit:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if m.closed || len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			next := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			next()
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.quit)
}

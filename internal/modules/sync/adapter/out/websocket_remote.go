package out

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"flowsync/internal/modules/sync/domain"
	syncdto "flowsync/internal/modules/sync/dto"
	syncout "flowsync/internal/modules/sync/port/out"
)

const (
	relayDialTimeout    = 5 * time.Second
	relayWriteTimeout   = 10 * time.Second
	relayInitialBackoff = 250 * time.Millisecond
	relayMaxBackoff     = 30 * time.Second
)

var errRelayDisconnected = errors.New("relay connection lost")

// WebSocketRemoteStore talks to a flowsync relay. One connection is shared by
// every subscription; it is re-dialed with exponential backoff and all live
// subscriptions are re-established after each reconnect.
type WebSocketRemoteStore struct {
	url    string
	logger zerolog.Logger

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	attempted chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	nextReq uint64
	pending map[uint64]chan syncdto.Frame
	subs    map[string]map[int]roomSubscriber
	nextSub int
	closed  bool
}

func NewWebSocketRemoteStore(url string, logger zerolog.Logger) *WebSocketRemoteStore {
	url = strings.TrimSpace(url)
	if !strings.Contains(strings.TrimPrefix(strings.TrimPrefix(url, "wss://"), "ws://"), "/") {
		url += syncdto.RelayPath
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketRemoteStore{
		url:       url,
		logger:    logger.With().Str("relay", url).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		attempted: make(chan struct{}),
		pending:   map[uint64]chan syncdto.Frame{},
		subs:      map[string]map[int]roomSubscriber{},
	}
}

var _ syncout.RemoteStore = (*WebSocketRemoteStore)(nil)

func (s *WebSocketRemoteStore) Subscribe(userID, roomID string, handler syncout.SubscriptionHandler) (func(), error) {
	s.start()
	s.awaitFirstDial(s.ctx)

	key := remoteKey(userID, roomID)
	box := newMailbox(handler)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("relay client closed")
	}
	s.nextSub++
	subID := s.nextSub
	first := len(s.subs[key]) == 0
	if first {
		s.subs[key] = map[int]roomSubscriber{}
	}
	s.subs[key][subID] = roomSubscriber{box: box, userID: userID, roomID: roomID}
	conn := s.conn
	s.mu.Unlock()
	go box.run()

	switch {
	case conn == nil:
		box.fail(fmt.Errorf("%w: relay unreachable", domain.ErrOffline))
	case first:
		s.sendOn(conn, syncdto.Frame{Type: syncdto.FrameSubscribe, UserID: userID, RoomID: roomID})
	default:
		// the relay already streams this room; give the newcomer a baseline
		go func() {
			record, found, err := s.Fetch(s.ctx, userID, roomID)
			if err != nil {
				box.fail(err)
				return
			}
			box.snapshot(domain.Snapshot{Record: record, Exists: found})
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[key], subID)
			last := len(s.subs[key]) == 0
			if last {
				delete(s.subs, key)
			}
			conn := s.conn
			s.mu.Unlock()
			box.close()
			if last && conn != nil {
				s.sendOn(conn, syncdto.Frame{Type: syncdto.FrameUnsubscribe, UserID: userID, RoomID: roomID})
			}
		})
	}, nil
}

func (s *WebSocketRemoteStore) Fetch(ctx context.Context, userID, roomID string) (domain.RemoteRecord, bool, error) {
	reply, err := s.request(ctx, syncdto.Frame{Type: syncdto.FrameFetch, UserID: userID, RoomID: roomID})
	if err != nil {
		return domain.RemoteRecord{}, false, err
	}
	if !reply.Exists || reply.Record == nil {
		return domain.RemoteRecord{}, false, nil
	}
	return fromReplicaFrame(*reply.Record), true, nil
}

func (s *WebSocketRemoteStore) Write(ctx context.Context, record domain.RemoteRecord, expectedVersion int64) error {
	if err := validateWrite(record, expectedVersion); err != nil {
		return err
	}
	replica := toReplicaFrame(record)
	_, err := s.request(ctx, syncdto.Frame{Type: syncdto.FrameWrite, Record: &replica, ExpectedVersion: expectedVersion})
	return err
}

// Close stops reconnecting and releases every subscription.
func (s *WebSocketRemoteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	boxes := []*mailbox{}
	for _, subs := range s.subs {
		for _, sub := range subs {
			boxes = append(boxes, sub.box)
		}
	}
	s.subs = map[string]map[int]roomSubscriber{}
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	// never started: nothing else will close done
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
	for _, box := range boxes {
		box.close()
	}
	return nil
}

func (s *WebSocketRemoteStore) start() {
	s.startOnce.Do(func() { go s.run() })
}

func (s *WebSocketRemoteStore) awaitFirstDial(ctx context.Context) {
	select {
	case <-s.attempted:
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
}

func (s *WebSocketRemoteStore) run() {
	defer close(s.done)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = relayInitialBackoff
	policy.MaxInterval = relayMaxBackoff
	policy.MaxElapsedTime = 0

	var firstOnce sync.Once
	markAttempted := func() { firstOnce.Do(func() { close(s.attempted) }) }
	defer markAttempted()

	for {
		dialCtx, cancel := context.WithTimeout(s.ctx, relayDialTimeout)
		conn, _, err := websocket.Dial(dialCtx, s.url, nil)
		cancel()
		if err != nil {
			markAttempted()
			if s.ctx.Err() != nil {
				return
			}
			wait := policy.NextBackOff()
			s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("relay dial failed")
			timer := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		policy.Reset()
		conn.SetReadLimit(syncdto.MaxFrameBytes)
		s.attach(conn)
		markAttempted()

		err = s.readLoop(conn)
		s.detach(conn, err)
		if s.ctx.Err() != nil {
			return
		}
	}
}

func (s *WebSocketRemoteStore) attach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	s.conn = conn
	rooms := make([]roomSubscriber, 0, len(s.subs))
	for _, subs := range s.subs {
		for _, sub := range subs {
			rooms = append(rooms, sub)
			break
		}
	}
	s.mu.Unlock()
	s.logger.Info().Int("subscriptions", len(rooms)).Msg("relay connected")
	for _, sub := range rooms {
		s.sendOn(conn, syncdto.Frame{Type: syncdto.FrameSubscribe, UserID: sub.userID, RoomID: sub.roomID})
	}
}

func (s *WebSocketRemoteStore) detach(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	pending := s.pending
	s.pending = map[uint64]chan syncdto.Frame{}
	boxes := []*mailbox{}
	for _, subs := range s.subs {
		for _, sub := range subs {
			boxes = append(boxes, sub.box)
		}
	}
	s.mu.Unlock()

	_ = conn.Close(websocket.StatusGoingAway, "")
	for _, reply := range pending {
		close(reply)
	}
	if s.ctx.Err() != nil {
		return
	}
	s.logger.Warn().Err(cause).Msg("relay disconnected")
	for _, box := range boxes {
		box.fail(fmt.Errorf("%w: %v", errRelayDisconnected, cause))
	}
}

func (s *WebSocketRemoteStore) readLoop(conn *websocket.Conn) error {
	for {
		var frame syncdto.Frame
		if err := wsjson.Read(s.ctx, conn, &frame); err != nil {
			return err
		}
		switch frame.Type {
		case syncdto.FrameResult:
			s.mu.Lock()
			reply, ok := s.pending[frame.ID]
			delete(s.pending, frame.ID)
			s.mu.Unlock()
			if ok {
				reply <- frame
			}
		case syncdto.FrameSnapshot:
			snapshot := domain.Snapshot{Exists: frame.Exists}
			if frame.Record != nil {
				snapshot.Record = fromReplicaFrame(*frame.Record)
			}
			for _, box := range s.boxes(frame.UserID, frame.RoomID) {
				box.snapshot(snapshot)
			}
		case syncdto.FrameError:
			for _, box := range s.boxes(frame.UserID, frame.RoomID) {
				box.fail(errors.New(frame.Error))
			}
		default:
			s.logger.Debug().Str("type", frame.Type).Msg("ignoring unknown relay frame")
		}
	}
}

func (s *WebSocketRemoteStore) boxes(userID, roomID string) []*mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[remoteKey(userID, roomID)]
	out := make([]*mailbox, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.box)
	}
	return out
}

func (s *WebSocketRemoteStore) request(ctx context.Context, frame syncdto.Frame) (syncdto.Frame, error) {
	s.start()
	s.awaitFirstDial(ctx)

	reply := make(chan syncdto.Frame, 1)
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return syncdto.Frame{}, fmt.Errorf("%w: relay unreachable", domain.ErrOffline)
	}
	s.nextReq++
	frame.ID = s.nextReq
	s.pending[frame.ID] = reply
	s.mu.Unlock()

	if err := s.writeFrame(ctx, conn, frame); err != nil {
		s.forget(frame.ID)
		return syncdto.Frame{}, fmt.Errorf("send %s: %w", frame.Type, err)
	}
	select {
	case result, ok := <-reply:
		if !ok {
			return syncdto.Frame{}, errRelayDisconnected
		}
		switch {
		case result.Code == syncdto.CodeConflict:
			return result, fmt.Errorf("%w: %s", domain.ErrVersionConflict, result.Error)
		case result.Error != "":
			return result, errors.New(result.Error)
		}
		return result, nil
	case <-ctx.Done():
		s.forget(frame.ID)
		return syncdto.Frame{}, ctx.Err()
	}
}

func (s *WebSocketRemoteStore) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// sendOn writes a frame whose reply nobody waits for.
func (s *WebSocketRemoteStore) sendOn(conn *websocket.Conn, frame syncdto.Frame) {
	ctx, cancel := context.WithTimeout(s.ctx, relayWriteTimeout)
	defer cancel()
	if err := s.writeFrame(ctx, conn, frame); err != nil && s.ctx.Err() == nil {
		s.logger.Warn().Err(err).Str("type", frame.Type).Msg("relay send failed")
	}
}

func (s *WebSocketRemoteStore) writeFrame(ctx context.Context, conn *websocket.Conn, frame syncdto.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsjson.Write(ctx, conn, frame)
}

func toReplicaFrame(record domain.RemoteRecord) syncdto.ReplicaRecord {
	return syncdto.ReplicaRecord{
		RoomID:    record.RoomID,
		UserID:    record.UserID,
		SessionID: record.SessionID,
		Version:   record.Version,
		State:     record.State,
		UpdatedAt: record.UpdatedAt,
	}
}

func fromReplicaFrame(record syncdto.ReplicaRecord) domain.RemoteRecord {
	return domain.RemoteRecord{
		RoomID:    record.RoomID,
		UserID:    record.UserID,
		SessionID: record.SessionID,
		Version:   record.Version,
		State:     record.State,
		UpdatedAt: record.UpdatedAt,
	}
}

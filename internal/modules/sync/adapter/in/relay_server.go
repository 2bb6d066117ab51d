package in

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	syncdto "flowsync/internal/modules/sync/dto"
	syncin "flowsync/internal/modules/sync/port/in"
	apperrors "flowsync/internal/platform/errors"
)

const relayWriteTimeout = 10 * time.Second

// RelayServer serves a remote store to websocket clients.
type RelayServer struct {
	relay  syncin.Relay
	logger zerolog.Logger

	mu       sync.Mutex
	sessions int
}

func NewRelayServer(relay syncin.Relay, logger zerolog.Logger) *RelayServer {
	return &RelayServer{relay: relay, logger: logger}
}

func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.Sessions()})
		return
	case r.URL.Path != syncdto.RelayPath:
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "not_found", "message": "route not found"})
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(syncdto.MaxFrameBytes)

	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sessions--
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	session := &relaySession{
		ctx:    ctx,
		conn:   conn,
		relay:  s.relay,
		logger: s.logger.With().Str("remote", r.RemoteAddr).Logger(),
		subs:   map[string]func(){},
	}
	session.serve()
}

// Sessions reports how many clients are connected.
func (s *RelayServer) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

type relaySession struct {
	ctx    context.Context
	conn   *websocket.Conn
	relay  syncin.Relay
	logger zerolog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]func()
}

func (s *relaySession) serve() {
	s.logger.Info().Msg("relay client connected")
	defer s.closeAll()
	for {
		var frame syncdto.Frame
		if err := wsjson.Read(s.ctx, s.conn, &frame); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.logger.Info().Msg("relay client disconnected")
			default:
				if s.ctx.Err() == nil {
					s.logger.Warn().Err(err).Msg("relay read failed")
				}
			}
			return
		}
		s.handle(frame)
	}
}

func (s *relaySession) handle(frame syncdto.Frame) {
	reply := syncdto.Frame{Type: syncdto.FrameResult, ID: frame.ID}
	switch frame.Type {
	case syncdto.FrameSubscribe:
		if err := s.subscribe(frame.UserID, frame.RoomID); err != nil {
			reply.Error = err.Error()
		}
	case syncdto.FrameUnsubscribe:
		s.unsubscribe(frame.UserID, frame.RoomID)
	case syncdto.FrameFetch:
		snapshot, err := s.relay.Fetch(s.ctx, frame.UserID, frame.RoomID)
		if err != nil {
			reply.Error = err.Error()
			break
		}
		record := snapshot.Record
		reply.Record = &record
		reply.Exists = snapshot.Exists
	case syncdto.FrameWrite:
		if frame.Record == nil {
			reply.Error = "write without record"
			break
		}
		err := s.relay.Write(s.ctx, syncdto.WriteReplicaInput{Record: *frame.Record, ExpectedVersion: frame.ExpectedVersion})
		if err != nil {
			reply.Error = err.Error()
			if errors.Is(err, apperrors.ErrConflict) {
				reply.Code = syncdto.CodeConflict
			}
		}
	default:
		reply.Error = "unknown frame type " + frame.Type
	}
	s.send(reply)
}

func (s *relaySession) subscribe(userID, roomID string) error {
	key := userID + "\x00" + roomID
	s.mu.Lock()
	_, exists := s.subs[key]
	s.mu.Unlock()
	if exists {
		return nil
	}
	cancel, err := s.relay.Subscribe(userID, roomID,
		func(snapshot syncdto.ReplicaSnapshot) {
			record := snapshot.Record
			s.send(syncdto.Frame{Type: syncdto.FrameSnapshot, UserID: userID, RoomID: roomID, Record: &record, Exists: snapshot.Exists})
		},
		func(err error) {
			s.send(syncdto.Frame{Type: syncdto.FrameError, UserID: userID, RoomID: roomID, Error: err.Error()})
		},
	)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.subs[key] = cancel
	s.mu.Unlock()
	s.logger.Debug().Str("user", userID).Str("room", roomID).Msg("relay subscription opened")
	return nil
}

func (s *relaySession) unsubscribe(userID, roomID string) {
	key := userID + "\x00" + roomID
	s.mu.Lock()
	cancel := s.subs[key]
	delete(s.subs, key)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *relaySession) closeAll() {
	s.mu.Lock()
	cancels := make([]func(), 0, len(s.subs))
	for _, cancel := range s.subs {
		cancels = append(cancels, cancel)
	}
	s.subs = map[string]func(){}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *relaySession) send(frame syncdto.Frame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(s.ctx, relayWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, s.conn, frame); err != nil && s.ctx.Err() == nil {
		s.logger.Warn().Err(err).Str("type", frame.Type).Msg("relay write failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

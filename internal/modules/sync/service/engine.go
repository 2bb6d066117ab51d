package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	docdomain "flowsync/internal/modules/document/domain"
	"flowsync/internal/modules/sync/domain"
	syncout "flowsync/internal/modules/sync/port/out"
	"flowsync/internal/platform/clock"
	apperrors "flowsync/internal/platform/errors"
	"flowsync/internal/platform/id"
)

const (
	DefaultDebounce          = time.Second
	DefaultMinInterval       = 5 * time.Second
	DefaultPushTimeout       = 15 * time.Second
	DefaultRemoteLoadTimeout = 10 * time.Second
	DefaultBackupInterval    = time.Hour
	DefaultBackupRetention   = 72 * time.Hour

	// SeedMap receives EngineConfig.Seed on a fresh document.
	SeedMap = "data"

	localSaveTimeout = 5 * time.Second
	eventBuffer      = 64
)

type EngineConfig struct {
	RoomID string
	// UserID is empty for anonymous, local-only engines.
	UserID string
	Seed   map[string]any

	Debounce          time.Duration
	MinInterval       time.Duration
	PushTimeout       time.Duration
	RemoteLoadTimeout time.Duration

	// BackupInterval spaces full-state backups on handles that keep them;
	// backups older than BackupRetention are pruned.
	BackupInterval  time.Duration
	BackupRetention time.Duration
	// MaxSnapshotBytes caps one pushed snapshot; 0 means domain.MaxSnapshotBytes.
	MaxSnapshotBytes int
}

type EngineDeps struct {
	Local  syncout.LocalStore
	Remote syncout.RemoteStore
	// Network defaults to always online.
	Network syncout.Network
}

type EngineOption func(*Engine)

// WithCipher seals snapshots before they are written and opens them on receipt.
func WithCipher(cipher syncout.SnapshotCipher) EngineOption {
	return func(e *Engine) { e.cipher = cipher }
}

func WithClock(clk clock.Clock) EngineOption {
	return func(e *Engine) { e.clock = clk }
}

func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func WithSessionID(sessionID string) EngineOption {
	return func(e *Engine) { e.sessionID = sessionID }
}

// Engine keeps one room's document in sync with local storage and the remote
// replica.
//
// All sync state is owned by a single loop goroutine. Document observers,
// remote deliveries, timers and push results reach it as events, so the
// loop never needs a lock for its own fields. Subscriber callbacks run on
// the loop goroutine and must not call Flush, Destroy or Subscribe.
type Engine struct {
	cfg       EngineConfig
	local     syncout.LocalStore
	remote    syncout.RemoteStore
	network   syncout.Network
	cipher    syncout.SnapshotCipher
	clock     clock.Clock
	logger    zerolog.Logger
	sessionID string

	doc    *docdomain.Doc
	shadow *docdomain.Doc

	ctx          context.Context
	cancel       context.CancelFunc
	events       chan any
	localSignal  chan struct{}
	saveSignal   chan struct{}
	localPending atomic.Bool
	stop         chan struct{}
	done         chan struct{}
	readyCh      chan struct{}
	destroyOnce  sync.Once
	workers      sync.WaitGroup

	statusMu    sync.Mutex
	status      domain.StatusSnapshot
	subscribers map[int]func(domain.StatusSnapshot)
	nextSub     int
	notifyMu    sync.Mutex

	// loop-owned
	scheduler         *pushScheduler
	handle            syncout.LocalHandle
	localLoaded       bool
	remoteLoaded      bool
	ready             bool
	online            bool
	pushFailed        bool
	subFailed         bool
	dirty             bool
	pushing           bool
	localVersion      int64
	remoteVersion     int64
	lastPushedVersion int64
	inflightVersion   int64
	lastPushAt        time.Time
	loadTimer         clock.Timer
	remoteCancel      func()
	networkStop       func()
	observerStop      func()
	flushWaiters      []chan error
	saverStop         chan struct{}
	saverDone         chan struct{}
	lastBackupAt      time.Time
	watchStop         chan struct{}
}

type (
	localLoadedEvent struct {
		handle syncout.LocalHandle
		state  []byte
		err    error
	}
	localChangedEvent   struct{}
	remoteSnapshotEvent struct {
		snapshot domain.Snapshot
		state    []byte
		err      error
	}
	remoteErrorEvent   struct{ err error }
	remoteTimeoutEvent struct{}
	pushTimerEvent     struct{ token uint64 }
	pushResultEvent    struct {
		version int64
		state   []byte
		err     error
		fetched *remoteSnapshotEvent
	}
	networkEvent struct{ online bool }
	flushEvent   struct{ reply chan error }
	callEvent    struct {
		fn   func()
		done chan struct{}
	}
)

// NewEngine starts an engine for cfg.RoomID. Local state is loaded in the
// background; use WaitReady to block until the readiness gate opens.
func NewEngine(cfg EngineConfig, deps EngineDeps, opts ...EngineOption) (*Engine, error) {
	cfg.RoomID = strings.TrimSpace(cfg.RoomID)
	cfg.UserID = strings.TrimSpace(cfg.UserID)
	if cfg.RoomID == "" {
		return nil, domain.ErrEmptyRoomID
	}
	if deps.Local == nil {
		return nil, fmt.Errorf("%w: local store is required", apperrors.ErrInvalidInput)
	}
	if cfg.UserID != "" && deps.Remote == nil {
		return nil, fmt.Errorf("%w: remote store is required for user %s", apperrors.ErrInvalidInput, cfg.UserID)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	} else if cfg.MinInterval == 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = DefaultPushTimeout
	}
	if cfg.RemoteLoadTimeout <= 0 {
		cfg.RemoteLoadTimeout = DefaultRemoteLoadTimeout
	}
	if cfg.BackupInterval <= 0 {
		cfg.BackupInterval = DefaultBackupInterval
	}
	if cfg.BackupRetention <= 0 {
		cfg.BackupRetention = DefaultBackupRetention
	}
	if cfg.MaxSnapshotBytes <= 0 {
		cfg.MaxSnapshotBytes = domain.MaxSnapshotBytes
	}

	e := &Engine{
		cfg:         cfg,
		local:       deps.Local,
		remote:      deps.Remote,
		network:     deps.Network,
		clock:       clock.SystemClock{},
		logger:      zerolog.Nop(),
		events:      make(chan any, eventBuffer),
		localSignal: make(chan struct{}, 1),
		saveSignal:  make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		readyCh:     make(chan struct{}),
		subscribers: map[int]func(domain.StatusSnapshot){},
		status:      domain.StatusSnapshot{Status: domain.StatusDisconnected},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.network == nil {
		e.network = alwaysOnline{}
	}
	if e.sessionID == "" {
		e.sessionID = id.UUID{}.New()
	}
	e.logger = e.logger.With().Str("room", cfg.RoomID).Str("session", e.sessionID).Logger()
	e.doc = docdomain.NewDoc(e.sessionID).WithNow(e.clock.Now)
	e.shadow = docdomain.NewDoc(e.sessionID + "-shadow")
	e.scheduler = newPushScheduler(e.clock, cfg.Debounce, cfg.MinInterval)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.observerStop = e.doc.Observe(e.onDocChange)

	go e.run()
	return e, nil
}

// Document returns the replicated document. Collaborators mutate it directly.
func (e *Engine) Document() *docdomain.Doc { return e.doc }

func (e *Engine) RoomID() string { return e.cfg.RoomID }

func (e *Engine) SessionID() string { return e.sessionID }

func (e *Engine) Status() domain.StatusSnapshot {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

// Subscribe invokes fn with the current status and then on every change.
// The returned func unsubscribes and may be called any number of times.
func (e *Engine) Subscribe(fn func(domain.StatusSnapshot)) func() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.statusMu.Lock()
	current := e.status
	if e.subscribers == nil {
		e.statusMu.Unlock()
		fn(current)
		return func() {}
	}
	e.nextSub++
	key := e.nextSub
	e.subscribers[key] = fn
	e.statusMu.Unlock()

	fn(current)
	var once sync.Once
	return func() {
		once.Do(func() {
			e.statusMu.Lock()
			delete(e.subscribers, key)
			e.statusMu.Unlock()
		})
	}
}

// WaitReady blocks until local state is loaded and the remote side has
// answered, timed out, or been ruled out.
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.readyCh:
		return nil
	case <-e.done:
		return domain.ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush pushes pending changes without waiting for the debounce window and
// returns once nothing is pending. The throttle floor still applies.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.WaitReady(ctx); err != nil {
		return err
	}
	reply := make(chan error, 1)
	if !e.send(flushEvent{reply: reply}) {
		return domain.ErrEngineClosed
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return domain.ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy stops the engine, saves local state one last time and releases
// every listener. It is safe to call more than once.
func (e *Engine) Destroy() {
	e.destroyOnce.Do(func() {
		close(e.stop)
		<-e.done
	})
}

func (e *Engine) send(ev any) bool {
	select {
	case <-e.stop:
		return false
	default:
	}
	select {
	case e.events <- ev:
		return true
	case <-e.stop:
		return false
	}
}

// call runs fn on the loop goroutine and waits for it.
func (e *Engine) call(fn func()) error {
	done := make(chan struct{})
	if !e.send(callEvent{fn: fn, done: done}) {
		return domain.ErrEngineClosed
	}
	select {
	case <-done:
		return nil
	case <-e.done:
		return domain.ErrEngineClosed
	}
}

func (e *Engine) run() {
	defer close(e.done)
	e.start()
	for {
		select {
		case <-e.stop:
			e.shutdown()
			return
		case <-e.localSignal:
			e.drainLocal()
		case ev := <-e.events:
			e.drainLocal()
			e.dispatch(ev)
		}
	}
}

func (e *Engine) start() {
	e.online = e.network.Online()
	e.networkStop = e.network.Watch(func(online bool) {
		e.send(networkEvent{online: online})
	})
	e.workers.Add(1)
	go e.loadLocal()

	if e.anonymous() {
		e.remoteLoaded = true
		e.logger.Info().Msg("no user; running local-only")
		return
	}
	cancel, err := e.remote.Subscribe(e.cfg.UserID, e.cfg.RoomID, syncout.SubscriptionHandler{
		OnSnapshot: func(snapshot domain.Snapshot) { e.send(e.openSnapshot(e.ctx, snapshot)) },
		OnError:    func(err error) { e.send(remoteErrorEvent{err: err}) },
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("remote subscription failed")
		e.subFailed = true
		e.remoteLoaded = true
		return
	}
	e.remoteCancel = cancel
	if !e.online {
		e.logger.Info().Msg("network offline at start; not waiting for remote state")
		e.remoteLoaded = true
		return
	}
	e.loadTimer = e.clock.AfterFunc(e.cfg.RemoteLoadTimeout, func() {
		e.send(remoteTimeoutEvent{})
	})
}

func (e *Engine) loadLocal() {
	defer e.workers.Done()
	ev := localLoadedEvent{}
	handle, err := e.local.Open(e.ctx, e.cfg.RoomID)
	if err != nil {
		ev.err = fmt.Errorf("open local store: %w", err)
	} else {
		ev.handle = handle
		ev.state, ev.err = handle.Load(e.ctx)
	}
	if !e.send(ev) && handle != nil {
		_ = handle.Close()
	}
}

func (e *Engine) onDocChange(origin docdomain.Origin) {
	if origin == docdomain.OriginLocal {
		e.localPending.Store(true)
		select {
		case e.localSignal <- struct{}{}:
		default:
		}
	}
	if origin != docdomain.OriginPersistence {
		select {
		case e.saveSignal <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) dispatch(ev any) {
	switch ev := ev.(type) {
	case localLoadedEvent:
		e.onLocalLoaded(ev)
	case localChangedEvent:
		e.onLocalChanged()
	case remoteSnapshotEvent:
		e.applyRemote(ev)
	case remoteErrorEvent:
		e.logger.Warn().Err(ev.err).Msg("remote subscription error")
		e.subFailed = true
		e.markRemoteLoaded()
	case remoteTimeoutEvent:
		e.loadTimer = nil
		if !e.remoteLoaded {
			e.logger.Warn().Dur("timeout", e.cfg.RemoteLoadTimeout).Msg("no remote snapshot yet; continuing with local state")
			e.markRemoteLoaded()
		}
	case pushTimerEvent:
		if !e.scheduler.current(ev.token) {
			return
		}
		e.scheduler.fired()
		e.tryPush()
	case pushResultEvent:
		e.onPushResult(ev)
	case networkEvent:
		e.onNetwork(ev.online)
	case flushEvent:
		e.onFlush(ev.reply)
	case callEvent:
		ev.fn()
		close(ev.done)
	}
	e.refreshStatus()
}

func (e *Engine) drainLocal() {
	if !e.localPending.Swap(false) {
		return
	}
	if !e.ready || e.anonymous() {
		return
	}
	e.dirty = true
	e.clearFailures()
	e.schedulePush()
	e.refreshStatus()
}

func (e *Engine) onLocalLoaded(ev localLoadedEvent) {
	if ev.err != nil {
		e.logger.Warn().Err(ev.err).Msg("local state unavailable; starting from memory")
	}
	e.handle = ev.handle
	if len(ev.state) > 0 {
		if err := e.doc.ApplyUpdate(ev.state, docdomain.OriginPersistence); err != nil {
			e.logger.Warn().Err(err).Msg("discarding unreadable local state")
		}
	}
	e.seed()
	e.localLoaded = true
	e.logger.Info().Int("bytes", len(ev.state)).Msg("local state loaded")

	if e.handle != nil {
		e.saverStop = make(chan struct{})
		e.saverDone = make(chan struct{})
		go e.runSaver(e.handle)
		if watcher, ok := e.handle.(syncout.ChangeWatcher); ok {
			e.watchStop = make(chan struct{})
			go e.runWatcher(watcher.Changes())
		}
	}
	e.checkReady()
}

func (e *Engine) seed() {
	if len(e.cfg.Seed) == 0 || !e.doc.IsEmpty() {
		return
	}
	keys := make([]string, 0, len(e.cfg.Seed))
	for key := range e.cfg.Seed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	data := e.doc.Map(SeedMap)
	err := e.doc.Transact(docdomain.OriginLocal, func() error {
		for _, key := range keys {
			if err := data.SetDefault(key, e.cfg.Seed[key]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("seeding failed")
		return
	}
	e.logger.Info().Int("keys", len(keys)).Msg("seeded empty document")
}

func (e *Engine) onLocalChanged() {
	if e.handle == nil {
		return
	}
	state, err := e.handle.Load(e.ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("reloading local state failed")
		return
	}
	if len(state) == 0 {
		return
	}
	if err := e.doc.ApplyUpdate(state, docdomain.OriginPersistence); err != nil {
		e.logger.Warn().Err(err).Msg("discarding unreadable local state")
	}
}

func (e *Engine) openSnapshot(ctx context.Context, snapshot domain.Snapshot) remoteSnapshotEvent {
	ev := remoteSnapshotEvent{snapshot: snapshot}
	if !snapshot.Exists || len(snapshot.Record.State) == 0 {
		return ev
	}
	if e.cipher == nil {
		ev.state = snapshot.Record.State
		return ev
	}
	ev.state, ev.err = e.cipher.Open(ctx, snapshot.Record.State)
	return ev
}

func (e *Engine) applyRemote(ev remoteSnapshotEvent) {
	if ev.snapshot.Exists {
		record := ev.snapshot.Record
		if e.isEcho(record) {
			e.logger.Debug().Int64("version", record.Version).Msg("ignoring own snapshot")
			e.subFailed = false
			e.markRemoteLoaded()
			return
		}
		if record.Version > e.remoteVersion {
			e.remoteVersion = record.Version
		}
		switch {
		case ev.err != nil:
			e.logger.Warn().Err(ev.err).Int64("version", record.Version).Msg("discarding undecodable remote snapshot")
		case len(ev.state) > 0:
			if err := e.doc.ApplyUpdate(ev.state, docdomain.OriginRemote); err != nil {
				e.logger.Warn().Err(err).Int64("version", record.Version).Msg("discarding undecodable remote snapshot")
			} else {
				_ = e.shadow.ApplyUpdate(ev.state, docdomain.OriginRemote)
			}
		}
	}
	if ev.err == nil {
		e.clearFailures()
	}
	e.markRemoteLoaded()
	e.reconcile()
}

func (e *Engine) isEcho(record domain.RemoteRecord) bool {
	if record.SessionID != e.sessionID || record.Version == 0 {
		return false
	}
	return record.Version == e.lastPushedVersion || record.Version == e.inflightVersion
}

func (e *Engine) markRemoteLoaded() {
	if e.remoteLoaded {
		return
	}
	e.remoteLoaded = true
	if e.loadTimer != nil {
		e.loadTimer.Stop()
		e.loadTimer = nil
	}
	e.logger.Info().Int64("version", e.remoteVersion).Msg("remote state loaded")
	e.checkReady()
}

func (e *Engine) checkReady() {
	if e.ready || !e.localLoaded || !e.remoteLoaded {
		return
	}
	e.ready = true
	close(e.readyCh)
	e.logger.Info().Msg("sync engine ready")
	e.reconcile()
}

// reconcile compares the document with the shadow copy of what the remote
// replica is known to hold and schedules a push when they differ.
func (e *Engine) reconcile() {
	if !e.ready || e.anonymous() || e.pushing {
		return
	}
	current, err := e.doc.EncodeState()
	if err != nil {
		e.logger.Warn().Err(err).Msg("encoding document failed")
		return
	}
	baseline, err := e.shadow.EncodeState()
	if err != nil {
		e.logger.Warn().Err(err).Msg("encoding shadow failed")
		return
	}
	if bytes.Equal(current, baseline) {
		e.dirty = false
		e.scheduler.cancel()
		return
	}
	e.dirty = true
	if !e.scheduler.pending() {
		e.schedulePush()
	}
}

func (e *Engine) schedulePush() {
	wait := e.scheduler.schedule(e.lastPushAt, e.firePush)
	e.logger.Debug().Dur("in", wait).Msg("push scheduled")
}

func (e *Engine) firePush(token uint64) {
	e.send(pushTimerEvent{token: token})
}

func (e *Engine) tryPush() {
	switch {
	case e.pushing, !e.ready, e.anonymous(), !e.dirty:
		return
	case !e.online:
		e.logger.Debug().Msg("push skipped while offline")
		return
	}
	// a timer armed before the last push finished may predate the floor
	if e.scheduler.delay(0, e.lastPushAt) > 0 {
		e.scheduler.scheduleAfter(0, e.lastPushAt, e.firePush)
		return
	}
	state, err := e.doc.EncodeState()
	if err != nil {
		e.logger.Warn().Err(err).Msg("encoding document failed")
		e.pushFailed = true
		return
	}
	if len(state) == 0 {
		e.dirty = false
		return
	}
	expected := max(e.localVersion, e.remoteVersion)
	record := domain.RemoteRecord{
		RoomID:    e.cfg.RoomID,
		UserID:    e.cfg.UserID,
		SessionID: e.sessionID,
		Version:   expected + 1,
	}
	e.pushing = true
	e.inflightVersion = record.Version
	e.workers.Add(1)
	go e.runPush(record, state, expected)
}

func (e *Engine) runPush(record domain.RemoteRecord, state []byte, expected int64) {
	defer e.workers.Done()
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.PushTimeout)
	defer cancel()

	result := pushResultEvent{version: record.Version, state: state}
	payload := state
	var err error
	if e.cipher != nil {
		payload, err = e.cipher.Seal(ctx, state)
	}
	if err == nil && len(payload) > e.cfg.MaxSnapshotBytes {
		err = fmt.Errorf("%w: %d bytes, limit %d", domain.ErrSnapshotTooLarge, len(payload), e.cfg.MaxSnapshotBytes)
	}
	if err == nil {
		record.State = payload
		record.UpdatedAt = e.clock.Now()
		err = e.remote.Write(ctx, record, expected)
	}
	result.err = err
	if errors.Is(err, domain.ErrVersionConflict) {
		fetched, found, fetchErr := e.remote.Fetch(ctx, e.cfg.UserID, e.cfg.RoomID)
		if fetchErr == nil {
			ev := e.openSnapshot(ctx, domain.Snapshot{Record: fetched, Exists: found})
			result.fetched = &ev
		} else {
			e.logger.Warn().Err(fetchErr).Msg("fetching newer remote record failed")
		}
	}
	e.send(result)
}

func (e *Engine) onPushResult(ev pushResultEvent) {
	e.pushing = false
	e.inflightVersion = 0
	switch {
	case ev.err == nil:
		e.localVersion = ev.version
		e.lastPushedVersion = ev.version
		if ev.version > e.remoteVersion {
			e.remoteVersion = ev.version
		}
		e.lastPushAt = e.clock.Now()
		e.clearFailures()
		if err := e.shadow.ApplyUpdate(ev.state, docdomain.OriginRemote); err != nil {
			e.logger.Warn().Err(err).Msg("updating shadow failed")
		}
		e.logger.Debug().Int64("version", ev.version).Int("bytes", len(ev.state)).Msg("pushed snapshot")
		e.reconcile()
	case errors.Is(ev.err, domain.ErrVersionConflict):
		e.logger.Info().Int64("attempted", ev.version).Msg("remote moved ahead; merging before retry")
		if ev.fetched == nil {
			e.pushFailed = true
			e.schedulePush()
			return
		}
		e.applyRemote(*ev.fetched)
		if e.dirty && !e.scheduler.pending() {
			e.schedulePush()
		}
	case errors.Is(ev.err, domain.ErrSnapshotTooLarge):
		// retrying cannot help; the next local change tries again
		e.logger.Error().Err(ev.err).Int64("attempted", ev.version).Msg("snapshot too large to push")
		e.pushFailed = true
	default:
		e.logger.Warn().Err(ev.err).Int64("attempted", ev.version).Msg("push failed")
		e.pushFailed = true
		e.schedulePush()
	}
}

func (e *Engine) clearFailures() {
	e.pushFailed = false
	e.subFailed = false
}

func (e *Engine) onNetwork(online bool) {
	if online == e.online {
		return
	}
	e.online = online
	if !online {
		e.logger.Info().Msg("network offline")
		return
	}
	e.logger.Info().Msg("network online")
	e.clearFailures()
	if e.ready && e.dirty && !e.pushing {
		e.schedulePush()
	}
}

func (e *Engine) onFlush(reply chan error) {
	if e.anonymous() || !e.online {
		reply <- domain.ErrOffline
		return
	}
	e.clearFailures()
	e.reconcile()
	if !e.dirty && !e.pushing {
		reply <- nil
		return
	}
	e.flushWaiters = append(e.flushWaiters, reply)
	if e.pushing {
		return
	}
	if e.scheduler.delay(0, e.lastPushAt) == 0 {
		e.scheduler.cancel()
		e.tryPush()
		return
	}
	e.scheduler.scheduleAfter(0, e.lastPushAt, e.firePush)
}

func (e *Engine) derivedStatus() domain.StatusSnapshot {
	snapshot := domain.StatusSnapshot{}
	switch {
	case !e.ready:
		snapshot.Status = domain.StatusDisconnected
	case e.anonymous(), !e.online, e.pushFailed, e.subFailed:
		snapshot.Status = domain.StatusOffline
	case e.dirty || e.pushing:
		snapshot.Status = domain.StatusSyncing
	default:
		snapshot.Status = domain.StatusSynced
	}
	if e.ready && (e.dirty || e.pushing) {
		snapshot.PendingCount = 1
	}
	return snapshot
}

func (e *Engine) refreshStatus() {
	next := e.derivedStatus()
	e.statusMu.Lock()
	changed := next != e.status
	e.status = next
	e.statusMu.Unlock()

	e.settleFlushes(next)
	if changed {
		e.notify(next)
	}
}

func (e *Engine) settleFlushes(snapshot domain.StatusSnapshot) {
	if len(e.flushWaiters) == 0 {
		return
	}
	var err error
	switch {
	case snapshot.Status == domain.StatusOffline:
		err = domain.ErrOffline
	case snapshot.PendingCount == 0:
	default:
		return
	}
	for _, waiter := range e.flushWaiters {
		waiter <- err
	}
	e.flushWaiters = nil
}

func (e *Engine) notify(snapshot domain.StatusSnapshot) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.statusMu.Lock()
	keys := make([]int, 0, len(e.subscribers))
	for key := range e.subscribers {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	fns := make([]func(domain.StatusSnapshot), 0, len(keys))
	for _, key := range keys {
		fns = append(fns, e.subscribers[key])
	}
	e.statusMu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}

func (e *Engine) runSaver(handle syncout.LocalHandle) {
	defer close(e.saverDone)
	for {
		select {
		case <-e.saveSignal:
			e.saveLocal(handle, false)
		case <-e.saverStop:
			return
		}
	}
}

func (e *Engine) saveLocal(handle syncout.LocalHandle, forceBackup bool) {
	state, err := e.doc.EncodeState()
	if err != nil {
		e.logger.Warn().Err(err).Msg("encoding document for local save failed")
		return
	}
	if len(state) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), localSaveTimeout)
	defer cancel()
	if err := handle.Save(ctx, state); err != nil {
		e.logger.Warn().Err(err).Msg("local save failed")
		return
	}
	e.backupLocal(ctx, handle, state, forceBackup)
}

// backupLocal runs on the saver goroutine, or after it has stopped.
func (e *Engine) backupLocal(ctx context.Context, handle syncout.LocalHandle, state []byte, force bool) {
	writer, ok := handle.(syncout.BackupWriter)
	if !ok {
		return
	}
	now := e.clock.Now()
	if !force && !e.lastBackupAt.IsZero() && now.Sub(e.lastBackupAt) < e.cfg.BackupInterval {
		return
	}
	if err := writer.Backup(ctx, now, state, now.Add(-e.cfg.BackupRetention)); err != nil {
		e.logger.Warn().Err(err).Msg("local backup failed")
		return
	}
	e.lastBackupAt = now
	e.logger.Debug().Int("bytes", len(state)).Msg("local backup written")
}

func (e *Engine) runWatcher(changes <-chan struct{}) {
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
			e.send(localChangedEvent{})
		case <-e.watchStop:
			return
		}
	}
}

func (e *Engine) shutdown() {
	e.cancel()
	e.scheduler.cancel()
	if e.loadTimer != nil {
		e.loadTimer.Stop()
		e.loadTimer = nil
	}
	if e.remoteCancel != nil {
		e.remoteCancel()
	}
	if e.networkStop != nil {
		e.networkStop()
	}
	if e.observerStop != nil {
		e.observerStop()
	}
	e.workers.Wait()

	// a load that finished after stop was requested still owns its handle
drain:
	for {
		select {
		case ev := <-e.events:
			if loaded, ok := ev.(localLoadedEvent); ok && loaded.handle != nil {
				_ = loaded.handle.Close()
			}
		default:
			break drain
		}
	}

	if e.watchStop != nil {
		close(e.watchStop)
	}
	if e.saverStop != nil {
		close(e.saverStop)
		<-e.saverDone
	}
	if e.handle != nil {
		if e.localLoaded {
			e.saveLocal(e.handle, true)
		}
		if err := e.handle.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("closing local store failed")
		}
		e.handle = nil
	}
	for _, waiter := range e.flushWaiters {
		waiter <- domain.ErrEngineClosed
	}
	e.flushWaiters = nil

	e.statusMu.Lock()
	e.subscribers = nil
	e.statusMu.Unlock()
	e.logger.Info().Msg("sync engine destroyed")
}

func (e *Engine) anonymous() bool {
	return e.cfg.UserID == ""
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

func (alwaysOnline) Watch(func(bool)) func() { return func() {} }

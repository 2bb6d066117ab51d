package service

import (
	"time"

	"flowsync/internal/platform/clock"
)

// pushScheduler owns the single pending push timer. Only the loop goroutine
// touches it; fired timers carry a token so superseded fires can be ignored.
type pushScheduler struct {
	clock       clock.Clock
	debounce    time.Duration
	minInterval time.Duration

	timer clock.Timer
	token uint64
}

func newPushScheduler(clk clock.Clock, debounce, minInterval time.Duration) *pushScheduler {
	return &pushScheduler{clock: clk, debounce: debounce, minInterval: minInterval}
}

// delay extends base so a push never lands within minInterval of lastPush.
func (s *pushScheduler) delay(base time.Duration, lastPush time.Time) time.Duration {
	wait := base
	if !lastPush.IsZero() {
		floor := lastPush.Add(s.minInterval).Sub(s.clock.Now())
		if floor > wait {
			wait = floor
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// schedule replaces any pending timer with a debounced one.
func (s *pushScheduler) schedule(lastPush time.Time, fire func(token uint64)) time.Duration {
	return s.scheduleAfter(s.debounce, lastPush, fire)
}

func (s *pushScheduler) scheduleAfter(base time.Duration, lastPush time.Time, fire func(token uint64)) time.Duration {
	s.cancel()
	wait := s.delay(base, lastPush)
	s.token++
	token := s.token
	s.timer = s.clock.AfterFunc(wait, func() { fire(token) })
	return wait
}

// current reports whether token belongs to the latest scheduled timer.
func (s *pushScheduler) current(token uint64) bool {
	return s.timer != nil && token == s.token
}

func (s *pushScheduler) fired() {
	s.timer = nil
}

func (s *pushScheduler) pending() bool {
	return s.timer != nil
}

func (s *pushScheduler) cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

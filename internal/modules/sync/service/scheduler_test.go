package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowsync/internal/platform/clock"
)

func TestSchedulerDelayHonoursFloor(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(testEpoch)
	s := newPushScheduler(clk, time.Second, 5*time.Second)

	require.Equal(t, time.Second, s.delay(time.Second, time.Time{}), "no previous push")
	require.Equal(t, 5*time.Second, s.delay(time.Second, clk.Now()))

	clk.Advance(3 * time.Second)
	require.Equal(t, 2*time.Second, s.delay(time.Second, testEpoch))
	clk.Advance(10 * time.Second)
	require.Equal(t, time.Duration(0), s.delay(0, testEpoch))
}

func TestSchedulerReplacesPendingTimer(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(testEpoch)
	s := newPushScheduler(clk, time.Second, 0)
	fired := []uint64{}
	fire := func(token uint64) {
		if s.current(token) {
			s.fired()
			fired = append(fired, token)
		}
	}

	s.schedule(time.Time{}, fire)
	clk.Advance(500 * time.Millisecond)
	s.schedule(time.Time{}, fire)
	require.True(t, s.pending())
	require.Equal(t, 1, clk.Pending())

	clk.Advance(600 * time.Millisecond)
	require.Empty(t, fired, "first timer was superseded")
	clk.Advance(400 * time.Millisecond)
	require.Equal(t, []uint64{2}, fired)
	require.False(t, s.pending())

	s.schedule(time.Time{}, fire)
	s.cancel()
	clk.Advance(time.Hour)
	require.Equal(t, []uint64{2}, fired)
	require.Equal(t, 0, clk.Pending())
}

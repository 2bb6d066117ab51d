package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewManual(start)
	var fired []string
	var seenAt []time.Time
	clk.AfterFunc(3*time.Second, func() { fired = append(fired, "c"); seenAt = append(seenAt, clk.Now()) })
	clk.AfterFunc(time.Second, func() { fired = append(fired, "a"); seenAt = append(seenAt, clk.Now()) })
	stopped := clk.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	if !stopped.Stop() {
		t.Fatalf("expected stop to report a pending timer")
	}
	if stopped.Stop() {
		t.Fatalf("expected second stop to report false")
	}

	clk.Advance(5 * time.Second)

	if len(fired) != 2 || fired[0] != "a" || fired[1] != "c" {
		t.Fatalf("unexpected fire order: %v", fired)
	}
	if !seenAt[0].Equal(start.Add(time.Second)) || !seenAt[1].Equal(start.Add(3*time.Second)) {
		t.Fatalf("timers observed wrong time: %v", seenAt)
	}
	if got := clk.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("expected clock at +5s, got %v", got)
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clk.Pending())
	}
}

func TestManualTimerScheduledDuringAdvance(t *testing.T) {
	t.Parallel()
	clk := NewManual(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			clk.AfterFunc(time.Second, tick)
		}
	}
	clk.AfterFunc(time.Second, tick)
	clk.Advance(10 * time.Second)
	if count != 3 {
		t.Fatalf("expected chained timers to fire 3 times, got %d", count)
	}
}

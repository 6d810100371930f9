package types

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubClock hands out timers that have already fired
type stubClock struct {
	requested []time.Duration
	stopped   int
}

func (c *stubClock) Now() time.Time                  { return time.Unix(0, 0) }
func (c *stubClock) Since(t time.Time) time.Duration { return 0 }

func (c *stubClock) NewTimer(d time.Duration) Timer {
	c.requested = append(c.requested, d)
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return &stubTimer{c: ch, clock: c}
}

type stubTimer struct {
	c     chan time.Time
	clock *stubClock
}

func (t *stubTimer) C() <-chan time.Time { return t.c }

func (t *stubTimer) Stop() bool {
	t.clock.stopped++
	return false
}

func (t *stubTimer) Reset(d time.Duration) bool { return false }

func TestSleep_WaitsOnClockTimer(t *testing.T) {
	clock := &stubClock{}
	if err := Sleep(context.Background(), clock, 2*time.Second); err != nil {
		t.Fatalf("Sleep() = %v, want nil", err)
	}
	if len(clock.requested) != 1 || clock.requested[0] != 2*time.Second {
		t.Errorf("requested timers = %v, want [2s]", clock.requested)
	}
	if clock.stopped != 1 {
		t.Errorf("timer stopped %d times, want 1", clock.stopped)
	}
}

func TestSleep_NonPositiveDuration(t *testing.T) {
	clock := &stubClock{}
	if err := Sleep(context.Background(), clock, 0); err != nil {
		t.Fatalf("Sleep(0) = %v, want nil", err)
	}
	if len(clock.requested) != 0 {
		t.Errorf("no timer expected for a zero wait, got %v", clock.requested)
	}
}

func TestSleep_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, NewRealClock(), time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() = %v, want context.Canceled", err)
	}
}

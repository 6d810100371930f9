package testutils

import (
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/jzx17/goresilience/pkg/types"
)

// NewMockClock creates a mock clock for testing
func NewMockClock(t testing.TB) *quartz.Mock {
	return quartz.NewMock(t)
}

// ClockWrapper wraps quartz.Mock to implement our Clock interface
type ClockWrapper struct {
	*quartz.Mock
	autoAdvance bool
}

var _ types.Clock = (*ClockWrapper)(nil)

// NewClockWrapper creates a new ClockWrapper whose timers fire only when the
// test advances the mock.
func NewClockWrapper(mock *quartz.Mock) *ClockWrapper {
	return &ClockWrapper{Mock: mock}
}

// NewAutoClock creates a ClockWrapper that advances the mock by d whenever
// After(d) is called, so waits complete instantly while elapsed time is still
// observable through Now and Since.
func NewAutoClock(t testing.TB) *ClockWrapper {
	return &ClockWrapper{Mock: quartz.NewMock(t), autoAdvance: true}
}

// After returns a channel that delivers the current time after the duration
func (c *ClockWrapper) After(d time.Duration) <-chan time.Time {
	if c.autoAdvance {
		if d > 0 {
			c.Mock.Advance(d)
		}
		ch := make(chan time.Time, 1)
		ch <- c.Mock.Now()
		return ch
	}
	timer := c.Mock.NewTimer(d)
	return timer.C
}

// Now returns the current time
func (c *ClockWrapper) Now() time.Time {
	return c.Mock.Now()
}

// Since returns the time elapsed since t
func (c *ClockWrapper) Since(t time.Time) time.Duration {
	return c.Mock.Since(t)
}

// NewTimer creates a new Timer. On an auto clock the mock is advanced by d
// and the returned timer has already fired.
func (c *ClockWrapper) NewTimer(d time.Duration) types.Timer {
	if c.autoAdvance {
		return &firedTimer{c: c.After(d)}
	}
	timer := c.Mock.NewTimer(d)
	return &TimerWrapper{timer: timer}
}

// Step moves the mock forward by d. It is meant for auto clocks where no mock
// timers are pending.
func (c *ClockWrapper) Step(d time.Duration) {
	if d > 0 {
		c.Mock.Advance(d)
	}
}

// TimerWrapper wraps quartz timer
type TimerWrapper struct {
	timer *quartz.Timer
}

func (t *TimerWrapper) C() <-chan time.Time {
	return t.timer.C
}

func (t *TimerWrapper) Stop() bool {
	return t.timer.Stop()
}

func (t *TimerWrapper) Reset(d time.Duration) bool {
	return t.timer.Reset(d)
}

// firedTimer is a timer whose channel already holds its tick
type firedTimer struct {
	c <-chan time.Time
}

func (t *firedTimer) C() <-chan time.Time {
	return t.c
}

func (t *firedTimer) Stop() bool {
	return false
}

func (t *firedTimer) Reset(d time.Duration) bool {
	return false
}

package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/jzx17/goresilience/pkg/types"
)

// TotalTimeout bounds the wall-clock time of a whole retry sequence. The
// budget starts when the strategy is created or restarted.
//
// Delays are clamped to the remaining budget minus a safety margin, and no
// retry is allowed once the remaining budget is within that margin, so the
// sequence never waits past the deadline.
type TotalTimeout struct {
	inner Strategy
	total time.Duration
	opts  decoratorOptions

	mu    sync.RWMutex
	start time.Time
}

// NewTotalTimeout wraps inner in a total timeout
func NewTotalTimeout(inner Strategy, total time.Duration, opts ...DecoratorOption) (*TotalTimeout, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: total timeout requires an inner strategy", types.ErrInvalidStrategy)
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: total timeout must be positive, got %v", types.ErrInvalidStrategy, total)
	}
	t := &TotalTimeout{
		inner: inner,
		total: total,
		opts:  newDecoratorOptions(opts),
	}
	t.start = t.opts.clock.Now()
	return t, nil
}

// Inner returns the wrapped strategy
func (t *TotalTimeout) Inner() Strategy {
	return t.inner
}

// Restart starts a new budget from now
func (t *TotalTimeout) Restart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start = t.opts.clock.Now()
}

// Remaining returns the unused budget, never negative
func (t *TotalTimeout) Remaining() time.Duration {
	t.mu.RLock()
	start := t.start
	t.mu.RUnlock()
	return max(t.total-t.opts.clock.Since(start), 0)
}

// ShouldRetry implements Strategy
func (t *TotalTimeout) ShouldRetry(attempt, maxAttempts int, lastErr error) bool {
	if t.Remaining() <= t.opts.safetyMargin {
		return false
	}
	return t.inner.ShouldRetry(attempt, maxAttempts, lastErr)
}

// Delay implements Strategy
func (t *TotalTimeout) Delay(attempt int) time.Duration {
	budget := t.Remaining() - t.opts.safetyMargin
	if budget <= 0 {
		return 0
	}
	return min(t.inner.Delay(attempt), budget)
}

// OnSuccess implements SuccessObserver
func (t *TotalTimeout) OnSuccess(attempt int) {
	NotifySuccess(t.inner, attempt)
}

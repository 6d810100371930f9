// Package strategy provides retry strategies: the backoff family that computes
// inter-attempt delays, and decorators that wrap another strategy to veto,
// force or reshape its decisions.
//
// Every strategy answers two questions. Delay reports how long to wait before
// the attempt following attempt n (attempts are 0-indexed). ShouldRetry reports
// whether another attempt may follow attempt n given the maximum number of
// retries and the error that attempt returned.
//
// Decorators own exactly one inner strategy. The circuit breaker and the rate
// limiter share their state with other executors through a store.Store keyed by
// an explicit identifier; all other strategies keep no shared state.
//
// Basic usage:
//
//	s := strategy.NewExponential(100*time.Millisecond, strategy.WithMaxDelay(5*time.Second))
//	tt, err := strategy.NewTotalTimeout(s, 30*time.Second)
//	if err != nil {
//		return err
//	}
//	executor := retry.NewExecutor(tt)
//
// Strategies can also be built by name from configuration:
//
//	s, err := strategy.New("fibonacci", map[string]any{"base_delay": "200ms"})
package strategy

import (
	"math"
	"time"
)

// Strategy decides whether and when a failed operation is attempted again.
type Strategy interface {
	// Delay returns the wait before the attempt that follows attempt
	Delay(attempt int) time.Duration

	// ShouldRetry reports whether another attempt may follow attempt. lastErr
	// is the error attempt returned; nil means attempt succeeded.
	ShouldRetry(attempt, maxAttempts int, lastErr error) bool
}

// SuccessObserver is implemented by strategies that track successful
// attempts. Decorators forward the notification to their inner strategy.
type SuccessObserver interface {
	OnSuccess(attempt int)
}

// NotifySuccess reports a successful attempt to s if it observes successes.
func NotifySuccess(s Strategy, attempt int) {
	if o, ok := s.(SuccessObserver); ok {
		o.OnSuccess(attempt)
	}
}

// Unwrap returns the inner strategy of a decorator, or nil.
func Unwrap(s Strategy) Strategy {
	if d, ok := s.(interface{ Inner() Strategy }); ok {
		return d.Inner()
	}
	return nil
}

// allowed is the base retry contract shared by every strategy.
func allowed(attempt, maxAttempts int) bool {
	return attempt < maxAttempts
}

// scale multiplies d by f, saturating at the largest representable duration
// and clamping negative results to zero.
func scale(d time.Duration, f float64) time.Duration {
	v := float64(d) * f
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= float64(math.MaxInt64):
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(v)
}

// capDelay clamps d into [0, maxDelay]. A non-positive maxDelay means no cap.
func capDelay(d, maxDelay time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

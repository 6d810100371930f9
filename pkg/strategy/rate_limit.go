package strategy

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jzx17/goresilience/pkg/store"
	"github.com/jzx17/goresilience/pkg/types"
)

const rateLimitKeyPrefix = "rate_limiter:"

// RateLimit caps how many retries all sharers of a key may perform within a
// fixed time window. Windows are aligned to the clock, each with its own
// counter in the store that expires with the window.
//
// Once the usage of the current window passes the penalty threshold, Delay
// adds a fraction of the window on top of the inner delay to spread the
// remaining budget out.
type RateLimit struct {
	inner       Strategy
	maxAttempts int64
	window      time.Duration
	key         string
	store       store.Store
	opts        decoratorOptions
}

// NewRateLimit wraps inner in a rate limiter
func NewRateLimit(inner Strategy, maxAttempts int, window time.Duration, key string, s store.Store, opts ...DecoratorOption) (*RateLimit, error) {
	switch {
	case inner == nil:
		return nil, fmt.Errorf("%w: rate limit requires an inner strategy", types.ErrInvalidStrategy)
	case s == nil:
		return nil, fmt.Errorf("%w: rate limit requires a store", types.ErrInvalidStrategy)
	case key == "":
		return nil, fmt.Errorf("%w: rate limit requires a key", types.ErrInvalidStrategy)
	case maxAttempts <= 0:
		return nil, fmt.Errorf("%w: rate limit max attempts must be positive, got %d", types.ErrInvalidStrategy, maxAttempts)
	case window <= 0:
		return nil, fmt.Errorf("%w: rate limit window must be positive, got %v", types.ErrInvalidStrategy, window)
	}
	return &RateLimit{
		inner:       inner,
		maxAttempts: int64(maxAttempts),
		window:      window,
		key:         key,
		store:       s,
		opts:        newDecoratorOptions(opts),
	}, nil
}

// Inner returns the wrapped strategy
func (r *RateLimit) Inner() Strategy {
	return r.inner
}

// ShouldRetry implements Strategy. Every call claims a slot of the current
// window with a single increment and is denied when the claimed slot lies
// past the limit, so sharers racing on one key never exceed it. Denied calls
// leave the counter above the limit until the window expires.
func (r *RateLimit) ShouldRetry(attempt, maxAttempts int, lastErr error) bool {
	ctx, cancel := r.opts.storeContext()
	defer cancel()

	key := r.windowKey()
	slot, err := store.Increment(ctx, r.store, key, r.window)
	if err != nil {
		if !r.opts.onStoreError("rate_limit", key, err) {
			return false
		}
		return r.inner.ShouldRetry(attempt, maxAttempts, lastErr)
	}
	if slot > r.maxAttempts {
		return false
	}
	return r.inner.ShouldRetry(attempt, maxAttempts, lastErr)
}

// Delay implements Strategy
func (r *RateLimit) Delay(attempt int) time.Duration {
	delay := r.inner.Delay(attempt)

	ctx, cancel := r.opts.storeContext()
	defer cancel()

	key := r.windowKey()
	used, _, err := store.GetInt(ctx, r.store, key)
	if err != nil {
		r.opts.onStoreError("rate_limit", key, err)
		return delay
	}
	if float64(used) > r.opts.penaltyThreshold*float64(r.maxAttempts) {
		delay += scale(r.window, r.opts.penaltyFraction)
	}
	return max(delay, 0)
}

// OnSuccess implements SuccessObserver
func (r *RateLimit) OnSuccess(attempt int) {
	NotifySuccess(r.inner, attempt)
}

// Used returns the number of retries granted in the current window
func (r *RateLimit) Used() (int64, error) {
	ctx, cancel := r.opts.storeContext()
	defer cancel()
	n, _, err := store.GetInt(ctx, r.store, r.windowKey())
	return min(n, r.maxAttempts), err
}

func (r *RateLimit) windowKey() string {
	index := r.opts.clock.Now().UnixNano() / int64(r.window)
	return rateLimitKeyPrefix + r.key + ":" + strconv.FormatInt(index, 10)
}

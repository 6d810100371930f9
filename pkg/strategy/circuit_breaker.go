package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jzx17/goresilience/pkg/store"
	"github.com/jzx17/goresilience/pkg/types"
)

const circuitKeyPrefix = "circuit_breaker:"

// CircuitBreaker stops retrying a failing dependency for a cooldown period.
//
// Its state lives in a store.Store under three keys derived from the breaker
// key, so every breaker built with the same key and store shares one circuit.
// On each ShouldRetry the breaker first applies the outcome of the previous
// attempt, then moves an expired open circuit to half-open, and finally
// denies the retry while the circuit is open. In the closed state a failure
// increments the shared counter and opens the circuit once the counter
// exceeds the threshold. In the half-open state a single trial attempt is
// allowed: a failure reopens the circuit, a success closes it.
//
// Transitions other than the counter increment are read-modify-write cycles
// on the store; concurrent breakers in other processes may interleave them.
type CircuitBreaker struct {
	inner        Strategy
	threshold    int64
	resetTimeout time.Duration
	key          string
	store        store.Store
	opts         decoratorOptions

	mu sync.Mutex
}

// NewCircuitBreaker wraps inner in a circuit breaker
func NewCircuitBreaker(inner Strategy, failureThreshold int, resetTimeout time.Duration, key string, s store.Store, opts ...DecoratorOption) (*CircuitBreaker, error) {
	switch {
	case inner == nil:
		return nil, fmt.Errorf("%w: circuit breaker requires an inner strategy", types.ErrInvalidStrategy)
	case s == nil:
		return nil, fmt.Errorf("%w: circuit breaker requires a store", types.ErrInvalidStrategy)
	case key == "":
		return nil, fmt.Errorf("%w: circuit breaker requires a key", types.ErrInvalidStrategy)
	case failureThreshold < 0:
		return nil, fmt.Errorf("%w: negative failure threshold %d", types.ErrInvalidStrategy, failureThreshold)
	case resetTimeout < 0:
		return nil, fmt.Errorf("%w: negative reset timeout %v", types.ErrInvalidStrategy, resetTimeout)
	}
	return &CircuitBreaker{
		inner:        inner,
		threshold:    int64(failureThreshold),
		resetTimeout: resetTimeout,
		key:          key,
		store:        s,
		opts:         newDecoratorOptions(opts),
	}, nil
}

// Inner returns the wrapped strategy
func (cb *CircuitBreaker) Inner() Strategy {
	return cb.inner
}

// Key returns the identifier shared by breakers of the same circuit
func (cb *CircuitBreaker) Key() string {
	return cb.key
}

// Delay implements Strategy. The circuit state never changes the delay.
func (cb *CircuitBreaker) Delay(attempt int) time.Duration {
	return cb.inner.Delay(attempt)
}

// ShouldRetry implements Strategy
func (cb *CircuitBreaker) ShouldRetry(attempt, maxAttempts int, lastErr error) bool {
	ctx, cancel := cb.opts.storeContext()
	defer cancel()

	cb.mu.Lock()
	state, err := cb.advance(ctx, lastErr == nil)
	cb.mu.Unlock()

	if err != nil {
		if !cb.opts.onStoreError("circuit_breaker", cb.key, err) {
			return false
		}
		return cb.inner.ShouldRetry(attempt, maxAttempts, lastErr)
	}
	if state == types.CircuitOpen {
		return false
	}
	return cb.inner.ShouldRetry(attempt, maxAttempts, lastErr)
}

// OnSuccess implements SuccessObserver. A success closes a half-open circuit
// and clears the failure count of a closed one.
func (cb *CircuitBreaker) OnSuccess(attempt int) {
	ctx, cancel := cb.opts.storeContext()
	defer cancel()

	cb.mu.Lock()
	_, err := cb.recordOutcome(ctx, true)
	cb.mu.Unlock()

	if err != nil {
		cb.opts.onStoreError("circuit_breaker", cb.key, err)
	}
	NotifySuccess(cb.inner, attempt)
}

// State returns the persisted state of the circuit. An open circuit whose
// cooldown has elapsed is still reported as open until the next ShouldRetry.
func (cb *CircuitBreaker) State() (types.CircuitState, error) {
	ctx, cancel := cb.opts.storeContext()
	defer cancel()
	return cb.loadState(ctx)
}

// FailureCount returns the persisted failure count
func (cb *CircuitBreaker) FailureCount() (int64, error) {
	ctx, cancel := cb.opts.storeContext()
	defer cancel()
	n, _, err := store.GetInt(ctx, cb.store, cb.failuresKey())
	return n, err
}

// OpenedAt returns when the circuit last opened, or the zero time
func (cb *CircuitBreaker) OpenedAt() (time.Time, error) {
	ctx, cancel := cb.opts.storeContext()
	defer cancel()
	return cb.loadOpenedAt(ctx)
}

// Reset deletes the persisted circuit, closing it for every sharer
func (cb *CircuitBreaker) Reset() error {
	ctx, cancel := cb.opts.storeContext()
	defer cancel()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	var errs []error
	for _, key := range []string{cb.stateKey(), cb.failuresKey(), cb.openedAtKey()} {
		if err := cb.store.Forget(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// advance runs the transitions preceding a retry decision and returns the
// resulting state.
func (cb *CircuitBreaker) advance(ctx context.Context, succeeded bool) (types.CircuitState, error) {
	state, err := cb.recordOutcome(ctx, succeeded)
	if err != nil {
		return state, err
	}
	if state != types.CircuitOpen {
		return state, nil
	}

	openedAt, err := cb.loadOpenedAt(ctx)
	if err != nil {
		return state, err
	}
	if cb.opts.clock.Since(openedAt) < cb.resetTimeout {
		return state, nil
	}
	return types.CircuitHalfOpen, cb.transitionTo(ctx, types.CircuitHalfOpen)
}

// recordOutcome applies the result of the previous attempt to the persisted
// state.
func (cb *CircuitBreaker) recordOutcome(ctx context.Context, succeeded bool) (types.CircuitState, error) {
	state, err := cb.loadState(ctx)
	if err != nil {
		return state, err
	}

	switch state {
	case types.CircuitHalfOpen:
		if succeeded {
			return types.CircuitClosed, cb.transitionTo(ctx, types.CircuitClosed)
		}
		return types.CircuitOpen, cb.transitionTo(ctx, types.CircuitOpen)

	case types.CircuitClosed:
		if succeeded {
			return state, store.PutInt(ctx, cb.store, cb.failuresKey(), 0, 0)
		}
		failures, err := store.Increment(ctx, cb.store, cb.failuresKey(), 0)
		if err != nil {
			return state, err
		}
		if failures > cb.threshold {
			return types.CircuitOpen, cb.openFrom(ctx)
		}
	}
	return state, nil
}

// transitionTo persists state and resets the bookkeeping that goes with it.
func (cb *CircuitBreaker) transitionTo(ctx context.Context, state types.CircuitState) error {
	switch state {
	case types.CircuitOpen:
		if err := store.PutInt(ctx, cb.store, cb.failuresKey(), 0, 0); err != nil {
			return err
		}
		return cb.openFrom(ctx)
	case types.CircuitHalfOpen, types.CircuitClosed:
		if err := store.PutInt(ctx, cb.store, cb.failuresKey(), 0, 0); err != nil {
			return err
		}
	}
	return cb.store.Put(ctx, cb.stateKey(), []byte(state.String()), 0)
}

// openFrom opens the circuit with a fresh opened-at time, keeping the
// failure count that tripped it.
func (cb *CircuitBreaker) openFrom(ctx context.Context) error {
	now := cb.opts.clock.Now()
	if err := store.PutInt(ctx, cb.store, cb.openedAtKey(), now.UnixNano(), 0); err != nil {
		return err
	}
	return cb.store.Put(ctx, cb.stateKey(), []byte(types.CircuitOpen.String()), 0)
}

func (cb *CircuitBreaker) loadState(ctx context.Context) (types.CircuitState, error) {
	raw, ok, err := cb.store.Get(ctx, cb.stateKey())
	if err != nil {
		return types.CircuitClosed, err
	}
	if !ok {
		return types.CircuitClosed, nil
	}
	return types.ParseCircuitState(string(raw)), nil
}

func (cb *CircuitBreaker) loadOpenedAt(ctx context.Context) (time.Time, error) {
	nanos, ok, err := store.GetInt(ctx, cb.store, cb.openedAtKey())
	if err != nil || !ok {
		return time.Time{}, err
	}
	return time.Unix(0, nanos), nil
}

func (cb *CircuitBreaker) stateKey() string {
	return circuitKeyPrefix + cb.key + ":state"
}

func (cb *CircuitBreaker) failuresKey() string {
	return circuitKeyPrefix + cb.key + ":failures"
}

func (cb *CircuitBreaker) openedAtKey() string {
	return circuitKeyPrefix + cb.key + ":opened_at"
}

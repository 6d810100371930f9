package strategy

import (
	"fmt"
	"maps"
	"time"

	"github.com/jzx17/goresilience/pkg/types"
)

// Options is the bag of caller-defined values passed to custom functions.
// Every call receives its own copy.
type Options map[string]any

// ShouldRetryFunc decides whether to retry. See Strategy.ShouldRetry.
type ShouldRetryFunc func(attempt, maxAttempts int, lastErr error, opts Options) bool

// DelayFunc computes a delay. See Strategy.Delay.
type DelayFunc func(attempt int, opts Options) time.Duration

// CustomOption configures a CustomOptions strategy
type CustomOption func(*CustomOptions)

// WithShouldRetryFunc overrides the retry decision
func WithShouldRetryFunc(fn ShouldRetryFunc) CustomOption {
	return func(c *CustomOptions) {
		c.shouldRetry = fn
	}
}

// WithDelayFunc overrides the delay
func WithDelayFunc(fn DelayFunc) CustomOption {
	return func(c *CustomOptions) {
		c.delay = fn
	}
}

// CustomOptions replaces the decision or the delay of its inner strategy with
// caller functions. Whatever is not overridden is delegated.
type CustomOptions struct {
	inner       Strategy
	options     Options
	shouldRetry ShouldRetryFunc
	delay       DelayFunc
}

// NewCustomOptions wraps inner with caller functions and an options bag
func NewCustomOptions(inner Strategy, options Options, opts ...CustomOption) (*CustomOptions, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: custom options requires an inner strategy", types.ErrInvalidStrategy)
	}
	c := &CustomOptions{inner: inner, options: maps.Clone(options)}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Inner returns the wrapped strategy
func (c *CustomOptions) Inner() Strategy {
	return c.inner
}

// Options returns a copy of the options bag
func (c *CustomOptions) Options() Options {
	return c.copyOptions()
}

// Delay implements Strategy
func (c *CustomOptions) Delay(attempt int) time.Duration {
	if c.delay == nil {
		return c.inner.Delay(attempt)
	}
	return max(c.delay(attempt, c.copyOptions()), 0)
}

// ShouldRetry implements Strategy
func (c *CustomOptions) ShouldRetry(attempt, maxAttempts int, lastErr error) bool {
	if c.shouldRetry == nil {
		return c.inner.ShouldRetry(attempt, maxAttempts, lastErr)
	}
	return c.shouldRetry(attempt, maxAttempts, lastErr, c.copyOptions())
}

// OnSuccess implements SuccessObserver
func (c *CustomOptions) OnSuccess(attempt int) {
	NotifySuccess(c.inner, attempt)
}

func (c *CustomOptions) copyOptions() Options {
	out := make(Options, len(c.options))
	maps.Copy(out, c.options)
	return out
}

// Callback is a strategy defined entirely by functions. A nil shouldRetry
// falls back to attempt < maxAttempts and a nil delay to no wait.
type Callback struct {
	shouldRetry ShouldRetryFunc
	delay       DelayFunc
	options     Options
}

// NewCallback creates a function-defined strategy
func NewCallback(shouldRetry ShouldRetryFunc, delay DelayFunc, options Options) *Callback {
	return &Callback{shouldRetry: shouldRetry, delay: delay, options: maps.Clone(options)}
}

// Delay implements Strategy
func (c *Callback) Delay(attempt int) time.Duration {
	if c.delay == nil {
		return 0
	}
	return max(c.delay(attempt, c.copyOptions()), 0)
}

// ShouldRetry implements Strategy
func (c *Callback) ShouldRetry(attempt, maxAttempts int, lastErr error) bool {
	if c.shouldRetry == nil {
		return allowed(attempt, maxAttempts)
	}
	return c.shouldRetry(attempt, maxAttempts, lastErr, c.copyOptions())
}

func (c *Callback) copyOptions() Options {
	out := make(Options, len(c.options))
	maps.Copy(out, c.options)
	return out
}

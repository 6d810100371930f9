package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jzx17/goresilience/pkg/types"
)

const (
	defaultStoreTimeout     = time.Second
	defaultPenaltyThreshold = 0.8
	defaultPenaltyFraction  = 0.1
	defaultSafetyMargin     = 50 * time.Millisecond
)

// DecoratorOption configures a decorator strategy. Options that do not apply
// to a decorator are ignored by it.
type DecoratorOption func(*decoratorOptions)

type decoratorOptions struct {
	clock            types.Clock
	logger           *zap.Logger
	failClosed       bool
	storeTimeout     time.Duration
	penaltyThreshold float64
	penaltyFraction  float64
	safetyMargin     time.Duration
	checker          ContentChecker
}

func newDecoratorOptions(opts []DecoratorOption) decoratorOptions {
	o := decoratorOptions{
		clock:            types.NewRealClock(),
		logger:           zap.NewNop(),
		storeTimeout:     defaultStoreTimeout,
		penaltyThreshold: defaultPenaltyThreshold,
		penaltyFraction:  defaultPenaltyFraction,
		safetyMargin:     defaultSafetyMargin,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock sets the clock used to measure elapsed time and windows
func WithClock(clock types.Clock) DecoratorOption {
	return func(o *decoratorOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the logger that reports store failures
func WithLogger(logger *zap.Logger) DecoratorOption {
	return func(o *decoratorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithFailClosed makes store-backed decorators deny retries when the store
// cannot be reached. The default is to allow them and log a warning.
func WithFailClosed() DecoratorOption {
	return func(o *decoratorOptions) {
		o.failClosed = true
	}
}

// WithStoreTimeout bounds every store call (default 1s)
func WithStoreTimeout(d time.Duration) DecoratorOption {
	return func(o *decoratorOptions) {
		if d > 0 {
			o.storeTimeout = d
		}
	}
}

// WithPenaltyThreshold sets the window usage ratio above which the rate
// limiter adds a penalty delay (default 0.8)
func WithPenaltyThreshold(ratio float64) DecoratorOption {
	return func(o *decoratorOptions) {
		o.penaltyThreshold = ratio
	}
}

// WithPenaltyFraction sets the share of the window added as penalty delay
// (default 0.1)
func WithPenaltyFraction(fraction float64) DecoratorOption {
	return func(o *decoratorOptions) {
		o.penaltyFraction = fraction
	}
}

// WithSafetyMargin sets how much of the total timeout budget is kept back
// from delays (default 50ms)
func WithSafetyMargin(d time.Duration) DecoratorOption {
	return func(o *decoratorOptions) {
		o.safetyMargin = max(d, 0)
	}
}

// WithContentChecker sets a custom response body check for ResponseContent
func WithContentChecker(checker ContentChecker) DecoratorOption {
	return func(o *decoratorOptions) {
		o.checker = checker
	}
}

// storeContext returns a context bounding a single store call.
func (o *decoratorOptions) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.storeTimeout)
}

// onStoreError applies the fail-open/fail-closed policy. It reports whether
// the caller may proceed as if the store call had not been made.
func (o *decoratorOptions) onStoreError(component, key string, err error) bool {
	if o.failClosed {
		o.logger.Warn("state store unavailable, denying retry",
			zap.String("component", component),
			zap.String("key", key),
			zap.Error(err))
		return false
	}
	o.logger.Warn("state store unavailable, allowing retry",
		zap.String("component", component),
		zap.String("key", key),
		zap.Error(err))
	return true
}

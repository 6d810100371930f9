package retry

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jzx17/goresilience/pkg/classify"
	"github.com/jzx17/goresilience/pkg/strategy"
	"github.com/jzx17/goresilience/pkg/types"
)

// DefaultMaxRetries is the retry bound of an executor without WithMaxRetries
const DefaultMaxRetries = 3

// defaultOperation names runs started without WithName
const defaultOperation = "default"

// Operation is the unit of work run by an Executor
type Operation[T any] func(ctx context.Context) (T, error)

// Predicate overrides the retry decision. It receives the error of the
// failed attempt and a snapshot of the run.
type Predicate func(err error, snapshot Snapshot) bool

// Executor runs operations under a retry strategy. An Executor is safe for
// concurrent use; each run keeps its own RetryContext.
type Executor struct {
	strategy     strategy.Strategy
	maxRetries   int
	timeout      time.Duration
	totalTimeout time.Duration
	registry     *classify.Registry
	retryIf      Predicate
	retryUnless  Predicate
	progress     func(message string)
	eventHandler EventHandler
	clock        types.Clock
	logger       *zap.Logger
	stats        Stats
}

// Stats aggregates the runs of an Executor
type Stats struct {
	TotalAttempts   int64         // total attempt count
	TotalRetries    int64         // total retry count
	TotalSuccesses  int64         // total success count
	TotalFailures   int64         // total failure count
	AverageAttempts float64       // average attempt count per run
	LastRetryTime   time.Time     // last retry time
	TotalRetryDelay time.Duration // total retry delay time
	mu              sync.RWMutex
}

// NewExecutor creates an executor. A nil strategy uses strategy.Default.
func NewExecutor(s strategy.Strategy, opts ...ExecutorOption) *Executor {
	if s == nil {
		s = strategy.Default()
	}
	e := &Executor{
		strategy:     s,
		maxRetries:   DefaultMaxRetries,
		registry:     classify.Default(),
		eventHandler: nopEventHandler{},
		clock:        types.NewRealClock(),
		logger:       zap.NewNop(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Strategy returns the executor's strategy
func (e *Executor) Strategy() strategy.Strategy {
	return e.strategy
}

// MaxRetries returns the retry bound
func (e *Executor) MaxRetries() int {
	return e.maxRetries
}

// Run invokes op until it succeeds or the executor gives up, and returns
// the outcome. Attempts are 0-indexed and at most MaxRetries+1 are made.
//
// A failed attempt is retried when a RetryIf/RetryUnless predicate says so,
// or otherwise when the error is classified retryable and the strategy
// agrees. Cancelling ctx stops the run between attempts.
func Run[T any](ctx context.Context, e *Executor, op Operation[T], opts ...RunOption) *Result[T] {
	cfg := runConfig{name: defaultOperation}
	for _, opt := range opts {
		opt(&cfg)
	}

	rc := NewRetryContext(cfg.name, e.maxRetries, e.clock)
	for k, v := range cfg.metadata {
		rc.SetMetadata(k, v)
	}
	if op == nil {
		return fail[T](ctx, e, rc, 0, types.ErrNilOperation)
	}

	s := e.runStrategy()
	ctx = withRetryContext(ctx, rc)

	for attempt := 0; ; attempt++ {
		rc.begin(attempt)
		if err := ctx.Err(); err != nil {
			return fail[T](ctx, e, rc, attempt, err)
		}

		start := e.clock.Now()
		value, err := invoke(ctx, e, op)
		duration := e.clock.Since(start)
		e.updateStats(func(stats *Stats) {
			stats.TotalAttempts++
		})

		if err == nil {
			rc.recordSuccess(duration)
			strategy.NotifySuccess(s, attempt)
			e.eventHandler.OnSucceeded(ctx, SucceededEvent{
				Attempt:  attempt,
				Value:    value,
				Duration: duration,
				Snapshot: rc.Snapshot(),
			})
			e.updateStats(func(stats *Stats) {
				stats.TotalSuccesses++
				stats.updateAverageAttempts()
			})

			result := Success(value, rc.ExceptionHistory()...)
			result.operationID = rc.OperationID()
			return result
		}

		class := e.registry.Classify(err, cfg.rules)
		rc.recordFailure(AttemptRecord{
			Attempt:   attempt,
			Err:       err,
			Retryable: class.Retryable,
			Match:     class.Match,
			Duration:  duration,
		})
		e.logger.Debug("attempt failed",
			zap.String("operation", cfg.name),
			zap.Int("attempt", attempt),
			zap.Bool("retryable", class.Retryable),
			zap.Error(err))

		if !e.shouldRetry(s, attempt, err, class.Retryable, rc.Snapshot()) {
			return fail[T](ctx, e, rc, attempt+1, err)
		}

		delay := max(s.Delay(attempt), 0)
		if e.progress != nil {
			e.progress(fmt.Sprintf("Attempt %d failed: %s. Retrying in %s...", attempt+1, err, delay))
		}
		e.eventHandler.OnRetrying(ctx, RetryingEvent{
			Attempt:  attempt,
			Delay:    delay,
			Err:      err,
			Snapshot: rc.Snapshot(),
		})
		rc.recordDelay(delay)
		e.updateStats(func(stats *Stats) {
			stats.TotalRetries++
			stats.LastRetryTime = e.clock.Now()
			stats.TotalRetryDelay += delay
		})

		if err := types.Sleep(ctx, e.clock, delay); err != nil {
			return fail[T](ctx, e, rc, attempt+1, err)
		}
	}
}

// RunAsync runs op in a new goroutine. The channel receives the result and
// is then closed.
func RunAsync[T any](ctx context.Context, e *Executor, op Operation[T], opts ...RunOption) <-chan *Result[T] {
	resultChan := make(chan *Result[T], 1)

	go func() {
		defer close(resultChan)
		resultChan <- Run(ctx, e, op, opts...)
	}()

	return resultChan
}

// Do runs an operation without a value and returns its final error
func Do(ctx context.Context, e *Executor, op func(ctx context.Context) error, opts ...RunOption) error {
	if op == nil {
		return Run[struct{}](ctx, e, nil, opts...).Err()
	}
	return Run(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...).Err()
}

// runStrategy returns the strategy of a single run. The total timeout is
// armed per run so an executor can be reused.
func (e *Executor) runStrategy() strategy.Strategy {
	if e.totalTimeout <= 0 {
		return e.strategy
	}
	tt, err := strategy.NewTotalTimeout(e.strategy, e.totalTimeout, strategy.WithClock(e.clock))
	if err != nil {
		e.logger.Warn("total timeout ignored", zap.Error(err))
		return e.strategy
	}
	return tt
}

func (e *Executor) shouldRetry(s strategy.Strategy, attempt int, err error, retryable bool, snapshot Snapshot) bool {
	switch {
	case e.retryIf != nil:
		return attempt < e.maxRetries && e.retryIf(err, snapshot)
	case e.retryUnless != nil:
		return attempt < e.maxRetries && !e.retryUnless(err, snapshot)
	}
	return retryable && s.ShouldRetry(attempt, e.maxRetries, err)
}

// invoke runs one attempt, bounding it with the per-attempt timeout and
// turning a panic into a *types.PanicError.
func invoke[T any](ctx context.Context, e *Executor, op Operation[T]) (value T, err error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			var zero T
			value, err = zero, newPanicError(p, debug.Stack())
		}
	}()
	return op(ctx)
}

// fail ends a run with err after attempts invocations.
func fail[T any](ctx context.Context, e *Executor, rc *RetryContext, attempts int, err error) *Result[T] {
	history := rc.ExceptionHistory()
	e.eventHandler.OnFailed(ctx, FailedEvent{
		Attempt:  max(attempts-1, 0),
		Attempts: attempts,
		Err:      err,
		History:  history,
		Snapshot: rc.Snapshot(),
	})
	e.updateStats(func(stats *Stats) {
		stats.TotalFailures++
		stats.updateAverageAttempts()
	})

	result := Failure[T](&types.RetryError{
		OperationID: rc.OperationID(),
		Attempts:    attempts,
		Cause:       err,
	}, history...)
	result.attempts = attempts
	result.operationID = rc.OperationID()
	return result
}

func newPanicError(value any, stack []byte) error {
	return &types.PanicError{Value: value, Stack: stack}
}

// GetStats gets retry statistics
func (e *Executor) GetStats() Stats {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()
	return Stats{
		TotalAttempts:   e.stats.TotalAttempts,
		TotalRetries:    e.stats.TotalRetries,
		TotalSuccesses:  e.stats.TotalSuccesses,
		TotalFailures:   e.stats.TotalFailures,
		AverageAttempts: e.stats.AverageAttempts,
		LastRetryTime:   e.stats.LastRetryTime,
		TotalRetryDelay: e.stats.TotalRetryDelay,
		// don't copy mutex
	}
}

// ResetStats resets statistics
func (e *Executor) ResetStats() {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()

	// reset all fields but keep mutex
	e.stats.TotalAttempts = 0
	e.stats.TotalRetries = 0
	e.stats.TotalSuccesses = 0
	e.stats.TotalFailures = 0
	e.stats.AverageAttempts = 0
	e.stats.LastRetryTime = time.Time{}
	e.stats.TotalRetryDelay = 0
}

// updateStats updates statistics (thread-safe)
func (e *Executor) updateStats(fn func(*Stats)) {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	fn(&e.stats)
}

// updateAverageAttempts updates average attempt count
func (s *Stats) updateAverageAttempts() {
	totalOperations := s.TotalSuccesses + s.TotalFailures
	if totalOperations > 0 {
		s.AverageAttempts = float64(s.TotalAttempts) / float64(totalOperations)
	}
}

// ExecutorOption is a configuration option for Executor
type ExecutorOption func(*Executor)

// WithMaxRetries sets how many retries may follow the first attempt
func WithMaxRetries(n int) ExecutorOption {
	return func(e *Executor) {
		e.maxRetries = max(n, 0)
	}
}

// WithTimeout bounds each attempt through its context. The operation must
// honor ctx; the executor does not interrupt it.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithTotalTimeout bounds each run, delays included, by wrapping the
// strategy in a strategy.TotalTimeout armed at the start of the run.
func WithTotalTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.totalTimeout = d
	}
}

// WithRegistry sets the classifier registry (default classify.Default())
func WithRegistry(r *classify.Registry) ExecutorOption {
	return func(e *Executor) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithRetryIf retries exactly when fn returns true, ignoring classification
// and the strategy. The retry bound still applies.
func WithRetryIf(fn Predicate) ExecutorOption {
	return func(e *Executor) {
		e.retryIf = fn
	}
}

// WithRetryUnless retries unless fn returns true, ignoring classification
// and the strategy. The retry bound still applies.
func WithRetryUnless(fn Predicate) ExecutorOption {
	return func(e *Executor) {
		e.retryUnless = fn
	}
}

// WithProgress sets a callback receiving a human-readable message before
// each wait
func WithProgress(fn func(message string)) ExecutorOption {
	return func(e *Executor) {
		e.progress = fn
	}
}

// WithEventHandler sets the event handler
func WithEventHandler(handler EventHandler) ExecutorOption {
	return func(e *Executor) {
		if handler != nil {
			e.eventHandler = handler
		}
	}
}

// WithClock sets the clock for time operations
func WithClock(clock types.Clock) ExecutorOption {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the logger for debug output
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// RunOption configures a single run
type RunOption func(*runConfig)

type runConfig struct {
	name     string
	rules    classify.Rules
	metadata map[string]any
}

// WithName names the operation in events, logs and metrics
func WithName(name string) RunOption {
	return func(c *runConfig) {
		if name != "" {
			c.name = name
		}
	}
}

// WithExtraPatterns treats errors whose message matches one of patterns as
// retryable for this run only
func WithExtraPatterns(patterns ...*regexp.Regexp) RunOption {
	return func(c *runConfig) {
		c.rules.Patterns = append(c.rules.Patterns, patterns...)
	}
}

// WithExtraTypes treats errors of the given types as retryable for this run
// only. See classify.TypeOf.
func WithExtraTypes(errTypes ...reflect.Type) RunOption {
	return func(c *runConfig) {
		c.rules.Types = append(c.rules.Types, errTypes...)
	}
}

// WithExtraSentinels treats the given sentinel errors as retryable for this
// run only
func WithExtraSentinels(errs ...error) RunOption {
	return func(c *runConfig) {
		c.rules.Sentinels = append(c.rules.Sentinels, errs...)
	}
}

// WithMetadata attaches a value to the run's RetryContext
func WithMetadata(key string, value any) RunOption {
	return func(c *runConfig) {
		if c.metadata == nil {
			c.metadata = make(map[string]any)
		}
		c.metadata[key] = value
	}
}

package retry

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jzx17/goresilience/pkg/classify"
	"github.com/jzx17/goresilience/pkg/types"
)

// AttemptRecord describes a failed attempt. Records are immutable once
// appended to a RetryContext.
type AttemptRecord struct {
	// Attempt is the 0-indexed attempt number
	Attempt int
	// Err is the error the attempt returned
	Err error
	// Retryable reports whether the classifier considered Err transient
	Retryable bool
	// Match locates the classification match in Err's chain, nil if none
	Match *classify.Match
	// Delay is the wait that preceded this attempt
	Delay time.Duration
	// Duration is how long the attempt ran
	Duration time.Duration
}

// Metrics are timing figures derived from a run's attempts.
type Metrics struct {
	Attempts        int
	TotalDuration   time.Duration // sum of attempt durations, delays excluded
	AverageDuration time.Duration
	MinDuration     time.Duration
	MaxDuration     time.Duration
	TotalDelay      time.Duration // sum of waits between attempts
	TotalElapsed    time.Duration // TotalDuration + TotalDelay
}

// Snapshot is a point-in-time copy of a RetryContext. Mutating it never
// affects the context.
type Snapshot struct {
	OperationID       string
	Operation         string
	Attempt           int
	MaxRetries        int
	RemainingAttempts int
	StartTime         time.Time
	ExceptionHistory  []AttemptRecord
	Metadata          map[string]any
	Metrics           Metrics
}

// RetryContext tracks a single run: the attempt in progress, the failed
// attempts, timing and caller metadata. Accessors return copies.
type RetryContext struct {
	operationID string
	operation   string
	maxRetries  int
	startTime   time.Time

	mu           sync.RWMutex
	attempt      int
	records      []AttemptRecord
	durations    []time.Duration
	totalDelay   time.Duration
	pendingDelay time.Duration
	metadata     map[string]any
}

// NewRetryContext creates a context for a run of operation allowing
// maxRetries retries.
func NewRetryContext(operation string, maxRetries int, clock types.Clock) *RetryContext {
	if clock == nil {
		clock = types.NewRealClock()
	}
	return &RetryContext{
		operationID: uuid.NewString(),
		operation:   operation,
		maxRetries:  maxRetries,
		startTime:   clock.Now(),
		metadata:    make(map[string]any),
	}
}

// OperationID returns the unique id of the run
func (c *RetryContext) OperationID() string {
	return c.operationID
}

// Operation returns the operation name
func (c *RetryContext) Operation() string {
	return c.operation
}

// MaxRetries returns the retry bound of the run
func (c *RetryContext) MaxRetries() int {
	return c.maxRetries
}

// StartTime returns when the run started
func (c *RetryContext) StartTime() time.Time {
	return c.startTime
}

// Attempt returns the 0-indexed attempt in progress
func (c *RetryContext) Attempt() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempt
}

// SetMetadata stores a caller value on the run
func (c *RetryContext) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Metadata returns a copy of the caller values
func (c *RetryContext) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.metadata)
}

// ExceptionHistory returns a copy of the failed attempts, oldest first
func (c *RetryContext) ExceptionHistory() []AttemptRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.records)
}

// AttemptDurations returns a copy of every attempt duration, oldest first
func (c *RetryContext) AttemptDurations() []time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.durations)
}

// Metrics derives timing figures from the attempts recorded so far
func (c *RetryContext) Metrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metricsLocked()
}

// Snapshot returns a copy of the whole context
func (c *RetryContext) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		OperationID:       c.operationID,
		Operation:         c.operation,
		Attempt:           c.attempt,
		MaxRetries:        c.maxRetries,
		RemainingAttempts: max(c.maxRetries-c.attempt, 0),
		StartTime:         c.startTime,
		ExceptionHistory:  slices.Clone(c.records),
		Metadata:          maps.Clone(c.metadata),
		Metrics:           c.metricsLocked(),
	}
}

func (c *RetryContext) metricsLocked() Metrics {
	m := Metrics{Attempts: len(c.durations), TotalDelay: c.totalDelay}
	for i, d := range c.durations {
		m.TotalDuration += d
		if i == 0 || d < m.MinDuration {
			m.MinDuration = d
		}
		if d > m.MaxDuration {
			m.MaxDuration = d
		}
	}
	if m.Attempts > 0 {
		m.AverageDuration = m.TotalDuration / time.Duration(m.Attempts)
	}
	m.TotalElapsed = m.TotalDuration + m.TotalDelay
	return m
}

func (c *RetryContext) begin(attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt = attempt
}

func (c *RetryContext) recordSuccess(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.durations = append(c.durations, duration)
	c.pendingDelay = 0
}

func (c *RetryContext) recordFailure(rec AttemptRecord) AttemptRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec.Delay = c.pendingDelay
	c.pendingDelay = 0
	c.durations = append(c.durations, rec.Duration)
	c.records = append(c.records, rec)
	return rec
}

func (c *RetryContext) recordDelay(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalDelay += delay
	c.pendingDelay = delay
}

type retryContextKey struct{}

func withRetryContext(ctx context.Context, rc *RetryContext) context.Context {
	return context.WithValue(ctx, retryContextKey{}, rc)
}

// FromContext returns the RetryContext of the run an operation belongs to.
// Operations use it to attach metadata.
func FromContext(ctx context.Context) (*RetryContext, bool) {
	rc, ok := ctx.Value(retryContextKey{}).(*RetryContext)
	return rc, ok
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jzx17/goresilience/internal/testutils"
	"github.com/jzx17/goresilience/pkg/classify"
	"github.com/jzx17/goresilience/pkg/store"
	"github.com/jzx17/goresilience/pkg/strategy"
	"github.com/jzx17/goresilience/pkg/types"
)

var (
	errRetryable = errors.New("connection refused")
	errPermanent = errors.New("invalid input")
)

// wrappedError hides its cause's message.
type wrappedError struct {
	op    string
	cause error
}

func (e *wrappedError) Error() string { return e.op + " failed" }
func (e *wrappedError) Unwrap() error { return e.cause }

func newTestExecutor(t *testing.T, s strategy.Strategy, opts ...ExecutorOption) (*Executor, *testutils.ClockWrapper) {
	t.Helper()
	clock := testutils.NewAutoClock(t)
	return NewExecutor(s, append([]ExecutorOption{WithClock(clock)}, opts...)...), clock
}

func TestRun_Success(t *testing.T) {
	executor, _ := newTestExecutor(t, strategy.NewFixed(10*time.Millisecond))

	result := Run(context.Background(), executor, func(ctx context.Context) (string, error) {
		return "success", nil
	})

	value, err := result.Value()
	require.NoError(t, err)
	assert.Equal(t, "success", value)
	assert.Equal(t, 1, result.Attempts())
	assert.Empty(t, result.ExceptionHistory())
	assert.NotEmpty(t, result.OperationID())

	stats := executor.GetStats()
	assert.Equal(t, int64(1), stats.TotalAttempts)
	assert.Equal(t, int64(1), stats.TotalSuccesses)
	assert.Equal(t, int64(0), stats.TotalRetries)
}

func TestRun_TwoFailuresThenSuccess(t *testing.T) {
	executor, clock := newTestExecutor(t, strategy.NewFixed(100*time.Millisecond), WithMaxRetries(3))
	start := clock.Now()

	op, calls := testutils.Flaky(2, errRetryable, 42)
	result := Run(context.Background(), executor, Operation[int](op))

	value, err := result.Value()
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, result.Attempts())

	history := result.ExceptionHistory()
	require.Len(t, history, 2)
	assert.Equal(t, 0, history[0].Attempt)
	assert.Equal(t, time.Duration(0), history[0].Delay)
	assert.Equal(t, 1, history[1].Attempt)
	assert.Equal(t, 100*time.Millisecond, history[1].Delay)
	for _, rec := range history {
		assert.True(t, rec.Retryable)
		assert.ErrorIs(t, rec.Err, errRetryable)
	}

	assert.Equal(t, 200*time.Millisecond, clock.Since(start))

	stats := executor.GetStats()
	assert.Equal(t, int64(3), stats.TotalAttempts)
	assert.Equal(t, int64(2), stats.TotalRetries)
	assert.Equal(t, 200*time.Millisecond, stats.TotalRetryDelay)
	assert.Equal(t, float64(3), stats.AverageAttempts)
}

func TestRun_ExhaustsRetries(t *testing.T) {
	executor, _ := newTestExecutor(t, strategy.NewFixed(time.Millisecond), WithMaxRetries(3))

	op, calls := testutils.Failing[string](errRetryable)
	result := Run(context.Background(), executor, Operation[string](op))

	require.False(t, result.Succeeded())
	assert.Equal(t, int32(4), calls.Load(), "max retries plus the first attempt")
	assert.Equal(t, 4, result.Attempts())
	assert.Len(t, result.ExceptionHistory(), 4)

	err := result.Throw()
	assert.ErrorIs(t, err, errRetryable)
	var retryErr *types.RetryError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 4, retryErr.Attempts)
	assert.Equal(t, result.OperationID(), retryErr.OperationID)

	value, err := result.Value()
	assert.Empty(t, value)
	assert.Error(t, err)
	assert.Equal(t, int64(1), executor.GetStats().TotalFailures)
}

func TestRun_NonRetryableError(t *testing.T) {
	executor, _ := newTestExecutor(t, strategy.NewFixed(time.Millisecond))

	op, calls := testutils.Failing[string](errPermanent)
	result := Run(context.Background(), executor, Operation[string](op))

	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, result.Err(), errPermanent)
	history := result.ExceptionHistory()
	require.Len(t, history, 1)
	assert.False(t, history[0].Retryable)
	assert.Nil(t, history[0].Match)
}

func TestRun_NestedRetryableCause(t *testing.T) {
	executor, _ := newTestExecutor(t, strategy.NewFixed(time.Millisecond), WithMaxRetries(10))

	var calls int
	result := Run(context.Background(), executor, func(ctx context.Context) (int, error) {
		calls++
		if calls <= 3 {
			return 0, &wrappedError{op: "sync", cause: &wrappedError{op: "dial", cause: syscall.ECONNRESET}}
		}
		return 0, &wrappedError{op: "sync", cause: errPermanent}
	})

	require.False(t, result.Succeeded())
	assert.Equal(t, 4, calls, "one retry per recurrence of the retryable cause")
	history := result.ExceptionHistory()
	require.Len(t, history, 4)
	for _, rec := range history[:3] {
		require.True(t, rec.Retryable)
		assert.Equal(t, classify.HandlerNetwork, rec.Match.Handler)
		assert.Equal(t, 2, rec.Match.Depth)
	}
	assert.False(t, history[3].Retryable)
}

func TestRun_TotalTimeout(t *testing.T) {
	executor, clock := newTestExecutor(t, strategy.NewFixed(5*time.Second),
		WithMaxRetries(10),
		WithTotalTimeout(time.Second))
	start := clock.Now()

	op, calls := testutils.Failing[int](errRetryable)
	result := Run(context.Background(), executor, Operation[int](op))

	require.False(t, result.Succeeded())
	assert.Equal(t, int32(2), calls.Load())
	history := result.ExceptionHistory()
	require.Len(t, history, 2)
	assert.LessOrEqual(t, history[1].Delay, time.Second)
	assert.Equal(t, 950*time.Millisecond, history[1].Delay)
	assert.LessOrEqual(t, clock.Since(start), time.Second)

	// the budget is armed per run
	op2, calls2 := testutils.Flaky(1, errRetryable, 1)
	assert.True(t, Run(context.Background(), executor, Operation[int](op2)).Succeeded())
	assert.Equal(t, int32(2), calls2.Load())
}

func TestRun_RetryIfOverridesClassification(t *testing.T) {
	var snapshots []Snapshot
	executor, _ := newTestExecutor(t, strategy.NewFixed(time.Millisecond),
		WithMaxRetries(5),
		WithRetryIf(func(err error, snapshot Snapshot) bool {
			snapshots = append(snapshots, snapshot)
			return snapshot.Attempt < 2
		}))

	op, calls := testutils.Failing[int](errPermanent)
	result := Run(context.Background(), executor, Operation[int](op))

	assert.False(t, result.Succeeded())
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, snapshots, 3)
	assert.Equal(t, 5, snapshots[0].MaxRetries)
	assert.Equal(t, 5, snapshots[0].RemainingAttempts)
	assert.Equal(t, 3, snapshots[2].RemainingAttempts)
	assert.Len(t, snapshots[2].ExceptionHistory, 3)
}

func TestRun_RetryIfStillBounded(t *testing.T) {
	executor, _ := newTestExecutor(t, strategy.NewFixed(time.Millisecond),
		WithMaxRetries(2),
		WithRetryIf(func(error, Snapshot) bool { return true }))

	op, calls := testutils.Failing[int](errPermanent)
	Run(context.Background(), executor, Operation[int](op))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRun_RetryUnless(t *testing.T) {
	executor, _ := newTestExecutor(t, strategy.NewFixed(time.Millisecond),
		WithMaxRetries(5),
		WithRetryUnless(func(err error, _ Snapshot) bool {
			return errors.Is(err, errPermanent)
		}))

	var calls int
	result := Run(context.Background(), executor, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("unclassified glitch")
		}
		return 0, errPermanent
	})

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, result.Err(), errPermanent)
}

func TestRun_ExtraRules(t *testing.T) {
	executor, _ := newTestExecutor(t, strategy.NewFixed(time.Millisecond), WithMaxRetries(2))
	errLeader := errors.New("leader changed")

	tests := []struct {
		name string
		err  error
		opt  RunOption
	}{
		{"pattern", errors.New("shard rebalancing"), WithExtraPatterns(regexp.MustCompile("rebalanc"))},
		{"type", &wrappedError{op: "write"}, WithExtraTypes(classify.TypeOf[*wrappedError]())},
		{"sentinel", fmt.Errorf("write: %w", errLeader), WithExtraSentinels(errLeader)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, calls := testutils.Failing[int](tt.err)
			Run(context.Background(), executor, Operation[int](op), tt.opt)
			assert.Equal(t, int32(3), calls.Load())

			op, calls = testutils.Failing[int](tt.err)
			Run(context.Background(), executor, Operation[int](op))
			assert.Equal(t, int32(1), calls.Load(), "extra rules apply to one run only")
		})
	}
}

func TestRun_ProgressMessages(t *testing.T) {
	var messages []string
	executor, _ := newTestExecutor(t, strategy.NewExponential(time.Second),
		WithMaxRetries(2),
		WithProgress(func(msg string) { messages = append(messages, msg) }))

	op, _ := testutils.Failing[int](errRetryable)
	Run(context.Background(), executor, Operation[int](op))

	assert.Equal(t, []string{
		"Attempt 1 failed: connection refused. Retrying in 1s...",
		"Attempt 2 failed: connection refused. Retrying in 2s...",
	}, messages)
}

type recordingHandler struct {
	mu     sync.Mutex
	events []string
	last   any
}

func (h *recordingHandler) add(name string, event any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, name)
	h.last = event
}

func (h *recordingHandler) OnRetrying(ctx context.Context, e RetryingEvent) {
	h.add(fmt.Sprintf("retrying:%d:%v", e.Attempt, e.Delay), e)
}

func (h *recordingHandler) OnSucceeded(ctx context.Context, e SucceededEvent) {
	h.add(fmt.Sprintf("succeeded:%d:%v", e.Attempt, e.Value), e)
}

func (h *recordingHandler) OnFailed(ctx context.Context, e FailedEvent) {
	h.add(fmt.Sprintf("failed:%d:%d", e.Attempt, len(e.History)), e)
}

func TestRun_Events(t *testing.T) {
	handler := &recordingHandler{}
	executor, _ := newTestExecutor(t, strategy.NewFixed(10*time.Millisecond),
		WithMaxRetries(3), WithEventHandler(handler))

	op, _ := testutils.Flaky(1, errRetryable, "ok")
	Run(context.Background(), executor, Operation[string](op), WithName("fetch"))
	assert.Equal(t, []string{"retrying:0:10ms", "succeeded:1:ok"}, handler.events)
	assert.Equal(t, "fetch", handler.last.(SucceededEvent).Snapshot.Operation)

	handler.events = nil
	failing, _ := testutils.Failing[string](errPermanent)
	Run(context.Background(), executor, Operation[string](failing))
	assert.Equal(t, []string{"failed:0:1"}, handler.events)
	assert.Equal(t, "default", handler.last.(FailedEvent).Snapshot.Operation)
	assert.Equal(t, 1, handler.last.(FailedEvent).Attempts)
}

func TestRun_ContextCancelledDuringWait(t *testing.T) {
	clock := testutils.NewClockWrapper(testutils.NewMockClock(t))
	executor := NewExecutor(strategy.NewFixed(time.Hour), WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := RunAsync(ctx, executor, func(ctx context.Context) (int, error) {
		calls.Add(1)
		cancel()
		return 0, errRetryable
	})

	result := <-done
	assert.ErrorIs(t, result.Err(), context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, result.ExceptionHistory(), 1)
	assert.ErrorIs(t, result.ThrowFirst(), errRetryable)
}

func TestRun_ContextCancelledBeforeStart(t *testing.T) {
	executor, _ := newTestExecutor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op, calls := testutils.Failing[int](errRetryable)
	result := Run(ctx, executor, Operation[int](op))

	assert.ErrorIs(t, result.Err(), context.Canceled)
	assert.Zero(t, calls.Load())
	assert.Zero(t, result.Attempts())
}

func TestRun_PerAttemptTimeout(t *testing.T) {
	executor, _ := newTestExecutor(t, strategy.NewFixed(time.Millisecond),
		WithMaxRetries(1),
		WithTimeout(10*time.Millisecond))

	var calls atomic.Int32
	result := Run(context.Background(), executor, func(ctx context.Context) (int, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		_, ok := ctx.Deadline()
		assert.True(t, ok, "every attempt gets its own deadline")
		return 7, nil
	})

	value, err := result.Value()
	require.NoError(t, err)
	assert.Equal(t, 7, value)
	history := result.ExceptionHistory()
	require.Len(t, history, 1)
	assert.ErrorIs(t, history[0].Err, context.DeadlineExceeded)
	assert.Equal(t, classify.HandlerTimeout, history[0].Match.Handler)
}

func TestRun_PanicRecovered(t *testing.T) {
	executor, _ := newTestExecutor(t, strategy.NewFixed(time.Millisecond))

	result := Run(context.Background(), executor, func(ctx context.Context) (int, error) {
		panic("boom")
	})

	var panicErr *types.PanicError
	require.ErrorAs(t, result.Err(), &panicErr)
	assert.Equal(t, "boom", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.Equal(t, 1, result.Attempts())
}

func TestRun_NilOperation(t *testing.T) {
	executor, _ := newTestExecutor(t, nil)
	result := Run[int](context.Background(), executor, nil)
	assert.ErrorIs(t, result.Err(), types.ErrNilOperation)
	assert.ErrorIs(t, Do(context.Background(), executor, nil), types.ErrNilOperation)
}

func TestRun_MetadataAndRetryContext(t *testing.T) {
	executor, _ := newTestExecutor(t, strategy.NewFixed(time.Millisecond))

	var ids []string
	result := Run(context.Background(), executor, func(ctx context.Context) (int, error) {
		rc, ok := FromContext(ctx)
		require.True(t, ok)
		ids = append(ids, rc.OperationID())
		rc.SetMetadata("attempt", rc.Attempt())
		assert.Equal(t, "tenant-1", rc.Metadata()["tenant"])
		if rc.Attempt() == 0 {
			return 0, errRetryable
		}
		return 1, nil
	}, WithMetadata("tenant", "tenant-1"))

	require.True(t, result.Succeeded())
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, result.OperationID(), ids[0])
}

// observingStrategy counts success notifications.
type observingStrategy struct {
	strategy.Strategy
	successes []int
}

func (o *observingStrategy) OnSuccess(attempt int) {
	o.successes = append(o.successes, attempt)
}

func TestRun_NotifiesSuccessObservers(t *testing.T) {
	s := &observingStrategy{Strategy: strategy.NewFixed(time.Millisecond)}
	executor, _ := newTestExecutor(t, s)

	op, _ := testutils.Flaky(2, errRetryable, 0)
	Run(context.Background(), executor, Operation[int](op))
	assert.Equal(t, []int{2}, s.successes)
}

func TestRun_CircuitBreakerAcrossRuns(t *testing.T) {
	clock := testutils.NewAutoClock(t)
	shared, err := store.NewMemoryStore(store.DefaultMemoryConfig(), store.WithMemoryClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = shared.Close() })

	cb, err := strategy.NewCircuitBreaker(strategy.NewFixed(time.Second), 1, time.Minute, "upstream", shared,
		strategy.WithClock(clock))
	require.NoError(t, err)
	executor := NewExecutor(cb, WithClock(clock), WithMaxRetries(5))

	op, calls := testutils.Failing[int](errRetryable)
	Run(context.Background(), executor, Operation[int](op))
	assert.Equal(t, int32(2), calls.Load(), "the second failure opens the circuit")

	state, err := cb.State()
	require.NoError(t, err)
	assert.Equal(t, types.CircuitOpen, state)

	// a later run is not retried while the circuit stays open
	op, calls = testutils.Failing[int](errRetryable)
	Run(context.Background(), executor, Operation[int](op))
	assert.Equal(t, int32(1), calls.Load())

	// after the cooldown a successful trial closes the circuit
	clock.Step(time.Minute)
	flaky, flakyCalls := testutils.Flaky(1, errRetryable, 9)
	result := Run(context.Background(), executor, Operation[int](flaky))
	require.True(t, result.Succeeded())
	assert.Equal(t, int32(2), flakyCalls.Load())

	state, err = cb.State()
	require.NoError(t, err)
	assert.Equal(t, types.CircuitClosed, state)
}

func TestRunAsync(t *testing.T) {
	executor, _ := newTestExecutor(t, strategy.NewFixed(time.Millisecond))

	results := make([]<-chan *Result[int], 5)
	for i := range results {
		results[i] = RunAsync(context.Background(), executor, func(ctx context.Context) (int, error) {
			return i * i, nil
		})
	}
	for i, ch := range results {
		result, ok := <-ch
		require.True(t, ok)
		assert.Equal(t, i*i, result.MustValue())
		_, ok = <-ch
		assert.False(t, ok, "channel is closed after the result")
	}
	assert.Equal(t, int64(5), executor.GetStats().TotalSuccesses)

	executor.ResetStats()
	assert.Zero(t, executor.GetStats().TotalAttempts)
}

func TestDo(t *testing.T) {
	executor, _ := newTestExecutor(t, strategy.NewFixed(time.Millisecond))

	var calls int
	err := Do(context.Background(), executor, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errRetryable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestNewExecutor_Defaults(t *testing.T) {
	executor := NewExecutor(nil)
	assert.Equal(t, DefaultMaxRetries, executor.MaxRetries())
	assert.Equal(t, time.Second, executor.Strategy().Delay(0))
	assert.Equal(t, 2*time.Second, executor.Strategy().Delay(1))
}

package retry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jzx17/goresilience/internal/testutils"
	"github.com/jzx17/goresilience/pkg/strategy"
)

func TestMetricsEventHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	handler, err := NewMetricsEventHandler(registry, "app")
	require.NoError(t, err)

	executor, _ := newTestExecutor(t, strategy.NewFixed(250*time.Millisecond),
		WithMaxRetries(3), WithEventHandler(handler))

	flaky, _ := testutils.Flaky(2, errRetryable, 1)
	Run(context.Background(), executor, Operation[int](flaky), WithName("charge"))
	failing, _ := testutils.Failing[int](errPermanent)
	Run(context.Background(), executor, Operation[int](failing), WithName("charge"))

	assert.Equal(t, float64(2), testutil.ToFloat64(handler.retries.WithLabelValues("charge")))
	assert.Equal(t, float64(1), testutil.ToFloat64(handler.outcomes.WithLabelValues("charge", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(handler.outcomes.WithLabelValues("charge", "failure")))

	expected := `
# HELP app_retry_attempts Number of attempts per finished run
# TYPE app_retry_attempts histogram
app_retry_attempts_bucket{operation="charge",le="1"} 1
app_retry_attempts_bucket{operation="charge",le="2"} 1
app_retry_attempts_bucket{operation="charge",le="3"} 2
app_retry_attempts_bucket{operation="charge",le="4"} 2
app_retry_attempts_bucket{operation="charge",le="5"} 2
app_retry_attempts_bucket{operation="charge",le="7"} 2
app_retry_attempts_bucket{operation="charge",le="10"} 2
app_retry_attempts_bucket{operation="charge",le="20"} 2
app_retry_attempts_bucket{operation="charge",le="+Inf"} 2
app_retry_attempts_sum{operation="charge"} 4
app_retry_attempts_count{operation="charge"} 2
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "app_retry_attempts"))
	series, err := testutil.GatherAndCount(registry)
	require.NoError(t, err)
	assert.Equal(t, 5, series)
}

func TestMetricsEventHandler_CancelledBeforeFirstAttempt(t *testing.T) {
	handler, err := NewMetricsEventHandler(prometheus.NewRegistry(), "app")
	require.NoError(t, err)
	executor, _ := newTestExecutor(t, nil, WithEventHandler(handler))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	op, calls := testutils.Failing[int](errRetryable)
	Run(ctx, executor, Operation[int](op), WithName("sync"))

	require.Zero(t, calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(handler.outcomes.WithLabelValues("sync", "failure")))
	assert.Equal(t, 0, testutil.CollectAndCount(handler.attempts), "no attempt was made")
}

func TestMetricsEventHandler_DuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewMetricsEventHandler(registry, "dup")
	require.NoError(t, err)

	_, err = NewMetricsEventHandler(registry, "dup")
	var already prometheus.AlreadyRegisteredError
	assert.ErrorAs(t, err, &already)
}

func TestMetricsEventHandler_Unregistered(t *testing.T) {
	handler, err := NewMetricsEventHandler(nil, "")
	require.NoError(t, err)
	handler.OnRetrying(context.Background(), RetryingEvent{Delay: time.Second, Snapshot: Snapshot{Operation: "x"}})
	assert.Equal(t, float64(1), testutil.ToFloat64(handler.retries.WithLabelValues("x")))
}

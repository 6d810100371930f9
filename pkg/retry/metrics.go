package retry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsEventHandler records run outcomes as Prometheus metrics, labelled
// by operation name.
type MetricsEventHandler struct {
	retries  *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	attempts *prometheus.HistogramVec
	delays   *prometheus.HistogramVec
}

// NewMetricsEventHandler creates the collectors and registers them with
// registerer. A nil registerer leaves them unregistered.
func NewMetricsEventHandler(registerer prometheus.Registerer, namespace string) (*MetricsEventHandler, error) {
	h := &MetricsEventHandler{
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_retries_total",
				Help:      "Total number of retries scheduled by operation",
			},
			[]string{"operation"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_runs_total",
				Help:      "Total number of finished runs by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		attempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_attempts",
				Help:      "Number of attempts per finished run",
				Buckets:   []float64{1, 2, 3, 4, 5, 7, 10, 20},
			},
			[]string{"operation"},
		),
		delays: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_delay_seconds",
				Help:      "Delay waited before each retry",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"operation"},
		),
	}

	if registerer != nil {
		for _, c := range []prometheus.Collector{h.retries, h.outcomes, h.attempts, h.delays} {
			if err := registerer.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return h, nil
}

// OnRetrying handles retrying events
func (h *MetricsEventHandler) OnRetrying(ctx context.Context, event RetryingEvent) {
	op := event.Snapshot.Operation
	h.retries.WithLabelValues(op).Inc()
	h.delays.WithLabelValues(op).Observe(event.Delay.Seconds())
}

// OnSucceeded handles succeeded events
func (h *MetricsEventHandler) OnSucceeded(ctx context.Context, event SucceededEvent) {
	op := event.Snapshot.Operation
	h.outcomes.WithLabelValues(op, "success").Inc()
	h.attempts.WithLabelValues(op).Observe(float64(event.Attempt + 1))
}

// OnFailed handles failed events. Runs that never invoked the operation are
// counted as failures but kept out of the attempts histogram.
func (h *MetricsEventHandler) OnFailed(ctx context.Context, event FailedEvent) {
	op := event.Snapshot.Operation
	h.outcomes.WithLabelValues(op, "failure").Inc()
	if event.Attempts > 0 {
		h.attempts.WithLabelValues(op).Observe(float64(event.Attempts))
	}
}

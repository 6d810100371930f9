package retry

import (
	"context"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"
)

// Event bus topics
const (
	TopicRetrying  = "retry:retrying"
	TopicSucceeded = "retry:succeeded"
	TopicFailed    = "retry:failed"
)

// RetryingEvent is emitted after a failed attempt, before waiting
type RetryingEvent struct {
	Attempt  int
	Delay    time.Duration
	Err      error
	Snapshot Snapshot
}

// SucceededEvent is emitted when an attempt succeeds
type SucceededEvent struct {
	Attempt  int
	Value    any
	Duration time.Duration
	Snapshot Snapshot
}

// FailedEvent is emitted when a run gives up. Attempt is the last attempt
// index; Attempts is how many times the operation actually ran, which is zero
// when the run ended before the first invocation.
type FailedEvent struct {
	Attempt  int
	Attempts int
	Err      error
	History  []AttemptRecord
	Snapshot Snapshot
}

// EventHandler receives the lifecycle events of runs. Handlers are called
// synchronously from the run's goroutine.
type EventHandler interface {
	OnRetrying(ctx context.Context, event RetryingEvent)
	OnSucceeded(ctx context.Context, event SucceededEvent)
	OnFailed(ctx context.Context, event FailedEvent)
}

// LogEventHandler writes events to a zap logger
type LogEventHandler struct {
	logger *zap.Logger
}

// NewLogEventHandler creates a LogEventHandler
func NewLogEventHandler(logger *zap.Logger) *LogEventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEventHandler{logger: logger}
}

// OnRetrying handles retrying events
func (h *LogEventHandler) OnRetrying(ctx context.Context, event RetryingEvent) {
	h.logger.Info("retrying operation",
		zap.String("operation", event.Snapshot.Operation),
		zap.String("operation_id", event.Snapshot.OperationID),
		zap.Int("attempt", event.Attempt),
		zap.Int("remaining_attempts", event.Snapshot.RemainingAttempts),
		zap.Duration("delay", event.Delay),
		zap.Error(event.Err))
}

// OnSucceeded handles succeeded events
func (h *LogEventHandler) OnSucceeded(ctx context.Context, event SucceededEvent) {
	fields := []zap.Field{
		zap.String("operation", event.Snapshot.Operation),
		zap.String("operation_id", event.Snapshot.OperationID),
		zap.Int("attempt", event.Attempt),
		zap.Duration("duration", event.Duration),
	}
	if event.Attempt > 0 {
		h.logger.Info("operation succeeded after retries", fields...)
		return
	}
	h.logger.Debug("operation succeeded", fields...)
}

// OnFailed handles failed events
func (h *LogEventHandler) OnFailed(ctx context.Context, event FailedEvent) {
	h.logger.Warn("operation failed",
		zap.String("operation", event.Snapshot.Operation),
		zap.String("operation_id", event.Snapshot.OperationID),
		zap.Int("attempt", event.Attempt),
		zap.Int("attempts", event.Attempts),
		zap.Int("failed_attempts", len(event.History)),
		zap.Duration("elapsed", event.Snapshot.Metrics.TotalElapsed),
		zap.Error(event.Err))
}

// BusEventHandler publishes events on an asaskevich/EventBus bus. Subscribers
// receive the event value, for example:
//
//	bus.Subscribe(retry.TopicFailed, func(e retry.FailedEvent) { ... })
type BusEventHandler struct {
	bus evbus.Bus
}

// NewBusEventHandler creates a BusEventHandler. A nil bus creates a new one.
func NewBusEventHandler(bus evbus.Bus) *BusEventHandler {
	if bus == nil {
		bus = evbus.New()
	}
	return &BusEventHandler{bus: bus}
}

// Bus returns the underlying bus
func (h *BusEventHandler) Bus() evbus.Bus {
	return h.bus
}

// OnRetrying handles retrying events
func (h *BusEventHandler) OnRetrying(ctx context.Context, event RetryingEvent) {
	h.publish(TopicRetrying, event)
}

// OnSucceeded handles succeeded events
func (h *BusEventHandler) OnSucceeded(ctx context.Context, event SucceededEvent) {
	h.publish(TopicSucceeded, event)
}

// OnFailed handles failed events
func (h *BusEventHandler) OnFailed(ctx context.Context, event FailedEvent) {
	h.publish(TopicFailed, event)
}

func (h *BusEventHandler) publish(topic string, event any) {
	if h.bus.HasCallback(topic) {
		h.bus.Publish(topic, event)
	}
}

// MultiEventHandler fans events out to several handlers in order
type MultiEventHandler []EventHandler

// OnRetrying handles retrying events
func (m MultiEventHandler) OnRetrying(ctx context.Context, event RetryingEvent) {
	for _, h := range m {
		if h != nil {
			h.OnRetrying(ctx, event)
		}
	}
}

// OnSucceeded handles succeeded events
func (m MultiEventHandler) OnSucceeded(ctx context.Context, event SucceededEvent) {
	for _, h := range m {
		if h != nil {
			h.OnSucceeded(ctx, event)
		}
	}
}

// OnFailed handles failed events
func (m MultiEventHandler) OnFailed(ctx context.Context, event FailedEvent) {
	for _, h := range m {
		if h != nil {
			h.OnFailed(ctx, event)
		}
	}
}

// nopEventHandler discards events
type nopEventHandler struct{}

func (nopEventHandler) OnRetrying(context.Context, RetryingEvent)   {}
func (nopEventHandler) OnSucceeded(context.Context, SucceededEvent) {}
func (nopEventHandler) OnFailed(context.Context, FailedEvent)       {}

package bus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sandrom/alice-events/pkg/events"
)

// MetricsRecorder records bus metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records one publish of the given kind.
	RecordPublish(ctx context.Context, kind string)

	// RecordDispatch records a completed fan-out with its duration and
	// the number of subscribers delivered to.
	RecordDispatch(ctx context.Context, kind string, duration time.Duration, subscribers int)

	// RecordSubscriberError records one failed subscriber delivery.
	RecordSubscriberError(ctx context.Context, kind string)
}

// NoopMetrics is a MetricsRecorder that records nothing.
type NoopMetrics struct{}

func (NoopMetrics) RecordPublish(context.Context, string)                      {}
func (NoopMetrics) RecordDispatch(context.Context, string, time.Duration, int) {}
func (NoopMetrics) RecordSubscriberError(context.Context, string)              {}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	publishes        metric.Int64Counter
	dispatchLatency  metric.Float64Histogram
	subscriberErrors metric.Int64Counter
}

// NewMetricsRecorder creates an OTel-backed metrics recorder using the
// globally registered meter provider.
func NewMetricsRecorder() (MetricsRecorder, error) {
	meter := otel.Meter("alice-events")

	publishes, err := meter.Int64Counter("events.bus.publishes",
		metric.WithDescription("Number of events published to the bus"),
	)
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram("events.bus.dispatch_latency_ms",
		metric.WithDescription("Fan-out latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	subscriberErrors, err := meter.Int64Counter("events.bus.subscriber_errors",
		metric.WithDescription("Number of failed subscriber deliveries"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		publishes:        publishes,
		dispatchLatency:  dispatchLatency,
		subscriberErrors: subscriberErrors,
	}, nil
}

func (m *otelMetrics) RecordPublish(ctx context.Context, kind string) {
	m.publishes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *otelMetrics) RecordDispatch(ctx context.Context, kind string, duration time.Duration, subscribers int) {
	m.dispatchLatency.Record(ctx, float64(duration.Microseconds())/1000.0,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Int("subscribers", subscribers),
		))
}

func (m *otelMetrics) RecordSubscriberError(ctx context.Context, kind string) {
	m.subscriberErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// LoggingMiddleware logs every published envelope at debug level.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(ctx context.Context, env *events.Envelope) {
		logger.Debug("event published",
			zap.String("kind", env.Kind),
			zap.String("event_id", env.ID),
			zap.String("source", env.Source))
	}
}

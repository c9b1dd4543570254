package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/roundtable/internal/resilience"

// Metrics holds executor instruments. A nil *Metrics records nothing.
type Metrics struct {
	meter     metric.Meter
	logger    *zap.Logger
	duration  metric.Float64Histogram
	retries   metric.Int64Counter
	rateLimit metric.Int64Counter
	rejected  metric.Int64Counter
}

// NewMetrics creates executor metrics from meter, falling back to the global
// meter provider when meter is nil.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{meter: meter, logger: logger}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"roundtable.external_call.duration_seconds",
		metric.WithDescription("Duration of protected external calls including retries, labeled by dependency and outcome"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		m.logger.Warn("failed to create call duration histogram", zap.Error(err))
	}

	m.retries, err = m.meter.Int64Counter(
		"roundtable.external_call.retries_total",
		metric.WithDescription("Retries after transient failures"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		m.logger.Warn("failed to create retries counter", zap.Error(err))
	}

	m.rateLimit, err = m.meter.Int64Counter(
		"roundtable.external_call.rate_limited_total",
		metric.WithDescription("Rate-limit responses that triggered a fixed pause"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		m.logger.Warn("failed to create rate limit counter", zap.Error(err))
	}

	m.rejected, err = m.meter.Int64Counter(
		"roundtable.circuit_breaker.rejected_total",
		metric.WithDescription("Calls rejected while a circuit breaker was open"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		m.logger.Warn("failed to create rejected counter", zap.Error(err))
	}
}

func (m *Metrics) recordAttempt(ctx context.Context, label, outcome string, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("dependency", label),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) recordRetry(ctx context.Context, label string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("dependency", label)))
}

func (m *Metrics) recordRateLimit(ctx context.Context, label string) {
	if m == nil || m.rateLimit == nil {
		return
	}
	m.rateLimit.Add(ctx, 1, metric.WithAttributes(attribute.String("dependency", label)))
}

func (m *Metrics) recordRejected(ctx context.Context, label string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("dependency", label)))
}

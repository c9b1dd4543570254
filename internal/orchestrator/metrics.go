package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/roundtable/internal/orchestrator"

// Metrics provides OpenTelemetry metrics for the controller.
type Metrics struct {
	// Counters
	turnsTotal       metric.Int64Counter
	fallbacksTotal   metric.Int64Counter
	transitionsTotal metric.Int64Counter
	tokensTotal      metric.Int64Counter

	// Histograms
	cycleDuration metric.Float64Histogram
	cycleTurns    metric.Int64Histogram
}

// NewMetrics creates controller metrics. If meter is nil, uses the global
// meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.turnsTotal, err = meter.Int64Counter(
		"roundtable.turns.total",
		metric.WithDescription("Turns taken, by actor, action kind and outcome"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	m.fallbacksTotal, err = meter.Int64Counter(
		"roundtable.handoff.fallbacks.total",
		metric.WithDescription("Handoffs replaced by a round-robin fallback"),
		metric.WithUnit("{handoff}"),
	)
	if err != nil {
		return nil, err
	}

	m.transitionsTotal, err = meter.Int64Counter(
		"roundtable.phase.transitions.total",
		metric.WithDescription("Phase transitions, organic and forced"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	m.tokensTotal, err = meter.Int64Counter(
		"roundtable.actor.tokens.total",
		metric.WithDescription("Tokens spent by actors"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	m.cycleDuration, err = meter.Float64Histogram(
		"roundtable.cycle.duration.seconds",
		metric.WithDescription("Duration of a cycle in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, err
	}

	m.cycleTurns, err = meter.Int64Histogram(
		"roundtable.cycle.turns",
		metric.WithDescription("Turns per cycle"),
		metric.WithUnit("{turn}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 20, 30, 50),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordTurn(ctx context.Context, actorID, kind, outcome string, tokens int) {
	if m == nil {
		return
	}
	m.turnsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("actor", actorID),
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
	if tokens > 0 {
		m.tokensTotal.Add(ctx, int64(tokens), metric.WithAttributes(attribute.String("actor", actorID)))
	}
}

func (m *Metrics) recordFallback(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.fallbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) recordTransition(ctx context.Context, t Transition) {
	if m == nil {
		return
	}
	m.transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(t.From)),
		attribute.String("to", string(t.To)),
		attribute.Bool("forced", t.Forced),
	))
}

func (m *Metrics) recordCycle(ctx context.Context, d time.Duration, r *CycleResult) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("stop", string(r.Stop)))
	m.cycleDuration.Record(ctx, d.Seconds(), attrs)
	m.cycleTurns.Record(ctx, int64(r.Turns), attrs)
}

// Tracer returns the orchestrator tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

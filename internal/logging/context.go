package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type runCtxKey struct{}
type actorCtxKey struct{}
type requestCtxKey struct{}

type runInfo struct {
	id    string
	cycle int
}

// ContextFields extracts correlation fields from ctx: the active span, the
// run and cycle, the acting actor and the request ID.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if r, ok := ctx.Value(runCtxKey{}).(runInfo); ok {
		fields = append(fields, zap.String("run.id", r.id), zap.Int("cycle.number", r.cycle))
	}
	if id, ok := ctx.Value(actorCtxKey{}).(string); ok {
		fields = append(fields, zap.String("actor.id", id))
	}
	if id, ok := ctx.Value(requestCtxKey{}).(string); ok {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

// WithRun tags ctx with the run ID and cycle number.
func WithRun(ctx context.Context, runID string, cycle int) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runInfo{id: runID, cycle: cycle})
}

// RunFromContext returns the run ID and cycle number, if set.
func RunFromContext(ctx context.Context) (string, int, bool) {
	r, ok := ctx.Value(runCtxKey{}).(runInfo)
	return r.id, r.cycle, ok
}

// WithActorID tags ctx with the acting actor.
func WithActorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, id)
}

// ActorIDFromContext returns the acting actor or "".
func ActorIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(actorCtxKey{}).(string)
	return id
}

// WithRequestID tags ctx with an HTTP request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger stored by WithLogger, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}

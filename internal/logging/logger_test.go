package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type testSecret string

func (s testSecret) Value() string { return string(s) }

func newBufferLogger(t *testing.T, mutate func(*Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	cfg.Caller = false
	if mutate != nil {
		mutate(cfg)
	}
	var buf bytes.Buffer
	l, err := NewLogger(cfg, nil, WithWriter(&buf))
	require.NoError(t, err)
	return l, &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestLogger_WritesJSONWithConstantFields(t *testing.T) {
	l, buf := newBufferLogger(t, nil)

	l.Info(context.Background(), "cycle started", zap.Int("turns", 3))

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "cycle started", got[0]["msg"])
	assert.Equal(t, "roundtable", got[0]["service"])
	assert.EqualValues(t, 3, got[0]["turns"])
}

func TestLogger_ContextFields(t *testing.T) {
	l, buf := newBufferLogger(t, nil)

	ctx := WithRun(context.Background(), "run-1", 4)
	ctx = WithActorID(ctx, "architect")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{2},
		TraceFlags: trace.FlagsSampled,
	})
	ctx = trace.ContextWithSpanContext(ctx, sc)

	l.Warn(ctx, "invalid handoff")

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "run-1", got[0]["run.id"])
	assert.EqualValues(t, 4, got[0]["cycle.number"])
	assert.Equal(t, "architect", got[0]["actor.id"])
	assert.Equal(t, sc.TraceID().String(), got[0]["trace_id"])
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	_, _, ok := RunFromContext(ctx)
	assert.False(t, ok)
	assert.Empty(t, ActorIDFromContext(ctx))
	assert.Empty(t, ContextFields(ctx))

	ctx = WithRun(ctx, "r", 2)
	id, cycle, ok := RunFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "r", id)
	assert.Equal(t, 2, cycle)

	tl := NewTestLogger()
	assert.Same(t, tl.Logger, FromContext(WithLogger(ctx, tl.Logger)))
	assert.NotNil(t, FromContext(ctx))
}

func TestLogger_Redaction(t *testing.T) {
	l, buf := newBufferLogger(t, nil)

	l.Info(context.Background(), "calling model with Bearer abc.def",
		zap.String("api_key", "sk-live"),
		zap.String("header", "api_key=hunter2"),
		zap.Error(errors.New("rejected key sk-abcdefghijklmnopqrstuvwxyz")),
		Secret("credential", testSecret("1234")),
	)

	out := buf.String()
	assert.NotContains(t, out, "sk-live")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "abc.def")
	assert.NotContains(t, out, "abcdefghijklmnopqrstuvwxyz")

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "[REDACTED]", got[0]["api_key"])
	assert.Equal(t, "[REDACTED]", got[0]["credential"])
}

func TestLogger_RedactionDisabled(t *testing.T) {
	l, buf := newBufferLogger(t, func(c *Config) { c.Redaction.Enabled = false })

	l.Info(context.Background(), "plain", zap.String("token", "visible"))

	assert.Contains(t, buf.String(), "visible")
}

func TestRedactedString(t *testing.T) {
	f := RedactedString("token", "abcd")
	assert.Equal(t, "[REDACTED:4]", f.String)
	assert.Equal(t, "[REDACTED:3]", Secret("k", testSecret("xyz")).String)
}

func TestLogger_LevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(t, func(c *Config) { c.Level = "warn" })
	ctx := context.Background()

	l.Debug(ctx, "debug")
	l.Info(ctx, "info")
	l.Warn(ctx, "warn")
	l.Error(ctx, "error")

	got := lines(t, buf)
	require.Len(t, got, 2)
	assert.Equal(t, "warn", got[0]["msg"])
	assert.True(t, l.Enabled(zapcore.ErrorLevel))
	assert.False(t, l.Enabled(zapcore.InfoLevel))
}

func TestLogger_TraceLevel(t *testing.T) {
	l, buf := newBufferLogger(t, func(c *Config) { c.Level = "trace" })

	l.Trace(context.Background(), "prompt dump")

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "Level(-2)", got[0]["level"])
}

func TestLogger_SamplingNeverDropsErrors(t *testing.T) {
	l, buf := newBufferLogger(t, func(c *Config) {
		c.Sampling = SamplingConfig{Enabled: true, Tick: time.Minute, Initial: 1, Thereafter: 0}
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Info(ctx, "turn completed")
		l.Error(ctx, "turn aborted")
	}

	var info, errs int
	for _, m := range lines(t, buf) {
		switch m["msg"] {
		case "turn completed":
			info++
		case "turn aborted":
			errs++
		}
	}
	assert.Equal(t, 1, info)
	assert.Equal(t, 5, errs)
}

func TestLogger_ChildLoggers(t *testing.T) {
	tl := NewTestLogger()

	child := tl.With(zap.String("component", "runner")).Named("orchestrator")
	child.Info(context.Background(), "run started")

	tl.AssertLogged(t, zapcore.InfoLevel, "run started")
	tl.AssertField(t, "run started", "component", "runner")
	assert.Equal(t, "orchestrator", tl.All()[0].LoggerName)
	assert.NotNil(t, child.Underlying())
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.Level = "verbose" }, "invalid level"},
		{"bad format", func(c *Config) { c.Format = "xml" }, "format"},
		{"no outputs", func(c *Config) { c.Output = OutputConfig{} }, "at least one output"},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, "sampling tick"},
		{"negative initial", func(c *Config) { c.Sampling.Initial = -1 }, "sampling counts"},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }, "invalid redaction pattern"},
		{"long pattern", func(c *Config) { c.Redaction.Patterns = []string{strings.Repeat("a", 201)} }, "too long"},
		{"empty field value", func(c *Config) { c.Fields = map[string]string{"env": ""} }, "empty value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestNewLogger_OTELOnlyWithoutProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output = OutputConfig{OTEL: true}
	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

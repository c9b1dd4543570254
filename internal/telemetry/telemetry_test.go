package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, HealthStatus{}, tel.Health())
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NotNil(t, tel.LoggerProvider())
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""
	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "endpoint is required")
}

func TestNew_ExportsSpansAndMetrics(t *testing.T) {
	ctx := context.Background()
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	tel, err := New(ctx, cfg, WithSpanExporter(spans), WithMetricReader(reader), WithoutGlobal())
	require.NoError(t, err)

	_, span := tel.Tracer("roundtable-test").Start(ctx, "orchestrator.RunCycle")
	span.End()
	counter, err := tel.Meter("roundtable-test").Int64Counter("roundtable.turns.total")
	require.NoError(t, err)
	counter.Add(ctx, 2)

	require.NoError(t, tel.ForceFlush(ctx))
	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "orchestrator.RunCycle", got[0].Name)
	assert.Equal(t, "roundtable", got[0].Resource.Attributes()[0].Value.AsString())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	sum := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	assert.EqualValues(t, 2, sum.DataPoints[0].Value)

	assert.Equal(t, HealthStatus{Enabled: true}, tel.Health())
	require.NoError(t, tel.Shutdown(ctx))
	assert.NoError(t, tel.Shutdown(ctx), "second shutdown is a no-op")
	assert.False(t, tel.Health().Enabled)
}

func TestNew_MetricsDisabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.MetricsEnabled = false

	tel, err := New(context.Background(), cfg, WithSpanExporter(tracetest.NewInMemoryExporter()), WithoutGlobal())
	require.NoError(t, err)
	assert.Nil(t, tel.meterProvider)
	assert.NotNil(t, tel.Meter("x"))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"disabled ignores fields", func(c *Config) { c.Endpoint = "" }, ""},
		{"enabled defaults", func(c *Config) { c.Enabled = true }, ""},
		{"no service", func(c *Config) { c.Enabled = true; c.ServiceName = "" }, "service_name"},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, "protocol"},
		{"insecure remote", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, "local endpoints"},
		{"tls remote", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "https://otel.example.com:4318"
			c.Insecure = false
			c.Protocol = ProtocolHTTP
		}, ""},
		{"sample rate", func(c *Config) { c.Enabled = true; c.SampleRate = 1.5 }, "sample_rate"},
		{"export interval", func(c *Config) { c.Enabled = true; c.ExportInterval = 0 }, "export_interval"},
		{"shutdown timeout", func(c *Config) { c.Enabled = true; c.ShutdownTimeout = -time.Second }, "shutdown_timeout"},
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
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestIsLocal(t *testing.T) {
	for endpoint, want := range map[string]bool{
		"localhost:4317":        true,
		"127.0.0.1:4317":        true,
		"[::1]:4317":            true,
		"http://localhost:4318": true,
		"10.0.0.5:4317":         false,
		"collector:4317":        false,
	} {
		assert.Equal(t, want, isLocal(endpoint), endpoint)
	}
}

package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/roundtable/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func newTestExecutor(t *testing.T, cfg Config, opts ...Option) (*Executor, *recordingSleeper, *fakeClock) {
	t.Helper()
	sleeper := &recordingSleeper{}
	clock := newFakeClock()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithSleeper(sleeper.Sleep),
		WithClock(clock.Now),
	}, opts...)
	return NewExecutor(cfg, opts...), sleeper, clock
}

func TestExecutor_Backoff(t *testing.T) {
	e := NewExecutor(Config{})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExecutor_SucceedsFirstTry(t *testing.T) {
	e, sleeper, _ := newTestExecutor(t, Config{})

	calls := 0
	err := e.Execute(context.Background(), "llm", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.Sleeps())
}

func TestExecutor_RetriesTransientErrors(t *testing.T) {
	e, sleeper, _ := newTestExecutor(t, Config{})

	calls := 0
	err := e.Execute(context.Background(), "llm", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.Sleeps())
	assert.Equal(t, "closed", e.Breakers().Get("llm").State())
	assert.Equal(t, 0, e.Breakers().Get("llm").Failures())
}

func TestExecutor_ExhaustsRetries(t *testing.T) {
	e, sleeper, _ := newTestExecutor(t, Config{})

	calls := 0
	err := e.Execute(context.Background(), "llm", func(context.Context) error {
		calls++
		return errors.New("request timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.True(t, faults.Is(err, faults.KindRetryable))
	assert.Contains(t, err.Error(), "failed after 3 retries")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.Sleeps())
	assert.Equal(t, 4, e.Breakers().Get("llm").Failures())
}

func TestExecutor_NonRetryableFailsImmediately(t *testing.T) {
	e, sleeper, _ := newTestExecutor(t, Config{})

	calls := 0
	err := e.Execute(context.Background(), "llm", func(context.Context) error {
		calls++
		return errors.New("invalid api key")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, faults.Is(err, faults.KindFatal))
	assert.Empty(t, sleeper.Sleeps())
}

func TestExecutor_LocalErrorsPassThrough(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{})

	local := faults.New(faults.KindValidation, "write", errors.New("path not allowed"))
	err := e.Execute(context.Background(), "llm", func(context.Context) error {
		return local
	})
	require.Error(t, err)
	assert.Same(t, local, err)
	assert.Equal(t, 0, e.Breakers().Get("llm").Failures())
}

func TestExecutor_RateLimitDoesNotConsumeAttempts(t *testing.T) {
	e, sleeper, _ := newTestExecutor(t, Config{MaxRetries: -1})

	calls := 0
	err := e.Execute(context.Background(), "llm", func(context.Context) error {
		calls++
		if calls <= 2 {
			return errors.New("HTTP 429: rate limit exceeded")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{DefaultRateLimitPause, DefaultRateLimitPause}, sleeper.Sleeps())
	assert.Equal(t, 0, e.Breakers().Get("llm").Failures())
}

func TestExecutor_CircuitBreakerScenario(t *testing.T) {
	e, _, clock := newTestExecutor(t, Config{MaxRetries: -1})
	ctx := context.Background()

	calls := 0
	failing := func(context.Context) error {
		calls++
		return errors.New("503 service unavailable")
	}

	for i := 0; i < DefaultBreakerMaxFailures; i++ {
		err := e.Execute(ctx, "llm", failing)
		require.Error(t, err)
		assert.True(t, faults.Is(err, faults.KindRetryable), "call %d", i+1)
	}
	assert.Equal(t, DefaultBreakerMaxFailures, calls)
	assert.Equal(t, "open", e.Breakers().Get("llm").State())

	// Sixth call is rejected without invoking the operation.
	err := e.Execute(ctx, "llm", failing)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindCircuitOpen))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "try again in 60s")
	assert.Equal(t, DefaultBreakerMaxFailures, calls)

	// Other labels are unaffected.
	require.NoError(t, e.Execute(ctx, "compiler", func(context.Context) error { return nil }))

	clock.Advance(DefaultBreakerResetTimeout)

	// Exactly one trial after the cooldown.
	cb := e.Breakers().Get("llm")
	require.True(t, cb.Allow())
	assert.Equal(t, "half-open", cb.State())
	assert.False(t, cb.Allow())
	cb.Release()

	err = e.Execute(ctx, "llm", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultBreakerMaxFailures+1, calls)
	assert.Equal(t, "closed", cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestExecutor_FailedTrialReopens(t *testing.T) {
	e, _, clock := newTestExecutor(t, Config{MaxRetries: -1, BreakerMaxFailures: 2, BreakerResetTimeout: 10 * time.Second})
	ctx := context.Background()
	failing := func(context.Context) error { return errors.New("network unreachable") }

	_ = e.Execute(ctx, "llm", failing)
	_ = e.Execute(ctx, "llm", failing)
	require.Equal(t, "open", e.Breakers().Get("llm").State())

	clock.Advance(10 * time.Second)
	err := e.Execute(ctx, "llm", failing)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindRetryable))
	assert.Equal(t, "open", e.Breakers().Get("llm").State())

	err = e.Execute(ctx, "llm", failing)
	assert.True(t, faults.Is(err, faults.KindCircuitOpen))
}

func TestExecutor_RateLimitedTrialIsReleased(t *testing.T) {
	e, _, clock := newTestExecutor(t, Config{MaxRetries: -1, BreakerMaxFailures: 1})
	ctx := context.Background()

	_ = e.Execute(ctx, "llm", func(context.Context) error { return errors.New("timeout") })
	require.Equal(t, "open", e.Breakers().Get("llm").State())
	clock.Advance(DefaultBreakerResetTimeout)

	calls := 0
	err := e.Execute(ctx, "llm", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("quota exceeded")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "closed", e.Breakers().Get("llm").State())
}

func TestExecutor_CallTimeout(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{MaxRetries: -1, CallTimeout: 20 * time.Millisecond})

	err := e.Execute(context.Background(), "compiler", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindRetryable))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "call timeout")
}

func TestExecutor_CanceledContext(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := e.Execute(ctx, "llm", func(context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.True(t, faults.Is(err, faults.KindFatal))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_ReturnsValue(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{})

	got, err := Do(context.Background(), e, "llm", func(context.Context) (string, error) {
		return "reply", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "reply", got)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.MaxDelay = 100 * time.Millisecond
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Multiplier = 0.5
	assert.Error(t, cfg.Validate())
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		rateLimit bool
	}{
		{"nil", nil, false, false},
		{"timeout", errors.New("request timed out"), true, false},
		{"econnrefused", errors.New("ECONNREFUSED"), true, false},
		{"503", errors.New("status 503"), true, false},
		{"429", errors.New("status 429"), true, true},
		{"quota", errors.New("Quota exceeded for model"), true, true},
		{"canceled", context.Canceled, false, false},
		{"deadline", context.DeadlineExceeded, true, false},
		{"auth", errors.New("unauthorized"), false, false},
		{"validation", faults.New(faults.KindValidation, "x", errors.New("timeout")), false, false},
		{"classified retryable", faults.New(faults.KindRetryable, "x", errors.New("boom")), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.rateLimit, IsRateLimit(tt.err))
		})
	}
}

func TestMetrics_RecordsRetries(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := NewMetrics(mp.Meter(instrumentationName), zaptest.NewLogger(t))

	e, _, _ := newTestExecutor(t, Config{}, WithMetrics(m))
	calls := 0
	require.NoError(t, e.Execute(context.Background(), "llm", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	}))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var retries int64
	foundDuration := false
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			switch metric.Name {
			case "roundtable.external_call.retries_total":
				sum, ok := metric.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					retries += dp.Value
				}
			case "roundtable.external_call.duration_seconds":
				foundDuration = true
			}
		}
	}
	assert.Equal(t, int64(2), retries)
	assert.True(t, foundDuration)
}

// Package resilience wraps external calls (LLM APIs, compilers) with retry,
// exponential backoff, rate-limit pauses, per-call timeouts and circuit breaking.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/roundtable/internal/faults"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Defaults.
const (
	DefaultMaxRetries          = 3
	DefaultInitialDelay        = time.Second
	DefaultMaxDelay            = 10 * time.Second
	DefaultMultiplier          = 2.0
	DefaultRateLimitPause      = 65 * time.Second
	DefaultCallTimeout         = 2 * time.Minute
	DefaultBreakerMaxFailures  = 5
	DefaultBreakerResetTimeout = 60 * time.Second
)

// ErrCircuitOpen is returned (wrapped in a faults.Error) while a breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures retry, backoff, pacing and circuit breaking.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `koanf:"max_retries"`

	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration `koanf:"initial_delay"`

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `koanf:"max_delay"`

	// Multiplier is the exponential backoff base.
	Multiplier float64 `koanf:"multiplier"`

	// RateLimitPause is the fixed wait after a rate-limit response.
	RateLimitPause time.Duration `koanf:"rate_limit_pause"`

	// CallTimeout bounds every single attempt.
	CallTimeout time.Duration `koanf:"call_timeout"`

	// BreakerMaxFailures is the consecutive failure count that opens a circuit.
	BreakerMaxFailures int `koanf:"breaker_max_failures"`

	// BreakerResetTimeout is how long an open circuit rejects calls.
	BreakerResetTimeout time.Duration `koanf:"breaker_reset_timeout"`

	// RequestsPerSecond paces attempts. Zero disables pacing.
	RequestsPerSecond float64 `koanf:"requests_per_second"`

	// Burst is the pacing burst size.
	Burst int `koanf:"burst"`
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          DefaultMaxRetries,
		InitialDelay:        DefaultInitialDelay,
		MaxDelay:            DefaultMaxDelay,
		Multiplier:          DefaultMultiplier,
		RateLimitPause:      DefaultRateLimitPause,
		CallTimeout:         DefaultCallTimeout,
		BreakerMaxFailures:  DefaultBreakerMaxFailures,
		BreakerResetTimeout: DefaultBreakerResetTimeout,
		Burst:               1,
	}
}

// ApplyDefaults sets default values for unset fields. MaxRetries of zero is
// kept only when explicitly negative (-1 means no retries).
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier == 0 {
		c.Multiplier = d.Multiplier
	}
	if c.RateLimitPause == 0 {
		c.RateLimitPause = d.RateLimitPause
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = d.BreakerMaxFailures
	}
	if c.BreakerResetTimeout == 0 {
		c.BreakerResetTimeout = d.BreakerResetTimeout
	}
	if c.Burst == 0 {
		c.Burst = d.Burst
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("max_delay (%s) must be >= initial_delay (%s)", c.MaxDelay, c.InitialDelay)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %v", c.Multiplier)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must be >= 0, got %v", c.RequestsPerSecond)
	}
	return nil
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor runs operations with retry, backoff and circuit breaking.
type Executor struct {
	cfg      Config
	breakers *BreakerSet
	limiter  *rate.Limiter
	logger   *zap.Logger
	metrics  *Metrics
	sleep    Sleeper
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the executor metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithSleeper replaces the wait function (tests use it to skip real backoff).
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		if s != nil {
			e.sleep = s
		}
	}
}

// WithClock replaces the clock used by the circuit breakers.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.breakers.now = now
		}
	}
}

// NewExecutor creates an executor. Unset config fields use defaults.
func NewExecutor(cfg Config, opts ...Option) *Executor {
	cfg.ApplyDefaults()

	e := &Executor{
		cfg:      cfg,
		breakers: NewBreakerSet(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout),
		logger:   zap.NewNop(),
		sleep:    sleepContext,
	}
	if cfg.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// Breakers returns the per-label circuit breakers.
func (e *Executor) Breakers() *BreakerSet { return e.breakers }

// Backoff returns min(initial * multiplier^attempt, max).
func (e *Executor) Backoff(attempt int) time.Duration {
	d := float64(e.cfg.InitialDelay) * math.Pow(e.cfg.Multiplier, float64(attempt))
	if d > float64(e.cfg.MaxDelay) || math.IsInf(d, 0) {
		return e.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Do runs op through the executor and returns its result.
func Do[T any](ctx context.Context, e *Executor, label string, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, label, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Execute runs op, retrying retryable failures with exponential backoff.
//
// Rate-limit failures pause for RateLimitPause and do not consume an attempt.
// Non-retryable failures return immediately. Failures are counted by the
// label's circuit breaker across calls; an open circuit rejects immediately.
func (e *Executor) Execute(ctx context.Context, label string, op func(context.Context) error) error {
	breaker := e.breakers.Get(label)
	start := time.Now()

	var lastErr error
	attempt := 0
	for attempt <= e.cfg.MaxRetries {
		if err := ctx.Err(); err != nil {
			return faults.New(faults.KindFatal, label, fmt.Errorf("operation canceled: %w", err))
		}

		if !breaker.Allow() {
			wait := int(math.Ceil(breaker.RetryAfter().Seconds()))
			e.metrics.recordRejected(ctx, label)
			e.logger.Warn("circuit open, rejecting call",
				zap.String("label", label),
				zap.Int("retry_after_seconds", wait),
			)
			return faults.New(faults.KindCircuitOpen, label,
				fmt.Errorf("%w: try again in %ds", ErrCircuitOpen, wait))
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				breaker.Release()
				return faults.New(faults.KindFatal, label, fmt.Errorf("pacing wait: %w", err))
			}
		}

		err := e.call(ctx, op)
		if err == nil {
			breaker.RecordSuccess()
			e.metrics.recordAttempt(ctx, label, "success", time.Since(start))
			if attempt > 0 {
				e.logger.Info("operation recovered after retries",
					zap.String("label", label),
					zap.Int("attempts", attempt+1),
					zap.Duration("total_time", time.Since(start)),
				)
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			breaker.Release()
			return faults.New(faults.KindFatal, label, fmt.Errorf("operation canceled: %w", ctx.Err()))
		}

		if isLocal(err) {
			breaker.Release()
			return err
		}

		if IsRateLimit(err) {
			breaker.Release()
			e.metrics.recordRateLimit(ctx, label)
			e.logger.Warn("rate limited, pausing without consuming an attempt",
				zap.String("label", label),
				zap.Int("attempt", attempt+1),
				zap.Duration("pause", e.cfg.RateLimitPause),
				zap.Error(err),
			)
			if err := e.sleep(ctx, e.cfg.RateLimitPause); err != nil {
				return faults.New(faults.KindFatal, label, fmt.Errorf("operation canceled: %w", err))
			}
			continue
		}

		breaker.RecordFailure()

		if !IsRetryable(err) {
			e.metrics.recordAttempt(ctx, label, "fatal", time.Since(start))
			e.logger.Debug("error is not retryable",
				zap.String("label", label),
				zap.Error(err),
			)
			var fe *faults.Error
			if errors.As(err, &fe) {
				return err
			}
			return faults.New(faults.KindFatal, label, err)
		}

		if attempt == e.cfg.MaxRetries {
			break
		}

		delay := e.Backoff(attempt)
		e.metrics.recordRetry(ctx, label)
		e.logger.Info("retrying after transient error",
			zap.String("label", label),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", e.cfg.MaxRetries+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return faults.New(faults.KindFatal, label, fmt.Errorf("operation canceled: %w", err))
		}
		attempt++
	}

	e.metrics.recordAttempt(ctx, label, "exhausted", time.Since(start))
	e.logger.Warn("operation failed after all retries exhausted",
		zap.String("label", label),
		zap.Int("total_attempts", e.cfg.MaxRetries+1),
		zap.Duration("total_time", time.Since(start)),
		zap.Error(lastErr),
	)
	return faults.New(faults.KindRetryable, label,
		fmt.Errorf("failed after %d retries: %w", e.cfg.MaxRetries, lastErr))
}

// call runs a single attempt under the per-call timeout.
func (e *Executor) call(ctx context.Context, op func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	err := op(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("call timeout after %s: %w", e.cfg.CallTimeout, err)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package resilience

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	circuitClosed   uint32 = 0
	circuitOpen     uint32 = 1
	circuitHalfOpen uint32 = 2
)

// CircuitBreaker short-circuits calls to a dependency after repeated failures.
//
// After threshold consecutive failures the circuit opens and every call is
// rejected until resetAfter has elapsed since the last failure. Then exactly
// one trial call is let through (half-open): success closes the circuit,
// failure reopens it and restarts the timeout.
type CircuitBreaker struct {
	failures    atomic.Int32
	threshold   int32
	resetAfter  time.Duration
	state       atomic.Uint32 // 0=closed, 1=open, 2=half-open
	lastFailure atomic.Int64  // Unix nano timestamp
	now         func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(threshold int, resetAfter time.Duration) *CircuitBreaker {
	return newCircuitBreaker(threshold, resetAfter, time.Now)
}

func newCircuitBreaker(threshold int, resetAfter time.Duration, now func() time.Time) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultBreakerMaxFailures
	}
	if resetAfter <= 0 {
		resetAfter = DefaultBreakerResetTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		threshold:  int32(threshold),
		resetAfter: resetAfter,
		now:        now,
	}
}

// Allow returns true if a call may proceed. In the open state, the first
// caller after the reset timeout wins the half-open trial.
func (cb *CircuitBreaker) Allow() bool {
	for {
		switch cb.state.Load() {
		case circuitOpen:
			if cb.now().Sub(time.Unix(0, cb.lastFailure.Load())) >= cb.resetAfter {
				if cb.state.CompareAndSwap(circuitOpen, circuitHalfOpen) {
					return true
				}
				continue
			}
			return false
		case circuitHalfOpen:
			return false
		default:
			return true
		}
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(circuitClosed)
}

// RecordFailure counts a failure and opens the circuit at the threshold.
// A failed half-open trial reopens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	for {
		current := cb.failures.Load()
		if current == math.MaxInt32 {
			break
		}
		if cb.failures.CompareAndSwap(current, current+1) {
			break
		}
	}

	if cb.failures.Load() >= cb.threshold || cb.state.Load() == circuitHalfOpen {
		if cb.state.CompareAndSwap(circuitClosed, circuitOpen) ||
			cb.state.CompareAndSwap(circuitHalfOpen, circuitOpen) {
			cb.lastFailure.Store(cb.now().UnixNano())
		}
	}
}

// Release returns a half-open trial that ended without a verdict (for
// example a rate-limit response) so the next caller can retry the trial.
func (cb *CircuitBreaker) Release() {
	cb.state.CompareAndSwap(circuitHalfOpen, circuitOpen)
}

// RetryAfter returns how long until the open circuit allows a trial call.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	if cb.state.Load() != circuitOpen {
		return 0
	}
	elapsed := cb.now().Sub(time.Unix(0, cb.lastFailure.Load()))
	if elapsed >= cb.resetAfter {
		return 0
	}
	return cb.resetAfter - elapsed
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() string {
	switch cb.state.Load() {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	return int(cb.failures.Load())
}

// BreakerSnapshot is a point-in-time view of a circuit breaker.
type BreakerSnapshot struct {
	Label               string    `json:"label"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
	RetryAfterSeconds   int       `json:"retry_after_seconds,omitempty"`
}

// Snapshot returns the breaker state for reporting.
func (cb *CircuitBreaker) Snapshot(label string) BreakerSnapshot {
	s := BreakerSnapshot{
		Label:               label,
		State:               cb.State(),
		ConsecutiveFailures: cb.Failures(),
		RetryAfterSeconds:   int(math.Ceil(cb.RetryAfter().Seconds())),
	}
	if ns := cb.lastFailure.Load(); ns != 0 {
		s.LastFailureTime = time.Unix(0, ns).UTC()
	}
	return s
}

// BreakerSet holds one circuit breaker per protected dependency label.
type BreakerSet struct {
	mu         sync.Mutex
	breakers   map[string]*CircuitBreaker
	threshold  int
	resetAfter time.Duration
	now        func() time.Time
}

// NewBreakerSet creates an empty set; breakers are created on first use.
func NewBreakerSet(threshold int, resetAfter time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers:   make(map[string]*CircuitBreaker),
		threshold:  threshold,
		resetAfter: resetAfter,
		now:        time.Now,
	}
}

// Get returns the breaker for label, creating it if needed.
func (s *BreakerSet) Get(label string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[label]
	if !ok {
		cb = newCircuitBreaker(s.threshold, s.resetAfter, s.now)
		s.breakers[label] = cb
	}
	return cb
}

// Snapshots returns every breaker's state sorted by label.
func (s *BreakerSet) Snapshots() []BreakerSnapshot {
	s.mu.Lock()
	labels := make([]string, 0, len(s.breakers))
	for label := range s.breakers {
		labels = append(labels, label)
	}
	s.mu.Unlock()

	sort.Strings(labels)
	out := make([]BreakerSnapshot, 0, len(labels))
	for _, label := range labels {
		out = append(out, s.Get(label).Snapshot(label))
	}
	return out
}

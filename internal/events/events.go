// Package events publishes orchestration events to pluggable sinks.
//
// Components never toggle logging globally; they publish typed events to the
// Sink they were constructed with. Sinks fan out to the log, an in-memory
// recorder (tests and the status server) and NATS.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names an event.
type Type string

const (
	TurnCompleted    Type = "turn.completed"
	HandoffFallback  Type = "handoff.fallback"
	ConsensusReached Type = "consensus.reached"
	PhaseTransition  Type = "phase.transition"
	PhaseForced      Type = "phase.forced"
	CycleCompleted   Type = "cycle.completed"
	CacheRejected    Type = "cache.rejected"
)

// Event is a single orchestration event.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	RunID     string         `json:"run_id"`
	RunNumber int            `json:"run_number"`
	Actor     string         `json:"actor,omitempty"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

// New creates an event with a fresh ID.
func New(typ Type, runID string, runNumber int, actor string, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		RunID:     runID,
		RunNumber: runNumber,
		Actor:     actor,
		Time:      time.Now().UTC(),
		Data:      data,
	}
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

// Publish implements Sink.
func (Nop) Publish(context.Context, Event) error { return nil }

// LogSink writes events to a zap logger. Fallbacks and forced transitions
// are logged at WARN, everything else at INFO.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("event.id", e.ID),
		zap.String("run.id", e.RunID),
		zap.Int("cycle.number", e.RunNumber),
	}
	if e.Actor != "" {
		fields = append(fields, zap.String("actor.id", e.Actor))
	}
	if len(e.Data) > 0 {
		fields = append(fields, zap.Any("data", e.Data))
	}

	switch e.Type {
	case HandoffFallback, PhaseForced, CacheRejected:
		s.logger.Warn(string(e.Type), fields...)
	default:
		s.logger.Info(string(e.Type), fields...)
	}
	return nil
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder keeps at most limit events (0 means unbounded).
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Publish implements Sink.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append([]Event(nil), r.events[len(r.events)-r.limit:]...)
	}
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of typ.
func (r *Recorder) OfType(typ Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package contextstore persists the durable state of a run and renders
// briefings from it.
//
// The snapshot is a single JSON document written atomically after every
// cycle. Before each save the context is summarized so the snapshot stays
// bounded, and free text is passed through an optional Redactor.
//
// Running two processes against the same snapshot is not supported; callers
// take the snapshot lock (AcquireLock) for the duration of a run.
package contextstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrSnapshotCorrupted is returned when the snapshot cannot be decoded.
	ErrSnapshotCorrupted = errors.New("context snapshot corrupted")

	// ErrInvalidOverride is returned for an override that names an unknown
	// phase or target.
	ErrInvalidOverride = errors.New("invalid override")
)

// Redactor scrubs secrets from free text before it is persisted.
type Redactor interface {
	Redact(text string) string
}

// Store loads and saves the context snapshot.
type Store struct {
	path     string
	limits   Limits
	redactor Redactor
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLimits sets the summarization limits.
func WithLimits(l Limits) Option {
	return func(s *Store) { s.limits = l.withDefaults() }
}

// WithRedactor sets the redactor applied on save.
func WithRedactor(r Redactor) Option {
	return func(s *Store) { s.redactor = r }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces the store clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a store for the snapshot at path.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		limits: DefaultLimits(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the snapshot path.
func (s *Store) Path() string { return s.path }

// Load reads the snapshot. It returns nil, nil when no snapshot exists,
// which means a fresh run #1.
func (s *Store) Load() (*CycleContext, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read context snapshot: %w", err)
	}

	var c CycleContext
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}
	c.EnsureActors(nil)
	if c.KeyDecisions == nil {
		c.KeyDecisions = []string{}
	}

	s.logger.Debug("context snapshot loaded",
		zap.String("path", s.path),
		zap.Int("run_number", c.RunNumber),
		zap.String("phase", string(c.Phase)),
	)
	return &c, nil
}

// Save summarizes and redacts c in place, then writes it atomically.
func (s *Store) Save(c *CycleContext) error {
	summarized := SummarizeWithLimits(c, s.limits)
	s.redact(summarized)
	summarized.UpdatedAt = s.now().UTC()
	*c = *summarized

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal context snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write context snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename context snapshot: %w", err)
	}

	s.logger.Debug("context snapshot saved",
		zap.String("path", s.path),
		zap.Int("run_number", c.RunNumber),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func (s *Store) redact(c *CycleContext) {
	if s.redactor == nil {
		return
	}
	for i, d := range c.KeyDecisions {
		c.KeyDecisions[i] = s.redactor.Redact(d)
	}
	for i := range c.History {
		c.History[i].Summary = s.redactor.Redact(c.History[i].Summary)
	}
	for i := range c.CodeChanges {
		c.CodeChanges[i].Content = s.redactor.Redact(c.CodeChanges[i].Content)
	}
	if c.LastOverride != nil {
		c.LastOverride.Reason = s.redactor.Redact(c.LastOverride.Reason)
	}
}

// Briefing renders c after redaction, without modifying it.
func (s *Store) Briefing(c *CycleContext) string {
	text := GenerateBriefing(c)
	if s.redactor != nil {
		text = s.redactor.Redact(text)
	}
	return text
}

// ForceTransition applies an override to c. This is the manual escape hatch
// that bypasses organic consensus and is logged as such.
func (s *Store) ForceTransition(c *CycleContext, o Override, roster []string) error {
	if err := o.Validate(roster); err != nil {
		return err
	}

	from := c.Phase
	if o.Phase != "" {
		c.Phase = o.Phase
	}
	if o.NextAction != nil {
		c.NextAction = *o.NextAction
	}
	if o.SynthesizeConsensus {
		c.ConsensusSignals = make(map[string]Signal, len(roster))
		for _, id := range roster {
			c.ConsensusSignals[id] = SignalAgree
		}
		c.SignalsSynthesized = true
	}
	if o.AuthorizeApply {
		c.ApplyAuthorized = true
	}
	c.LastOverride = &OverrideRecord{
		FromPhase:           from,
		ToPhase:             c.Phase,
		Reason:              o.Reason,
		SynthesizeConsensus: o.SynthesizeConsensus,
		AuthorizeApply:      o.AuthorizeApply,
		AppliedAt:           s.now().UTC(),
		RunNumber:           c.RunNumber,
	}

	s.logger.Warn("forced phase transition",
		zap.String("source", "override"),
		zap.String("from_phase", string(from)),
		zap.String("to_phase", string(c.Phase)),
		zap.Bool("synthesize_consensus", o.SynthesizeConsensus),
		zap.Bool("authorize_apply", o.AuthorizeApply),
		zap.String("reason", o.Reason),
	)
	return nil
}

// Authorize allows code_review to move on to apply_changes.
func (s *Store) Authorize(c *CycleContext, reason string) {
	c.ApplyAuthorized = true
	s.logger.Info("apply authorized",
		zap.Int("run_number", c.RunNumber),
		zap.String("phase", string(c.Phase)),
		zap.String("reason", reason),
	)
}

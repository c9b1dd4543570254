package orchestrator

import (
	"errors"
	"fmt"
	"math"

	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
	"github.com/fyrsmithlabs/roundtable/internal/faults"
)

const (
	// DefaultMaxCycleTurns bounds the turns in a single cycle.
	DefaultMaxCycleTurns = 30

	// DefaultBaseTurnLimit is the turn limiter's base limit per actor.
	DefaultBaseTurnLimit = 6

	// DefaultSelfHandoffCap is the number of consecutive self handoffs allowed.
	DefaultSelfHandoffCap = 3

	// DefaultMaxCycles is the Runner's ceiling when none is given.
	DefaultMaxCycles = 1

	// consensusRatio derives the default threshold (4 of 5).
	consensusRatio = 0.8

	// maxFeedbackChars caps file content echoed back to an actor.
	maxFeedbackChars = 4000
)

var (
	// ErrEmptyRoster is returned when a controller has no actors.
	ErrEmptyRoster = errors.New("roster is empty")

	// ErrDuplicateActor is returned when two actors share an id.
	ErrDuplicateActor = errors.New("duplicate actor id")

	// ErrNoProgress is returned when the cycle ceiling is hit without any
	// cycle making progress.
	ErrNoProgress = errors.New("max cycles reached without progress")
)

// Config configures the controller and runner.
type Config struct {
	// MaxCycleTurns bounds the turns in one cycle.
	MaxCycleTurns int `koanf:"max_cycle_turns"`

	// BaseTurnLimit is passed to the turn limiter.
	BaseTurnLimit int `koanf:"base_turn_limit"`

	// SelfHandoffCap is the number of consecutive self handoffs allowed
	// before the controller forces a fallback.
	SelfHandoffCap int `koanf:"self_handoff_cap"`

	// ConsensusThreshold is the number of agree signals required. Zero
	// derives ceil(0.8 * len(roster)).
	ConsensusThreshold int `koanf:"consensus_threshold"`

	// ResetSignalsAfterOverride clears synthesized agreement before the
	// first organic evaluation after a forced transition.
	ResetSignalsAfterOverride bool `koanf:"reset_signals_after_override"`

	// MaxCycles is the Runner's ceiling.
	MaxCycles int `koanf:"max_cycles"`

	// OverridePath is the override record read at cycle boundaries.
	OverridePath string `koanf:"override_path"`

	// WatchOverride applies override records written while a run is in
	// progress.
	WatchOverride bool `koanf:"watch_override"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxCycleTurns:             DefaultMaxCycleTurns,
		BaseTurnLimit:             DefaultBaseTurnLimit,
		SelfHandoffCap:            DefaultSelfHandoffCap,
		ResetSignalsAfterOverride: true,
		MaxCycles:                 DefaultMaxCycles,
		OverridePath:              ".roundtable/override.json",
	}
}

// Validate checks the configuration against a roster of rosterSize actors.
func (c Config) Validate(rosterSize int) error {
	if c.MaxCycleTurns < 1 {
		return fmt.Errorf("max_cycle_turns must be >= 1, got %d", c.MaxCycleTurns)
	}
	if c.BaseTurnLimit < 1 {
		return fmt.Errorf("base_turn_limit must be >= 1, got %d", c.BaseTurnLimit)
	}
	if c.SelfHandoffCap < 0 {
		return fmt.Errorf("self_handoff_cap must be >= 0, got %d", c.SelfHandoffCap)
	}
	if c.ConsensusThreshold < 0 || (rosterSize > 0 && c.ConsensusThreshold > rosterSize) {
		return fmt.Errorf("consensus_threshold must be between 0 and %d, got %d", rosterSize, c.ConsensusThreshold)
	}
	if c.MaxCycles < 1 {
		return fmt.Errorf("max_cycles must be >= 1, got %d", c.MaxCycles)
	}
	return nil
}

// Threshold returns the consensus threshold for a roster of n actors.
func (c Config) Threshold(n int) int {
	if c.ConsensusThreshold > 0 {
		return c.ConsensusThreshold
	}
	return int(math.Ceil(consensusRatio * float64(n)))
}

// StopReason says why a cycle ended.
type StopReason string

const (
	StopTurnBudget StopReason = "turn budget exhausted"
	StopExhausted  StopReason = "all actors exhausted"
	StopConsensus  StopReason = "consensus reached"
	StopTerminal   StopReason = "terminal handoff"
	StopAborted    StopReason = "aborted"
)

// Transition is a phase change made during a cycle.
type Transition struct {
	From   contextstore.Phase `json:"from"`
	To     contextstore.Phase `json:"to"`
	Gate   string             `json:"gate"`
	Forced bool               `json:"forced,omitempty"`
}

// CycleResult describes a finished cycle.
type CycleResult struct {
	RunNumber       int                `json:"run_number"`
	StartPhase      contextstore.Phase `json:"start_phase"`
	EndPhase        contextstore.Phase `json:"end_phase"`
	Stop            StopReason         `json:"stop"`
	Turns           int                `json:"turns"`
	ProductiveTurns int                `json:"productive_turns"`
	FailedTurns     int                `json:"failed_turns"`
	Fallbacks       int                `json:"fallbacks"`
	SignalChanges   int                `json:"signal_changes"`
	Decisions       int                `json:"decisions"`
	Transitions     []Transition       `json:"transitions,omitempty"`
	Cost            float64            `json:"cost"`
	NextActor       string             `json:"next_actor"`
}

// Progress reports whether the cycle moved the run forward.
func (r *CycleResult) Progress() bool {
	return r.ProductiveTurns > 0 || r.SignalChanges > 0 || r.Decisions > 0 || len(r.Transitions) > 0
}

// Terminal reports whether an actor ended the run.
func (r *CycleResult) Terminal() bool {
	return r.Stop == StopTerminal
}

func noProgressError(cycles int) error {
	return faults.New(faults.KindFatal, "runner", fmt.Errorf("%w (%d cycles)", ErrNoProgress, cycles))
}

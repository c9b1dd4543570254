package contextstore

import (
	"fmt"
	"sort"
	"time"
)

// Phase is a stage of the run.
type Phase string

const (
	// PhaseDiscussion is open discussion until the roster agrees
	PhaseDiscussion Phase = "discussion"

	// PhaseCodeReview reviews proposed changes until apply is authorized
	PhaseCodeReview Phase = "code_review"

	// PhaseApplyChanges applies the reviewed changes to the workspace
	PhaseApplyChanges Phase = "apply_changes"

	// PhaseTesting verifies the applied changes
	PhaseTesting Phase = "testing"
)

// AllPhases returns all phases in order.
func AllPhases() []Phase {
	return []Phase{PhaseDiscussion, PhaseCodeReview, PhaseApplyChanges, PhaseTesting}
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	for _, known := range AllPhases() {
		if p == known {
			return true
		}
	}
	return false
}

// Signal is an actor's consensus signal.
type Signal string

const (
	SignalAgree    Signal = "agree"
	SignalBuilding Signal = "building"
	SignalDisagree Signal = "disagree"
)

// Valid reports whether s is a known signal.
func (s Signal) Valid() bool {
	switch s {
	case SignalAgree, SignalBuilding, SignalDisagree:
		return true
	}
	return false
}

// TerminalTarget is the handoff target that ends the run.
const TerminalTarget = "orchestrator-complete"

// ActorState holds an actor's counters. Turn counters reset every cycle;
// cost and tokens accumulate for the whole run.
type ActorState struct {
	ID                    string  `json:"id"`
	TurnsTaken            int     `json:"turns_taken"`
	ProductiveTurns       int     `json:"productive_turns"`
	FileReads             int     `json:"file_reads"`
	FileEdits             int     `json:"file_edits"`
	FileWrites            int     `json:"file_writes"`
	ConsecutiveSelfPasses int     `json:"consecutive_self_passes"`
	TotalCost             float64 `json:"total_cost"`
	TotalTokens           int     `json:"total_tokens"`
}

// ResetTurnCounters clears the per-cycle counters.
func (a *ActorState) ResetTurnCounters() {
	a.TurnsTaken = 0
	a.ProductiveTurns = 0
	a.FileReads = 0
	a.FileEdits = 0
	a.FileWrites = 0
	a.ConsecutiveSelfPasses = 0
}

// ChangeAction is the kind of file change.
type ChangeAction string

const (
	ChangeWrite ChangeAction = "write"
	ChangeEdit  ChangeAction = "edit"
)

// ChangeStatus tracks a proposed change.
type ChangeStatus string

const (
	ChangePending  ChangeStatus = "pending"
	ChangeApplied  ChangeStatus = "applied"
	ChangeRejected ChangeStatus = "rejected"
)

// Edit is a find/replace pair.
type Edit struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
}

// CodeChange is a file change proposed or applied by an actor.
type CodeChange struct {
	File       string       `json:"file"`
	Action     ChangeAction `json:"action"`
	Content    string       `json:"content,omitempty"`
	Edits      []Edit       `json:"edits,omitempty"`
	Status     ChangeStatus `json:"status"`
	ProposedBy string       `json:"proposed_by,omitempty"`
	RunNumber  int          `json:"run_number"`
	Truncated  bool         `json:"truncated,omitempty"`
}

// HistoryEntry summarizes one completed cycle. Archived entries stand in for
// ArchivedCount older cycles, runs FromRun through RunNumber.
type HistoryEntry struct {
	RunNumber     int     `json:"run_number"`
	Phase         Phase   `json:"phase"`
	Summary       string  `json:"summary"`
	Cost          float64 `json:"cost"`
	Turns         int     `json:"turns,omitempty"`
	Archived      bool    `json:"archived,omitempty"`
	ArchivedCount int     `json:"archived_count,omitempty"`
	FromRun       int     `json:"from_run,omitempty"`
}

// NextActionType says what the next cycle should do.
type NextActionType string

const (
	NextContinue NextActionType = "continue"
	NextComplete NextActionType = "complete"
)

// NextAction names the actor that opens the next cycle.
type NextAction struct {
	Type        NextActionType `json:"type"`
	Reason      string         `json:"reason"`
	TargetActor string         `json:"target_actor"`
}

// OverrideRecord is the audit record of the last forced transition.
type OverrideRecord struct {
	FromPhase           Phase     `json:"from_phase"`
	ToPhase             Phase     `json:"to_phase"`
	Reason              string    `json:"reason"`
	SynthesizeConsensus bool      `json:"synthesize_consensus"`
	AuthorizeApply      bool      `json:"authorize_apply"`
	AppliedAt           time.Time `json:"applied_at"`
	RunNumber           int       `json:"run_number"`
}

// CycleContext is the durable state of a run.
type CycleContext struct {
	RunID            string                 `json:"run_id"`
	RunNumber        int                    `json:"run_number"`
	Phase            Phase                  `json:"phase"`
	ConsensusSignals map[string]Signal      `json:"consensus_signals"`
	KeyDecisions     []string               `json:"key_decisions"`
	CodeChanges      []CodeChange           `json:"code_changes"`
	ActorStates      map[string]*ActorState `json:"actor_states"`
	History          []HistoryEntry         `json:"history"`
	NextAction       NextAction             `json:"next_action"`

	// ApplyAuthorized gates code_review -> apply_changes.
	ApplyAuthorized bool `json:"apply_authorized"`

	// SignalsSynthesized is set when a forced transition synthesized agreement.
	SignalsSynthesized bool `json:"signals_synthesized,omitempty"`

	LastOverride *OverrideRecord `json:"last_override,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// New creates the context of a fresh run #1.
func New(runID string, roster []string) *CycleContext {
	c := &CycleContext{
		RunID:            runID,
		RunNumber:        1,
		Phase:            PhaseDiscussion,
		ConsensusSignals: make(map[string]Signal),
		KeyDecisions:     []string{},
		CodeChanges:      []CodeChange{},
		ActorStates:      make(map[string]*ActorState),
		History:          []HistoryEntry{},
	}
	c.EnsureActors(roster)
	if len(roster) > 0 {
		c.NextAction = NextAction{Type: NextContinue, Reason: "fresh run", TargetActor: roster[0]}
	}
	return c
}

// EnsureActors adds missing actor states, replaces null ones and
// initializes nil maps.
func (c *CycleContext) EnsureActors(roster []string) {
	if c.ConsensusSignals == nil {
		c.ConsensusSignals = make(map[string]Signal)
	}
	if c.ActorStates == nil {
		c.ActorStates = make(map[string]*ActorState)
	}
	for id, st := range c.ActorStates {
		if st == nil {
			c.ActorStates[id] = &ActorState{ID: id}
		}
	}
	for _, id := range roster {
		if c.ActorStates[id] == nil {
			c.ActorStates[id] = &ActorState{ID: id}
		}
	}
}

// Actor returns the state for id, creating it if needed.
func (c *CycleContext) Actor(id string) *ActorState {
	c.EnsureActors([]string{id})
	return c.ActorStates[id]
}

// AgreeCount returns the number of actors currently signalling agree.
func (c *CycleContext) AgreeCount() int {
	n := 0
	for _, s := range c.ConsensusSignals {
		if s == SignalAgree {
			n++
		}
	}
	return n
}

// ClearSignals resets every consensus signal.
func (c *CycleContext) ClearSignals() {
	c.ConsensusSignals = make(map[string]Signal)
	c.SignalsSynthesized = false
}

// PendingChanges returns the number of changes still pending.
func (c *CycleContext) PendingChanges() int {
	n := 0
	for _, ch := range c.CodeChanges {
		if ch.Status == ChangePending {
			n++
		}
	}
	return n
}

// TotalCost sums actor costs for the run.
func (c *CycleContext) TotalCost() float64 {
	total := 0.0
	for _, id := range c.actorIDs() {
		total += c.ActorStates[id].TotalCost
	}
	return total
}

// Validate checks structural invariants of a loaded context.
func (c *CycleContext) Validate() error {
	if c.RunNumber < 1 {
		return fmt.Errorf("run_number must be >= 1, got %d", c.RunNumber)
	}
	if !c.Phase.Valid() {
		return fmt.Errorf("unknown phase %q", c.Phase)
	}
	for actor, s := range c.ConsensusSignals {
		if !s.Valid() {
			return fmt.Errorf("unknown signal %q for actor %s", s, actor)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c *CycleContext) Clone() *CycleContext {
	out := *c
	out.ConsensusSignals = make(map[string]Signal, len(c.ConsensusSignals))
	for k, v := range c.ConsensusSignals {
		out.ConsensusSignals[k] = v
	}
	out.KeyDecisions = append([]string{}, c.KeyDecisions...)
	out.CodeChanges = make([]CodeChange, len(c.CodeChanges))
	for i, ch := range c.CodeChanges {
		ch.Edits = append([]Edit(nil), ch.Edits...)
		out.CodeChanges[i] = ch
	}
	out.ActorStates = make(map[string]*ActorState, len(c.ActorStates))
	for k, v := range c.ActorStates {
		st := *v
		out.ActorStates[k] = &st
	}
	out.History = append([]HistoryEntry{}, c.History...)
	if c.LastOverride != nil {
		o := *c.LastOverride
		out.LastOverride = &o
	}
	return &out
}

func (c *CycleContext) actorIDs() []string {
	ids := make([]string, 0, len(c.ActorStates))
	for id := range c.ActorStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

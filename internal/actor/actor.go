// Package actor defines the capability the cycle controller drives, plus a
// scripted implementation and an LLM-backed one.
package actor

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
)

// Kind is the kind of action an actor takes in a turn.
type Kind string

const (
	KindFileRead  Kind = "file_read"
	KindFileEdit  Kind = "file_edit"
	KindFileWrite Kind = "file_write"
	KindConsensus Kind = "consensus"
)

// Valid reports whether k is a known action kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFileRead, KindFileEdit, KindFileWrite, KindConsensus:
		return true
	}
	return false
}

// Usage is the cost of producing an action.
type Usage struct {
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// Action is what an actor decided to do this turn. Every action carries a
// handoff target and reasoning.
type Action struct {
	Kind        Kind                `json:"kind"`
	Path        string              `json:"path,omitempty"`
	Edits       []contextstore.Edit `json:"edits,omitempty"`
	Content     string              `json:"content,omitempty"`
	Signal      contextstore.Signal `json:"signal,omitempty"`
	TargetActor string              `json:"target_actor"`
	Reasoning   string              `json:"reasoning"`

	// Decision, when set, is recorded as a key decision.
	Decision string `json:"decision,omitempty"`

	Usage Usage `json:"-"`
}

// Validate checks that the action's fields match its kind.
func (a Action) Validate() error {
	if !a.Kind.Valid() {
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	switch a.Kind {
	case KindFileRead, KindFileWrite, KindFileEdit:
		if a.Path == "" {
			return fmt.Errorf("%s requires a path", a.Kind)
		}
	case KindConsensus:
		if !a.Signal.Valid() {
			return fmt.Errorf("consensus requires a signal, got %q", a.Signal)
		}
	}
	return nil
}

// Request is the input to a turn.
type Request struct {
	RunNumber           int                            `json:"run_number"`
	Roster              []string                       `json:"roster"`
	AvailableTargets    []string                       `json:"available_targets"`
	Phase               contextstore.Phase             `json:"phase"`
	Briefing            string                         `json:"briefing"`
	Signals             map[string]contextstore.Signal `json:"signals"`
	TurnBudgetRemaining int                            `json:"turn_budget_remaining"`

	// Feedback reports the outcome of the actor's previous turn, such as a
	// rejected path or the content of a file it read.
	Feedback string `json:"feedback,omitempty"`
}

// TurnRecord is the outcome of a turn, reported back to the actor.
type TurnRecord struct {
	RunNumber  int
	Action     Action
	Productive bool
	Err        error
}

// Snapshot is an actor's own view of its state, for persistence and
// diagnostics.
type Snapshot struct {
	ID         string   `json:"id"`
	Turns      int      `json:"turns"`
	Failures   int      `json:"failures"`
	LastKind   Kind     `json:"last_kind,omitempty"`
	LastTarget string   `json:"last_target,omitempty"`
	Notes      []string `json:"notes,omitempty"`
}

// Actor is an autonomous participant in the roundtable.
type Actor interface {
	ID() string

	// CanAct reports whether the actor takes part in phase.
	CanAct(phase contextstore.Phase) bool

	// Act produces the action for one turn.
	Act(ctx context.Context, req Request) (Action, error)

	// RecordTurn reports the outcome of the actor's turn.
	RecordTurn(rec TurnRecord)

	SnapshotState() Snapshot
}

// Dependency is implemented by actors whose calls go to a shared external
// service. The controller uses it as the circuit breaker label.
type Dependency interface {
	Dependency() string
}

// DependencyLabel returns the breaker label for a.
func DependencyLabel(a Actor) string {
	if d, ok := a.(Dependency); ok {
		return d.Dependency()
	}
	return "actor:" + a.ID()
}

func phaseAllowed(phases []contextstore.Phase, phase contextstore.Phase) bool {
	if len(phases) == 0 {
		return true
	}
	for _, p := range phases {
		if p == phase {
			return true
		}
	}
	return false
}

package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
)

// Step is one scripted turn: an action, or an error returned instead.
type Step struct {
	Action Action
	Err    error
}

// Scripted replays a fixed list of steps. Once the script runs out it keeps
// signalling Fallback with no handoff target.
type Scripted struct {
	id     string
	phases []contextstore.Phase

	mu       sync.Mutex
	steps    []Step
	next     int
	fallback contextstore.Signal
	requests []Request
	snap     Snapshot
}

// NewScripted creates a scripted actor. phases limits the phases it acts in;
// none means all.
func NewScripted(id string, steps []Step, phases ...contextstore.Phase) *Scripted {
	return &Scripted{
		id:       id,
		phases:   phases,
		steps:    steps,
		fallback: contextstore.SignalBuilding,
		snap:     Snapshot{ID: id},
	}
}

// WithFallback sets the signal used after the script is exhausted.
func (s *Scripted) WithFallback(signal contextstore.Signal) *Scripted {
	s.fallback = signal
	return s
}

// ID implements Actor.
func (s *Scripted) ID() string { return s.id }

// CanAct implements Actor.
func (s *Scripted) CanAct(phase contextstore.Phase) bool {
	return phaseAllowed(s.phases, phase)
}

// Act implements Actor.
func (s *Scripted) Act(ctx context.Context, req Request) (Action, error) {
	if err := ctx.Err(); err != nil {
		return Action{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	if s.next >= len(s.steps) {
		return Action{
			Kind:      KindConsensus,
			Signal:    s.fallback,
			Reasoning: "script exhausted",
		}, nil
	}
	step := s.steps[s.next]
	s.next++
	return step.Action, step.Err
}

// RecordTurn implements Actor.
func (s *Scripted) RecordTurn(rec TurnRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Turns++
	if rec.Err != nil {
		s.snap.Failures++
		return
	}
	s.snap.LastKind = rec.Action.Kind
	s.snap.LastTarget = rec.Action.TargetActor
}

// SnapshotState implements Actor.
func (s *Scripted) SnapshotState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Requests returns the requests the actor received.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// LoadScript reads a JSON array of actions for a scripted actor.
func LoadScript(path string) ([]Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	var actions []Action
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("parsing script %s: %w", path, err)
	}
	steps := make([]Step, 0, len(actions))
	for i, a := range actions {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("script %s step %d: %w", path, i, err)
		}
		steps = append(steps, Step{Action: a})
	}
	return steps, nil
}

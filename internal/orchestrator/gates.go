package orchestrator

import (
	"fmt"

	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
)

// PhaseGate guards the transition out of one phase into the next.
type PhaseGate interface {
	// Name returns the gate identifier
	Name() string

	// From returns the phase the gate leads out of
	From() contextstore.Phase

	// To returns the phase the gate leads into
	To() contextstore.Phase

	// Check reports whether the transition may happen, and why not.
	Check(c *contextstore.CycleContext) (bool, string)
}

// ConsensusGate moves discussion to code_review once enough actors agree.
type ConsensusGate struct {
	threshold int
}

// NewConsensusGate creates a consensus gate requiring threshold agree signals.
func NewConsensusGate(threshold int) *ConsensusGate {
	return &ConsensusGate{threshold: threshold}
}

// Name returns the gate identifier
func (g *ConsensusGate) Name() string { return "consensus" }

// From returns discussion
func (g *ConsensusGate) From() contextstore.Phase { return contextstore.PhaseDiscussion }

// To returns code_review
func (g *ConsensusGate) To() contextstore.Phase { return contextstore.PhaseCodeReview }

// Threshold returns the number of agree signals required.
func (g *ConsensusGate) Threshold() int { return g.threshold }

// Check reports whether consensus has been reached.
func (g *ConsensusGate) Check(c *contextstore.CycleContext) (bool, string) {
	if ConsensusReached(c, g.threshold) {
		return true, ""
	}
	return false, fmt.Sprintf("%d of %d required agree signals", c.AgreeCount(), g.threshold)
}

// ApprovalGate moves code_review to apply_changes once applying is authorized.
type ApprovalGate struct{}

// NewApprovalGate creates an approval gate.
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{}
}

// Name returns the gate identifier
func (g *ApprovalGate) Name() string { return "approval" }

// From returns code_review
func (g *ApprovalGate) From() contextstore.Phase { return contextstore.PhaseCodeReview }

// To returns apply_changes
func (g *ApprovalGate) To() contextstore.Phase { return contextstore.PhaseApplyChanges }

// Check reports whether applying has been authorized.
func (g *ApprovalGate) Check(c *contextstore.CycleContext) (bool, string) {
	if c.ApplyAuthorized {
		return true, ""
	}
	return false, "apply not authorized"
}

// AppliedGate moves apply_changes to testing once nothing is pending.
type AppliedGate struct{}

// NewAppliedGate creates an applied gate.
func NewAppliedGate() *AppliedGate {
	return &AppliedGate{}
}

// Name returns the gate identifier
func (g *AppliedGate) Name() string { return "changes-applied" }

// From returns apply_changes
func (g *AppliedGate) From() contextstore.Phase { return contextstore.PhaseApplyChanges }

// To returns testing
func (g *AppliedGate) To() contextstore.Phase { return contextstore.PhaseTesting }

// Check reports whether every code change has left the pending state.
func (g *AppliedGate) Check(c *contextstore.CycleContext) (bool, string) {
	if n := c.PendingChanges(); n > 0 {
		return false, fmt.Sprintf("%d changes pending", n)
	}
	return true, ""
}

// DefaultGates returns the standard gate chain for a consensus threshold.
func DefaultGates(threshold int) []PhaseGate {
	return []PhaseGate{
		NewConsensusGate(threshold),
		NewApprovalGate(),
		NewAppliedGate(),
	}
}

// gateFor returns the gate leading out of phase, if any.
func gateFor(gates []PhaseGate, phase contextstore.Phase) (PhaseGate, bool) {
	for _, g := range gates {
		if g.From() == phase {
			return g, true
		}
	}
	return nil, false
}

package orchestrator

import (
	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
)

// setSignal records an actor's signal and reports whether it changed.
func setSignal(c *contextstore.CycleContext, actorID string, s contextstore.Signal) bool {
	if c.ConsensusSignals == nil {
		c.ConsensusSignals = make(map[string]contextstore.Signal)
	}
	prev, ok := c.ConsensusSignals[actorID]
	c.ConsensusSignals[actorID] = s
	return !ok || prev != s
}

// signalsSnapshot copies the signals for a turn request.
func signalsSnapshot(c *contextstore.CycleContext) map[string]contextstore.Signal {
	out := make(map[string]contextstore.Signal, len(c.ConsensusSignals))
	for k, v := range c.ConsensusSignals {
		out[k] = v
	}
	return out
}

// ConsensusReached reports whether at least threshold actors agree.
func ConsensusReached(c *contextstore.CycleContext, threshold int) bool {
	return threshold > 0 && c.AgreeCount() >= threshold
}

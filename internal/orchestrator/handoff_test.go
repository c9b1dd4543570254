package orchestrator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
	"github.com/fyrsmithlabs/roundtable/internal/faults"
)

func exhaustedSet(ids ...string) func(string) bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(id string) bool { return set[id] }
}

func TestResolveHandoff(t *testing.T) {
	roster := []string{"a", "b", "c"}

	tests := []struct {
		name       string
		current    string
		requested  string
		selfPasses int
		exhausted  func(string) bool
		wantNext   string
		wantErr    error
		terminal   bool
	}{
		{name: "valid target", current: "a", requested: "c", exhausted: exhaustedSet(), wantNext: "c"},
		{name: "terminal", current: "b", requested: contextstore.TerminalTarget, exhausted: exhaustedSet(), wantNext: contextstore.TerminalTarget, terminal: true},
		{name: "unknown target falls back to next", current: "a", requested: "mallory", exhausted: exhaustedSet(), wantNext: "b", wantErr: ErrUnknownTarget},
		{name: "fallback wraps around", current: "c", requested: "mallory", exhausted: exhaustedSet(), wantNext: "a", wantErr: ErrUnknownTarget},
		{name: "empty target", current: "b", requested: "", exhausted: exhaustedSet(), wantNext: "c", wantErr: ErrNoTarget},
		{name: "exhausted target", current: "a", requested: "c", exhausted: exhaustedSet("c"), wantNext: "b", wantErr: ErrTargetExhausted},
		{name: "fallback skips exhausted", current: "a", requested: "mallory", exhausted: exhaustedSet("b"), wantNext: "c", wantErr: ErrUnknownTarget},
		{name: "self within cap", current: "a", requested: "a", selfPasses: 3, exhausted: exhaustedSet(), wantNext: "a"},
		{name: "self over cap", current: "a", requested: "a", selfPasses: 4, exhausted: exhaustedSet(), wantNext: "b", wantErr: ErrSelfHandoffCap},
		{name: "self over cap never returns self", current: "a", requested: "a", selfPasses: 4, exhausted: exhaustedSet("b", "c"), wantNext: "", wantErr: ErrSelfHandoffCap},
		{name: "fallback may return current last", current: "a", requested: "mallory", exhausted: exhaustedSet("b", "c"), wantNext: "a", wantErr: ErrUnknownTarget},
		{name: "everyone exhausted", current: "a", requested: "b", exhausted: exhaustedSet("a", "b", "c"), wantNext: "", wantErr: ErrTargetExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := resolveHandoff(roster, tt.current, tt.requested, tt.selfPasses, DefaultSelfHandoffCap, tt.exhausted)
			assert.Equal(t, tt.wantNext, h.next)
			assert.Equal(t, tt.terminal, h.terminal)
			if tt.wantErr == nil {
				assert.Nil(t, h.fallback)
				return
			}
			require.NotNil(t, h.fallback)
			assert.True(t, errors.Is(h.fallback, tt.wantErr))
			assert.Equal(t, faults.KindHandoff, h.fallback.Kind)
		})
	}
}

func TestNextAvailable_UnknownCurrentStartsAtHead(t *testing.T) {
	assert.Equal(t, "a", nextAvailable([]string{"a", "b"}, "", true, exhaustedSet()))
}

func TestConfig_Threshold(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 4, cfg.Threshold(5))
	assert.Equal(t, 3, cfg.Threshold(3))
	assert.Equal(t, 4, cfg.Threshold(4))
	assert.Equal(t, 1, cfg.Threshold(1))

	cfg.ConsensusThreshold = 2
	assert.Equal(t, 2, cfg.Threshold(5))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate(5))

	bad := DefaultConfig()
	bad.ConsensusThreshold = 6
	assert.Error(t, bad.Validate(5))

	bad = DefaultConfig()
	bad.MaxCycleTurns = 0
	assert.Error(t, bad.Validate(5))

	bad = DefaultConfig()
	bad.SelfHandoffCap = -1
	assert.Error(t, bad.Validate(5))
}

func TestGates(t *testing.T) {
	c := contextstore.New("run", []string{"a", "b", "c", "d", "e"})

	consensus := NewConsensusGate(4)
	ok, why := consensus.Check(c)
	assert.False(t, ok)
	assert.Contains(t, why, "0 of 4")

	for _, id := range []string{"a", "b", "c", "d"} {
		c.ConsensusSignals[id] = contextstore.SignalAgree
	}
	ok, _ = consensus.Check(c)
	assert.True(t, ok)

	approval := NewApprovalGate()
	ok, _ = approval.Check(c)
	assert.False(t, ok)
	c.ApplyAuthorized = true
	ok, _ = approval.Check(c)
	assert.True(t, ok)

	applied := NewAppliedGate()
	c.CodeChanges = []contextstore.CodeChange{{File: "src/a.go", Status: contextstore.ChangePending}}
	ok, why = applied.Check(c)
	assert.False(t, ok)
	assert.Equal(t, "1 changes pending", why)
	c.CodeChanges[0].Status = contextstore.ChangeApplied
	ok, _ = applied.Check(c)
	assert.True(t, ok)

	g, found := gateFor(DefaultGates(4), contextstore.PhaseCodeReview)
	require.True(t, found)
	assert.Equal(t, "approval", g.Name())
	_, found = gateFor(DefaultGates(4), contextstore.PhaseTesting)
	assert.False(t, found)
}

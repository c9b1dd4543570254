package contextstore

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var roster = []string{"architect", "engineer", "reviewer", "tester", "pm"}

type passwordRedactor struct{}

func (passwordRedactor) Redact(text string) string {
	return strings.ReplaceAll(text, "hunter2", "[REDACTED]")
}

func fixedClock() time.Time {
	return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
}

func TestNew(t *testing.T) {
	c := New("run-1", roster)

	assert.Equal(t, 1, c.RunNumber)
	assert.Equal(t, PhaseDiscussion, c.Phase)
	assert.Len(t, c.ActorStates, len(roster))
	assert.Equal(t, "architect", c.NextAction.TargetActor)
	assert.NoError(t, c.Validate())
}

func TestStore_LoadMissingIsFreshRun(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "context.json"))

	c, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "context.json")
	s := NewStore(path, WithClock(fixedClock), WithLogger(zaptest.NewLogger(t)))

	c := New("run-1", roster)
	c.ConsensusSignals["architect"] = SignalAgree
	c.ConsensusSignals["engineer"] = SignalBuilding
	c.KeyDecisions = append(c.KeyDecisions, "use postgres")
	c.Actor("engineer").TotalCost = 0.25
	c.CodeChanges = append(c.CodeChanges, CodeChange{File: "src/db.go", Action: ChangeWrite, Content: "package db", Status: ChangePending})

	require.NoError(t, s.Save(c))
	assert.Equal(t, fixedClock(), c.UpdatedAt)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
}

func TestStore_LoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.json")
	s := NewStore(path)

	require.NoError(t, os.WriteFile(path, []byte("{"), 0600))
	_, err := s.Load()
	assert.ErrorIs(t, err, ErrSnapshotCorrupted)

	require.NoError(t, os.WriteFile(path, []byte(`{"run_number":1,"phase":"brainstorm"}`), 0600))
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrSnapshotCorrupted)
}

func TestStore_LoadReplacesNullActorStates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.json")
	s := NewStore(path)

	require.NoError(t, os.WriteFile(path, []byte(`{
  "run_id": "run-1",
  "run_number": 3,
  "phase": "discussion",
  "actor_states": {"architect": null}
}`), 0600))
	c, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, c.ActorStates["architect"])
	assert.Equal(t, "architect", c.ActorStates["architect"].ID)

	c.EnsureActors(roster)
	for _, id := range roster {
		assert.NotNil(t, c.ActorStates[id], id)
	}
	c.Actor("architect").ResetTurnCounters()
}

func TestStore_SaveRedacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.json")
	s := NewStore(path, WithRedactor(passwordRedactor{}))

	c := New("run-1", roster)
	c.KeyDecisions = []string{"db password is hunter2"}
	c.History = []HistoryEntry{{RunNumber: 1, Phase: PhaseDiscussion, Summary: "leaked hunter2"}}
	require.NoError(t, s.Save(c))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.Equal(t, "db password is [REDACTED]", c.KeyDecisions[0])

	c.KeyDecisions = append(c.KeyDecisions, "hunter2 again")
	assert.NotContains(t, s.Briefing(c), "hunter2")
}

func TestSummarize_History(t *testing.T) {
	c := New("run-1", roster)
	for run := 1; run <= 25; run++ {
		c.History = append(c.History, HistoryEntry{RunNumber: run, Phase: PhaseDiscussion, Summary: fmt.Sprintf("run %d", run), Cost: 1})
	}

	out := Summarize(c)
	require.Len(t, out.History, 21)
	archive := out.History[0]
	assert.True(t, archive.Archived)
	assert.Equal(t, "[Archived 5 cycles: runs 1–5]", archive.Summary)
	assert.InDelta(t, 5.0, archive.Cost, 1e-9)
	assert.Equal(t, 6, out.History[1].RunNumber)
	assert.Equal(t, 25, out.History[20].RunNumber)

	// Input is untouched.
	assert.Len(t, c.History, 25)

	// Summarizing again after three more runs folds into the same archive.
	for run := 26; run <= 28; run++ {
		out.History = append(out.History, HistoryEntry{RunNumber: run, Summary: "more", Cost: 2})
	}
	again := Summarize(out)
	require.Len(t, again.History, 21)
	assert.Equal(t, "[Archived 8 cycles: runs 1–8]", again.History[0].Summary)
	assert.InDelta(t, 8.0, again.History[0].Cost, 1e-9)
	assert.Equal(t, 9, again.History[1].RunNumber)

	// Already bounded history is stable.
	assert.Equal(t, again.History, Summarize(again).History)
}

func TestSummarize_DecisionsAndChanges(t *testing.T) {
	c := New("run-1", roster)
	for i := 1; i <= 18; i++ {
		c.KeyDecisions = append(c.KeyDecisions, fmt.Sprintf("decision %d", i))
	}
	for i := 1; i <= 12; i++ {
		status := ChangePending
		if i == 2 || i == 5 {
			status = ChangeApplied
		}
		c.CodeChanges = append(c.CodeChanges, CodeChange{
			File:    fmt.Sprintf("src/f%d.go", i),
			Action:  ChangeWrite,
			Content: strings.Repeat("x", 600),
			Status:  status,
		})
	}
	c.ConsensusSignals["pm"] = SignalAgree
	c.NextAction = NextAction{Type: NextContinue, TargetActor: "pm", Reason: "handoff"}
	c.Actor("pm").TurnsTaken = 3

	out := Summarize(c)

	require.Len(t, out.KeyDecisions, 15)
	assert.Equal(t, "decision 4", out.KeyDecisions[0])
	assert.Equal(t, "decision 18", out.KeyDecisions[14])

	require.Len(t, out.CodeChanges, 10)
	for _, ch := range out.CodeChanges {
		assert.Equal(t, ChangePending, ch.Status, "settled changes are dropped first")
		assert.True(t, ch.Truncated)
		assert.Equal(t, strings.Repeat("x", 500)+TruncationMarker, ch.Content)
	}
	assert.Equal(t, "src/f1.go", out.CodeChanges[0].File)

	assert.Equal(t, c.ConsensusSignals, out.ConsensusSignals)
	assert.Equal(t, c.NextAction, out.NextAction)
	assert.Equal(t, 3, out.ActorStates["pm"].TurnsTaken)
}

func TestSummarize_ShortContentUntouched(t *testing.T) {
	c := New("run-1", roster)
	content := strings.Repeat("é", 500)
	c.CodeChanges = []CodeChange{{File: "src/a.go", Content: content, Status: ChangePending}}

	out := Summarize(c)
	assert.Equal(t, content, out.CodeChanges[0].Content)
	assert.False(t, out.CodeChanges[0].Truncated)
}

func TestGenerateBriefing(t *testing.T) {
	c := New("run-1", roster)
	c.RunNumber = 3
	c.History = []HistoryEntry{{RunNumber: 2, Phase: PhaseDiscussion, Summary: "agreed on schema", Cost: 0.5}}
	c.KeyDecisions = []string{"use postgres", "REST over gRPC"}
	c.ConsensusSignals = map[string]Signal{"tester": SignalDisagree, "architect": SignalAgree}
	c.Actor("architect").TotalCost = 0.1
	c.Actor("engineer").TotalCost = 0.2
	c.CodeChanges = []CodeChange{{File: "src/db.go", Action: ChangeWrite, Status: ChangePending, ProposedBy: "engineer"}}

	b := GenerateBriefing(c)
	assert.Equal(t, b, GenerateBriefing(c), "briefing is deterministic")

	assert.Contains(t, b, "# Briefing: run 3")
	assert.Contains(t, b, "Run 2 (discussion): agreed on schema")
	assert.Contains(t, b, "## Phase\ndiscussion")
	assert.Contains(t, b, "1. use postgres\n2. REST over gRPC")
	assert.Contains(t, b, "## Consensus (1 agree)\n- architect: agree\n- tester: disagree")
	assert.Contains(t, b, "- write src/db.go (by engineer)")
	assert.Contains(t, b, "| engineer | 0 | 0 | 0 | 0 | 0 | 0 | $0.2000 |")
	assert.Contains(t, b, "Total cost: $0.3000")
	assert.Less(t, strings.Index(b, "| architect"), strings.Index(b, "| engineer"))
}

func TestStore_ForceTransition(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewStore("unused.json", WithLogger(zap.New(core)), WithClock(fixedClock))

	c := New("run-1", roster)
	c.ConsensusSignals["tester"] = SignalDisagree

	err := s.ForceTransition(c, Override{
		Phase:               PhaseCodeReview,
		NextAction:          &NextAction{Type: NextContinue, TargetActor: "reviewer", Reason: "manual"},
		SynthesizeConsensus: true,
		Reason:              "stuck for three runs",
	}, roster)
	require.NoError(t, err)

	assert.Equal(t, PhaseCodeReview, c.Phase)
	assert.Equal(t, "reviewer", c.NextAction.TargetActor)
	assert.Equal(t, len(roster), c.AgreeCount())
	assert.True(t, c.SignalsSynthesized)
	require.NotNil(t, c.LastOverride)
	assert.Equal(t, PhaseDiscussion, c.LastOverride.FromPhase)
	assert.Equal(t, fixedClock(), c.LastOverride.AppliedAt)

	entries := logs.FilterMessage("forced phase transition").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, "override", entries[0].ContextMap()["source"])
}

func TestOverride_Validate(t *testing.T) {
	tests := []struct {
		name    string
		o       Override
		wantErr bool
	}{
		{"phase only", Override{Phase: PhaseTesting}, false},
		{"authorize only", Override{AuthorizeApply: true}, false},
		{"terminal target", Override{NextAction: &NextAction{TargetActor: TerminalTarget}}, false},
		{"unknown phase", Override{Phase: "shipping"}, true},
		{"unknown target", Override{NextAction: &NextAction{TargetActor: "ghost"}}, true},
		{"empty", Override{Reason: "nothing"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.o.Validate(roster)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOverride)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOverride_WriteLoadConsume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.json")

	o, err := LoadOverride(path)
	require.NoError(t, err)
	assert.Nil(t, o)

	want := Override{Phase: PhaseApplyChanges, AuthorizeApply: true, Reason: "ship it"}
	require.NoError(t, WriteOverride(path, want))

	got, err := LoadOverride(path)
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	require.NoError(t, ConsumeOverride(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + AppliedSuffix)
	assert.NoError(t, err)

	again, err := LoadOverride(path)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestLock(t *testing.T) {
	snapshot := filepath.Join(t.TempDir(), "context.json")

	lock, err := AcquireLock(snapshot)
	require.NoError(t, err)

	_, err = AcquireLock(snapshot)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lock.Release())
	lock2, err := AcquireLock(snapshot)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestLock_ReclaimsStaleLock(t *testing.T) {
	snapshot := filepath.Join(t.TempDir(), "context.json")

	// A finished child gives a PID that no longer exists.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	dead := cmd.Process.Pid
	require.NoError(t, os.WriteFile(LockPath(snapshot), []byte(strconv.Itoa(dead)), 0600))

	lock, err := AcquireLock(snapshot)
	require.NoError(t, err)
	data, err := os.ReadFile(LockPath(snapshot))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
	require.NoError(t, lock.Release())
}

func TestLock_LiveHolderNamedInError(t *testing.T) {
	snapshot := filepath.Join(t.TempDir(), "context.json")
	lock, err := AcquireLock(snapshot)
	require.NoError(t, err)
	defer lock.Release()

	_, err = AcquireLock(snapshot)
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), fmt.Sprintf("pid %d", os.Getpid()))
	assert.Contains(t, err.Error(), "remove the file")
}

func TestOverrideWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides", "override.json")
	w, err := NewOverrideWatcher(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(w.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "unrelated.txt"), []byte("x"), 0600))
	require.NoError(t, WriteOverride(path, Override{Phase: PhaseTesting}))

	select {
	case <-w.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("expected override event")
	}
}

package contextstore

import (
	"fmt"
	"sort"
	"strings"
)

// GenerateBriefing renders c as plain text for people and actors. The output
// depends only on c.
func GenerateBriefing(c *CycleContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Briefing: run %d\n\n", c.RunNumber)

	b.WriteString("## Previous run\n")
	if n := len(c.History); n > 0 {
		prev := c.History[n-1]
		fmt.Fprintf(&b, "Run %d (%s): %s [cost $%.4f]\n\n", prev.RunNumber, prev.Phase, prev.Summary, prev.Cost)
	} else {
		b.WriteString("None, this is the first run.\n\n")
	}

	fmt.Fprintf(&b, "## Phase\n%s\n", c.Phase)
	if c.ApplyAuthorized {
		b.WriteString("Applying changes is authorized.\n")
	}
	if c.LastOverride != nil {
		fmt.Fprintf(&b, "Last forced transition: %s -> %s in run %d (%s)\n",
			c.LastOverride.FromPhase, c.LastOverride.ToPhase, c.LastOverride.RunNumber, c.LastOverride.Reason)
	}
	if c.NextAction.TargetActor != "" {
		fmt.Fprintf(&b, "Next: %s (%s)\n", c.NextAction.TargetActor, c.NextAction.Reason)
	}
	b.WriteString("\n")

	b.WriteString("## Key decisions\n")
	if len(c.KeyDecisions) == 0 {
		b.WriteString("None yet.\n")
	}
	for i, d := range c.KeyDecisions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, d)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Consensus (%d agree)\n", c.AgreeCount())
	actors := make([]string, 0, len(c.ConsensusSignals))
	for id := range c.ConsensusSignals {
		actors = append(actors, id)
	}
	sort.Strings(actors)
	if len(actors) == 0 {
		b.WriteString("No signals.\n")
	}
	for _, id := range actors {
		fmt.Fprintf(&b, "- %s: %s\n", id, c.ConsensusSignals[id])
	}
	if c.SignalsSynthesized {
		b.WriteString("(signals synthesized by override)\n")
	}
	b.WriteString("\n")

	if pending := c.PendingChanges(); pending > 0 {
		fmt.Fprintf(&b, "## Pending changes (%d)\n", pending)
		for _, ch := range c.CodeChanges {
			if ch.Status == ChangePending {
				fmt.Fprintf(&b, "- %s %s (by %s)\n", ch.Action, ch.File, ch.ProposedBy)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Actors\n")
	b.WriteString("| actor | turns | productive | reads | edits | writes | tokens | cost |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, id := range c.actorIDs() {
		a := c.ActorStates[id]
		fmt.Fprintf(&b, "| %s | %d | %d | %d | %d | %d | %d | $%.4f |\n",
			id, a.TurnsTaken, a.ProductiveTurns, a.FileReads, a.FileEdits, a.FileWrites, a.TotalTokens, a.TotalCost)
	}
	fmt.Fprintf(&b, "\nTotal cost: $%.4f\n", c.TotalCost())

	return b.String()
}

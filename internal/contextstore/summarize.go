package contextstore

import (
	"fmt"
)

// Limits bound the size of a persisted context.
type Limits struct {
	HistoryEntries int `koanf:"history_entries"`
	KeyDecisions   int `koanf:"key_decisions"`
	CodeChanges    int `koanf:"code_changes"`
	ContentChars   int `koanf:"content_chars"`
}

// DefaultLimits returns the default summarization limits.
func DefaultLimits() Limits {
	return Limits{
		HistoryEntries: 20,
		KeyDecisions:   15,
		CodeChanges:    10,
		ContentChars:   500,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.HistoryEntries <= 0 {
		l.HistoryEntries = d.HistoryEntries
	}
	if l.KeyDecisions <= 0 {
		l.KeyDecisions = d.KeyDecisions
	}
	if l.CodeChanges <= 0 {
		l.CodeChanges = d.CodeChanges
	}
	if l.ContentChars <= 0 {
		l.ContentChars = d.ContentChars
	}
	return l
}

// TruncationMarker is appended to truncated change content.
const TruncationMarker = "…[truncated]"

// Summarize returns a bounded copy of c using the default limits.
func Summarize(c *CycleContext) *CycleContext {
	return SummarizeWithLimits(c, DefaultLimits())
}

// SummarizeWithLimits returns a bounded copy of c:
//   - the most recent HistoryEntries history entries are kept, older ones are
//     collapsed into a single leading archive entry carrying their summed cost;
//   - the most recent KeyDecisions decisions are kept;
//   - at most CodeChanges changes are kept, dropping settled changes before
//     pending ones, oldest first, and content is cut at ContentChars.
//
// Consensus signals, actor states and the next action are never touched.
func SummarizeWithLimits(c *CycleContext, limits Limits) *CycleContext {
	limits = limits.withDefaults()
	out := c.Clone()

	// An existing archive entry sits ahead of the kept window.
	if cut := len(out.History) - limits.HistoryEntries; cut > 0 && !(cut == 1 && out.History[0].Archived) {
		archive := archiveEntries(out.History[:cut])
		out.History = append([]HistoryEntry{archive}, out.History[cut:]...)
	}

	if len(out.KeyDecisions) > limits.KeyDecisions {
		out.KeyDecisions = append([]string{}, out.KeyDecisions[len(out.KeyDecisions)-limits.KeyDecisions:]...)
	}

	out.CodeChanges = boundChanges(out.CodeChanges, limits.CodeChanges)
	for i := range out.CodeChanges {
		if truncated, ok := truncate(out.CodeChanges[i].Content, limits.ContentChars); ok {
			out.CodeChanges[i].Content = truncated
			out.CodeChanges[i].Truncated = true
		}
	}

	return out
}

func archiveEntries(entries []HistoryEntry) HistoryEntry {
	count := 0
	cost := 0.0
	first, last := 0, 0
	for _, e := range entries {
		from := e.RunNumber
		n := 1
		if e.Archived {
			from = e.FromRun
			n = e.ArchivedCount
		}
		count += n
		cost += e.Cost
		if first == 0 || from < first {
			first = from
		}
		if e.RunNumber > last {
			last = e.RunNumber
		}
	}
	return HistoryEntry{
		RunNumber:     last,
		Phase:         entries[len(entries)-1].Phase,
		Summary:       fmt.Sprintf("[Archived %d cycles: runs %d–%d]", count, first, last),
		Cost:          cost,
		Archived:      true,
		ArchivedCount: count,
		FromRun:       first,
	}
}

// boundChanges keeps at most max changes, dropping settled changes before
// pending ones and older before newer. Relative order is preserved.
func boundChanges(changes []CodeChange, max int) []CodeChange {
	excess := len(changes) - max
	if excess <= 0 {
		return changes
	}

	drop := make(map[int]bool, excess)
	for i := 0; i < len(changes) && len(drop) < excess; i++ {
		if changes[i].Status != ChangePending {
			drop[i] = true
		}
	}
	for i := 0; i < len(changes) && len(drop) < excess; i++ {
		drop[i] = true
	}

	out := make([]CodeChange, 0, max)
	for i, ch := range changes {
		if !drop[i] {
			out = append(out, ch)
		}
	}
	return out
}

func truncate(s string, max int) (string, bool) {
	runes := []rune(s)
	if len(runes) <= max {
		return s, false
	}
	return string(runes[:max]) + TruncationMarker, true
}

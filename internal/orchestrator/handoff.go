package orchestrator

import (
	"errors"

	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
	"github.com/fyrsmithlabs/roundtable/internal/faults"
)

var (
	// ErrUnknownTarget is a handoff to a name outside the roster.
	ErrUnknownTarget = errors.New("handoff target not in roster")

	// ErrTargetExhausted is a handoff to an actor that may not act again.
	ErrTargetExhausted = errors.New("handoff target exhausted")

	// ErrSelfHandoffCap is a self handoff beyond the configured cap.
	ErrSelfHandoffCap = errors.New("self handoff cap exceeded")

	// ErrNoTarget is a turn that named no target, or failed before naming one.
	ErrNoTarget = errors.New("no handoff target")
)

// handoff is the resolved next actor for a turn.
type handoff struct {
	next     string
	terminal bool

	// fallback is set when the requested target was replaced.
	fallback *faults.Error
}

// resolveHandoff validates requested against the roster and the exhaustion
// check and falls back round-robin after current when it is not usable.
// selfPasses is the number of consecutive self handoffs including this one.
func resolveHandoff(roster []string, current, requested string, selfPasses, selfCap int, exhausted func(string) bool) handoff {
	if requested == contextstore.TerminalTarget {
		return handoff{next: contextstore.TerminalTarget, terminal: true}
	}

	var cause error
	includeSelf := true
	switch {
	case requested == "":
		cause = ErrNoTarget
	case !contains(roster, requested):
		cause = ErrUnknownTarget
	case requested == current && selfPasses > selfCap:
		cause = ErrSelfHandoffCap
		includeSelf = false
	case exhausted(requested):
		cause = ErrTargetExhausted
	default:
		return handoff{next: requested}
	}

	fe := faults.New(faults.KindHandoff, "handoff", cause).
		With("from", current).
		With("requested", requested)
	return handoff{
		next:     nextAvailable(roster, current, includeSelf, exhausted),
		fallback: fe,
	}
}

// nextAvailable returns the first roster member after current, wrapping
// around, that is not exhausted. current itself is the last candidate when
// includeSelf is set. It returns "" when every candidate is exhausted.
func nextAvailable(roster []string, current string, includeSelf bool, exhausted func(string) bool) string {
	n := len(roster)
	idx := indexOf(roster, current)
	for i := 1; i <= n; i++ {
		cand := roster[((idx+i)%n+n)%n]
		if cand == current && !includeSelf {
			continue
		}
		if !exhausted(cand) {
			return cand
		}
	}
	return ""
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func contains(list []string, s string) bool {
	return indexOf(list, s) >= 0
}

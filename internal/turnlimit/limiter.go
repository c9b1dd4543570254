// Package turnlimit decides how many turns an actor may take in a cycle,
// based on how productive its turns so far have been.
//
// Everything here is a pure function of the counters passed in.
package turnlimit

import "math"

const (
	// DefaultBaseLimit is the turn budget before productivity adjustments.
	DefaultBaseLimit = 6

	// MinimumTurns are always granted for exploration.
	MinimumTurns = 2

	// ExtensionTurns are added to the base limit for highly productive actors.
	ExtensionTurns = 2

	// HighProductivity is the score at or above which the limit is extended.
	HighProductivity = 0.7

	// LowProductivity is the score below which an actor is stopped early.
	LowProductivity = 0.1
)

// Decision reasons.
const (
	ReasonMinimumExploration = "minimum exploration"
	ReasonBaseLimit          = "base limit reached"
	ReasonHighProductivity   = "high productivity"
	ReasonExtendedLimit      = "extended limit reached"
	ReasonLowProductivity    = "low productivity, save cost"
	ReasonReadLoop           = "infinite read loop detected"
	ReasonWithinBase         = "within base limit"
)

// Counters are an actor's running counters for the current cycle.
type Counters struct {
	TurnsUsed  int
	Reads      int
	Edits      int
	Writes     int
	SelfPasses int
}

// Productive returns the number of productive actions (edits + writes).
func (c Counters) Productive() int {
	return c.Edits + c.Writes
}

// Decision is the outcome of ShouldContinue.
type Decision struct {
	Continue       bool    `json:"continue"`
	Reason         string  `json:"reason"`
	TurnsRemaining int     `json:"turns_remaining"`
	Score          float64 `json:"score"`
}

// Score computes the productivity score in [0, 1].
func Score(c Counters) float64 {
	productive := c.Productive()

	var readRatio, selfRatio float64
	if c.TurnsUsed > 0 {
		readRatio = float64(c.Reads) / float64(c.TurnsUsed)
		selfRatio = float64(c.SelfPasses) / float64(c.TurnsUsed)
	}

	score := 0.6 * math.Min(float64(productive)/3, 1)
	if readRatio > 3 && productive == 0 {
		score -= 0.3
	}
	if selfRatio > 0.5 && productive == 0 {
		score -= 0.2
	}
	if productive > 0 && readRatio < 2 {
		score += 0.2
	}

	return math.Max(0, math.Min(1, score))
}

// ShouldContinue decides whether an actor may take another turn. A baseLimit
// of zero or less uses DefaultBaseLimit.
func ShouldContinue(c Counters, baseLimit int) Decision {
	if baseLimit <= 0 {
		baseLimit = DefaultBaseLimit
	}

	if c.TurnsUsed < MinimumTurns {
		return Decision{
			Continue:       true,
			Reason:         ReasonMinimumExploration,
			TurnsRemaining: remaining(baseLimit, c.TurnsUsed),
		}
	}

	score := Score(c)

	if c.TurnsUsed >= baseLimit && score < HighProductivity {
		return Decision{Reason: ReasonBaseLimit, Score: score}
	}

	if score >= HighProductivity {
		extended := baseLimit + ExtensionTurns
		if c.TurnsUsed >= extended {
			return Decision{Reason: ReasonExtendedLimit, Score: score}
		}
		return Decision{
			Continue:       true,
			Reason:         ReasonHighProductivity,
			TurnsRemaining: extended - c.TurnsUsed,
			Score:          score,
		}
	}

	if score < LowProductivity && c.TurnsUsed >= 5 {
		return Decision{Reason: ReasonLowProductivity, Score: score}
	}

	readRatio := float64(c.Reads) / float64(c.TurnsUsed)
	if readRatio > 5 && c.Edits == 0 && c.Writes == 0 && c.TurnsUsed >= 4 {
		return Decision{Reason: ReasonReadLoop, Score: score}
	}

	return Decision{
		Continue:       true,
		Reason:         ReasonWithinBase,
		TurnsRemaining: remaining(baseLimit, c.TurnsUsed),
		Score:          score,
	}
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}

package http

import (
	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
	"github.com/fyrsmithlabs/roundtable/internal/telemetry"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	RunID          string                         `json:"run_id"`
	RunNumber      int                            `json:"run_number"`
	Phase          contextstore.Phase             `json:"phase"`
	Signals        map[string]contextstore.Signal `json:"signals"`
	AgreeCount     int                            `json:"agree_count"`
	PendingChanges int                            `json:"pending_changes"`
	Decisions      int                            `json:"decisions"`
	TotalCost      float64                        `json:"total_cost"`
	NextAction     contextstore.NextAction        `json:"next_action"`
	Completed      bool                           `json:"completed"`
}

// OverrideResponse is the response body for POST /api/v1/override.
type OverrideResponse struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

func statusOf(c *contextstore.CycleContext) StatusResponse {
	return StatusResponse{
		RunID:          c.RunID,
		RunNumber:      c.RunNumber,
		Phase:          c.Phase,
		Signals:        c.ConsensusSignals,
		AgreeCount:     c.AgreeCount(),
		PendingChanges: c.PendingChanges(),
		Decisions:      len(c.KeyDecisions),
		TotalCost:      c.TotalCost(),
		NextAction:     c.NextAction,
		Completed:      c.NextAction.Type == contextstore.NextComplete,
	}
}

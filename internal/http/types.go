package http

import (
	"github.com/fyrsmithlabs/validationd/internal/run"
	"github.com/fyrsmithlabs/validationd/internal/store"
)

// InitiateRequest is the request body for POST /api/v1/runs.
type InitiateRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	RawIdea        string `json:"raw_idea"`
	Context        string `json:"context,omitempty"`
	Flow           string `json:"flow,omitempty"`
}

// DecisionRequest is the request body for POST /api/v1/runs/:id/decisions.
type DecisionRequest struct {
	Checkpoint string `json:"checkpoint"`
	Decision   string `json:"decision"`
	Feedback   string `json:"feedback,omitempty"`
}

// WaitResponse is the response body for GET /api/v1/runs/:id/wait. Done is
// false when the wait window closed before the run paused or finished.
type WaitResponse struct {
	Run  *run.Snapshot `json:"run,omitempty"`
	Done bool          `json:"done"`
}

// DecisionView is one audit record in GET /api/v1/runs/:id/decisions.
type DecisionView struct {
	ID         string `json:"id"`
	Checkpoint string `json:"checkpoint"`
	Decision   string `json:"decision"`
	Feedback   string `json:"feedback,omitempty"`
	DecidedBy  string `json:"decided_by,omitempty"`
	PivotType  string `json:"pivot_type,omitempty"`
	DecidedAt  string `json:"decided_at"`
}

func decisionViews(ds []*store.Decision) []DecisionView {
	out := make([]DecisionView, 0, len(ds))
	for _, d := range ds {
		out = append(out, DecisionView{
			ID:         d.ID,
			Checkpoint: d.Checkpoint,
			Decision:   d.Decision,
			Feedback:   d.Feedback,
			DecidedBy:  d.DecidedBy,
			PivotType:  d.PivotType,
			DecidedAt:  d.DecidedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	// RetryAfterSeconds is set on 429 responses.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	// PendingKickoffs is -1 when the store could not be read.
	PendingKickoffs int `json:"pending_kickoffs"`
	// Telemetry is "ok", "stopped" or "degraded: <reason>". Export problems
	// never fail the probe.
	Telemetry string `json:"telemetry,omitempty"`
}

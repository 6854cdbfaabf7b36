package executor

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/validationd/internal/run"
)

// JobControl is the three-call contract of the remote executor.
type JobControl interface {
	Start(ctx context.Context, in StartInput) (*StartResponse, error)
	Status(ctx context.Context, runID string) (*run.Snapshot, error)
	Resume(ctx context.Context, d run.Decision) (*run.ResumeResult, error)
}

// StartInput is the pipeline input forwarded to the kickoff endpoint.
type StartInput struct {
	ProjectID string         `json:"project_id"`
	UserID    string         `json:"user_id,omitempty"`
	RawIdea   string         `json:"entrepreneur_input"`
	Context   string         `json:"additional_context,omitempty"`
	Flow      string         `json:"flow,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// StartResponse acknowledges a kickoff. Status is "started" or "queued".
type StartResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// resumeRequest is the body posted to the approve endpoint.
type resumeRequest struct {
	RunID      string `json:"run_id"`
	Checkpoint string `json:"checkpoint"`
	Decision   string `json:"decision"`
	Feedback   string `json:"feedback,omitempty"`
	DecidedBy  string `json:"decided_by,omitempty"`
}

// Config holds the executor endpoints and transport tuning.
type Config struct {
	KickoffURL     string
	StatusURL      string
	HITLApproveURL string
	Token          string
	// RequestTimeout bounds each HTTP call (default 30s).
	RequestTimeout time.Duration
	// RateLimit is outbound requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

const defaultRequestTimeout = 30 * time.Second

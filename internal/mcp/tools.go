package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/validationd/internal/initiator"
	"github.com/fyrsmithlabs/validationd/internal/phase"
	"github.com/fyrsmithlabs/validationd/internal/pivot"
	"github.com/fyrsmithlabs/validationd/internal/run"
)

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() error {
	s.toolRegistry.RegisterAll(toolCatalog)

	mcp.AddTool(s.mcp, s.tool("validation_initiate"), instrument(s, "validation_initiate", s.initiate))
	mcp.AddTool(s.mcp, s.tool("validation_status"), instrument(s, "validation_status", s.status))
	mcp.AddTool(s.mcp, s.tool("validation_decide"), instrument(s, "validation_decide", s.decide))
	mcp.AddTool(s.mcp, s.tool("validation_alternatives"), instrument(s, "validation_alternatives", s.alternatives))
	s.registerSearchTools()

	for _, meta := range toolCatalog {
		if _, ok := s.toolRegistry.Get(meta.Name); !ok {
			return fmt.Errorf("tool %s missing from registry", meta.Name)
		}
	}
	return nil
}

var toolCatalog = []*ToolMetadata{
	{
		Name:        "validation_initiate",
		Description: "Submit a business idea for validation and start a run. Returns the run id to poll.",
		Category:    CategoryRun,
		Keywords:    []string{"start", "kickoff", "idea", "submit"},
	},
	{
		Name:        "validation_status",
		Description: "Read the current status, phase and overall progress of a validation run, including any open checkpoint.",
		Category:    CategoryRun,
		Keywords:    []string{"progress", "phase", "poll"},
	},
	{
		Name:        "validation_decide",
		Description: "Answer the open checkpoint of a paused run with one of its options, override_proceed or kill_project.",
		Category:    CategoryDecision,
		Keywords:    []string{"approve", "checkpoint", "resume", "pivot"},
	},
	{
		Name:        "validation_alternatives",
		Description: "List the pivot alternatives offered at a pivot checkpoint, with the pivot count and limit.",
		Category:    CategoryDecision,
		Keywords:    []string{"pivot", "segment", "options"},
	},
	{
		Name:        "tool_search",
		Description: "Search for available tools by name, description, or keyword.",
		Category:    CategorySearch,
	},
}

func (s *Server) tool(name string) *mcp.Tool {
	meta, _ := s.toolRegistry.Get(name)
	return &mcp.Tool{Name: meta.Name, Description: meta.Description}
}

// instrument wraps a tool body with metrics and renders its output as JSON
// text alongside the structured result.
func instrument[In, Out any](s *Server, name string, fn func(context.Context, In) (Out, error)) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.Track(ctx, name)
		out, err := fn(ctx, args)
		done(err)
		if err != nil {
			var zero Out
			return nil, zero, err
		}
		text, err := json.Marshal(out)
		if err != nil {
			var zero Out
			return nil, zero, fmt.Errorf("failed to encode %s result: %w", name, err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(text)}},
		}, out, nil
	}
}

// ===== RUN TOOLS =====

type initiateInput struct {
	IdempotencyKey string `json:"idempotency_key,omitempty" jsonschema:"Key that makes retries of the same submission return the same run"`
	RawIdea        string `json:"raw_idea" jsonschema:"The business idea to validate"`
	Context        string `json:"context,omitempty" jsonschema:"Optional background such as target market or constraints"`
	Flow           string `json:"flow,omitempty" jsonschema:"Phase flow: quick_start (default) or legacy"`
}

type initiateOutput struct {
	RunID       string `json:"run_id"`
	ProjectID   string `json:"project_id"`
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url"`
	Replayed    bool   `json:"replayed"`
	Deferred    bool   `json:"deferred"`
}

func (s *Server) initiate(ctx context.Context, args initiateInput) (initiateOutput, error) {
	resp, err := s.runs.Initiate(ctx, initiator.Request{
		IdempotencyKey: args.IdempotencyKey,
		Token:          s.token,
		RawIdea:        args.RawIdea,
		Context:        args.Context,
		Flow:           phase.Flow(args.Flow),
	})
	if err != nil {
		return initiateOutput{}, fmt.Errorf("validation initiate failed: %w", err)
	}
	return initiateOutput{
		RunID:       resp.RunID,
		ProjectID:   resp.ProjectID,
		Status:      resp.Status,
		RedirectURL: resp.RedirectURL,
		Replayed:    resp.Replayed,
		Deferred:    resp.Deferred,
	}, nil
}

type runInput struct {
	RunID string `json:"run_id" jsonschema:"Run identifier returned by validation_initiate"`
}

type optionOutput struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

type checkpointOutput struct {
	Checkpoint  string         `json:"checkpoint"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Options     []optionOutput `json:"options"`
	Recommended string         `json:"recommended,omitempty"`
}

type statusOutput struct {
	RunID           string            `json:"run_id"`
	Status          string            `json:"status"`
	CurrentPhase    int               `json:"current_phase"`
	PhaseName       string            `json:"phase_name,omitempty"`
	PhaseProgress   float64           `json:"phase_progress"`
	OverallProgress float64           `json:"overall_progress"`
	CurrentAgent    string            `json:"current_agent,omitempty"`
	CurrentTask     string            `json:"current_task,omitempty"`
	Error           string            `json:"error,omitempty"`
	Checkpoint      *checkpointOutput `json:"checkpoint,omitempty"`
}

func (s *Server) status(ctx context.Context, args runInput) (statusOutput, error) {
	snap, err := s.runs.Status(ctx, args.RunID)
	if err != nil {
		return statusOutput{}, fmt.Errorf("validation status failed: %w", err)
	}
	out := statusOutput{
		RunID:           snap.RunID,
		Status:          string(snap.Status),
		CurrentPhase:    snap.CurrentPhase,
		PhaseName:       snap.PhaseName,
		PhaseProgress:   snap.Progress.ProgressPct,
		OverallProgress: snap.OverallProgress,
		CurrentAgent:    snap.Progress.CurrentAgent,
		CurrentTask:     s.scrub(snap.Progress.CurrentTask),
		Error:           s.scrub(snap.Error),
	}
	if cp := snap.HITLCheckpoint; cp != nil {
		out.Checkpoint = &checkpointOutput{
			Checkpoint:  cp.Checkpoint,
			Title:       cp.Title,
			Description: s.scrub(cp.Description),
			Recommended: cp.Recommended,
		}
		for _, o := range cp.Options {
			out.Checkpoint.Options = append(out.Checkpoint.Options, optionOutput{ID: o.ID, Label: o.Label, Description: s.scrub(o.Description)})
		}
	}
	return out, nil
}

// ===== DECISION TOOLS =====

type decideInput struct {
	RunID      string `json:"run_id" jsonschema:"Run identifier"`
	Checkpoint string `json:"checkpoint" jsonschema:"Identifier of the checkpoint being answered"`
	Decision   string `json:"decision" jsonschema:"Option id, override_proceed, kill_project, or custom on a segment pivot"`
	Feedback   string `json:"feedback,omitempty" jsonschema:"Free-text rationale; required for a custom segment"`
}

type decideOutput struct {
	Resumed    bool   `json:"resumed"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	NextPhase  int    `json:"next_phase,omitempty"`
	PivotType  string `json:"pivot_type,omitempty"`
	PivotCount int    `json:"pivot_count,omitempty"`
	MaxPivots  int    `json:"max_pivots,omitempty"`
}

func (s *Server) decide(ctx context.Context, args decideInput) (decideOutput, error) {
	userID, err := s.auth.Authenticate(ctx, s.token)
	if err != nil {
		return decideOutput{}, fmt.Errorf("validation decide failed: %w", err)
	}
	res, err := s.runs.Decide(ctx, run.Decision{
		RunID:      args.RunID,
		Checkpoint: args.Checkpoint,
		Decision:   args.Decision,
		Feedback:   args.Feedback,
		DecidedBy:  userID,
	})
	if err != nil {
		return decideOutput{}, fmt.Errorf("validation decide failed: %w", err)
	}
	out := decideOutput{
		Resumed:    res.Resumed,
		Status:     string(res.Run.Status),
		Message:    s.scrub(res.Message),
		PivotType:  res.PivotType,
		PivotCount: res.PivotCount,
		MaxPivots:  res.MaxPivots,
	}
	if res.NextPhase != nil {
		out.NextPhase = *res.NextPhase
	}
	return out, nil
}

type alternativesOutput struct {
	Checkpoint     string                     `json:"checkpoint"`
	PivotType      string                     `json:"pivot_type"`
	PivotCount     int                        `json:"pivot_count"`
	MaxPivots      int                        `json:"max_pivots"`
	AllowsCustom   bool                       `json:"allows_custom"`
	LimitReached   bool                       `json:"limit_reached"`
	AlternativeIDs []string                   `json:"alternative_ids"`
	Segments       []pivot.SegmentAlternative `json:"segments,omitempty"`
	Values         []pivot.ValueAlternative   `json:"values,omitempty"`
	Features       []pivot.FeatureDowngrade   `json:"features,omitempty"`
	Levers         []pivot.StrategicLever     `json:"levers,omitempty"`
}

func (s *Server) alternatives(ctx context.Context, args runInput) (alternativesOutput, error) {
	rec, err := s.runs.Alternatives(ctx, args.RunID)
	if err != nil {
		return alternativesOutput{}, fmt.Errorf("validation alternatives failed: %w", err)
	}
	return alternativesOutput{
		Checkpoint:     rec.Checkpoint,
		PivotType:      string(rec.Type),
		PivotCount:     rec.PivotCount,
		MaxPivots:      rec.MaxPivots,
		AllowsCustom:   rec.AllowsCustom,
		LimitReached:   rec.LimitReached,
		AlternativeIDs: rec.AlternativeIDs(),
		Segments:       rec.Segments,
		Values:         rec.Values,
		Features:       rec.Features,
		Levers:         rec.Levers,
	}, nil
}

func (s *Server) scrub(text string) string {
	if text == "" {
		return text
	}
	return s.scrubber.Scrub(text).Text
}

// Package initiator creates validation runs: it deduplicates submissions by
// idempotency key, validates and authenticates the request, records the
// project, and kicks off the executor. When kickoff fails the submission is
// still accepted and the run is left pending for an asynchronous retry.
package initiator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/validationd/internal/events"
	"github.com/fyrsmithlabs/validationd/internal/executor"
	"github.com/fyrsmithlabs/validationd/internal/idempotency"
	"github.com/fyrsmithlabs/validationd/internal/phase"
	"github.com/fyrsmithlabs/validationd/internal/run"
	"github.com/fyrsmithlabs/validationd/internal/secrets"
	"github.com/fyrsmithlabs/validationd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/validationd/internal/initiator"

// StatusPhaseOneStarted is reported for every accepted submission, including
// those whose kickoff was deferred.
const StatusPhaseOneStarted = "phase_1_started"

// LocalRunPrefix marks run ids generated here after a failed kickoff so they
// never collide with executor ids.
const LocalRunPrefix = "local-"

// Request is a run submission.
type Request struct {
	IdempotencyKey string
	Token          string
	RawIdea        string
	Context        string
	Flow           phase.Flow
}

// Response acknowledges a submission.
type Response struct {
	RunID       string `json:"run_id"`
	ProjectID   string `json:"project_id"`
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url"`
	// Replayed is set when the response came from the idempotency cache.
	Replayed bool `json:"replayed,omitempty"`
	// Deferred is set when the executor did not accept the kickoff.
	Deferred bool   `json:"deferred,omitempty"`
	UserID   string `json:"-"`
	// Quota is the caller's start allowance after this submission. It is
	// zero for replays and when starts are not limited.
	Quota Quota `json:"-"`
}

// KickoffScheduler retries deferred kickoffs out of band.
type KickoffScheduler interface {
	ScheduleKickoffRetry(ctx context.Context, runID string) error
}

// Config holds validation bounds and routing.
type Config struct {
	MinIdeaLength    int
	MaxIdeaLength    int
	MaxContextLength int
	RedirectBase     string
}

// DefaultConfig returns production bounds.
func DefaultConfig() Config {
	return Config{
		MinIdeaLength:    10,
		MaxIdeaLength:    5000,
		MaxContextLength: 10000,
		RedirectBase:     "/validation",
	}
}

// Deps are the collaborators of an Initiator.
type Deps struct {
	Store     store.Store
	Executor  executor.JobControl
	Guard     *idempotency.Guard
	Auth      Authenticator
	Limiter   *UserLimiter
	Scrubber  secrets.Scrubber
	Events    events.Publisher
	Tables    *phase.Tables
	Scheduler KickoffScheduler
	Logger    *zap.Logger
}

// Initiator implements run submission.
type Initiator struct {
	cfg    Config
	deps   Deps
	tracer trace.Tracer
}

// New validates deps and fills optional ones with no-op defaults.
func New(cfg Config, deps Deps) (*Initiator, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required for initiator")
	}
	if deps.Executor == nil {
		return nil, errors.New("executor is required for initiator")
	}
	if deps.Guard == nil {
		return nil, errors.New("idempotency guard is required for initiator")
	}
	if deps.Auth == nil {
		deps.Auth = NewTokenAuthenticator(nil)
	}
	if deps.Limiter == nil {
		deps.Limiter = NewUserLimiter(0, 0)
	}
	if deps.Scrubber == nil {
		deps.Scrubber = secrets.Noop{}
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Tables == nil {
		deps.Tables = phase.Defaults()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxIdeaLength <= 0 {
		cfg.MaxIdeaLength = DefaultConfig().MaxIdeaLength
	}
	if cfg.MaxContextLength <= 0 {
		cfg.MaxContextLength = DefaultConfig().MaxContextLength
	}
	return &Initiator{cfg: cfg, deps: deps, tracer: otel.Tracer(instrumentationName)}, nil
}

// Initiate accepts a submission. A live idempotency entry is returned before
// any validation, authentication or store access.
func (in *Initiator) Initiate(ctx context.Context, req Request) (*Response, error) {
	ctx, span := in.tracer.Start(ctx, "initiator.Initiate")
	defer span.End()

	if e, ok := in.deps.Guard.Lookup(ctx, req.IdempotencyKey); ok {
		span.SetAttributes(attribute.Bool("replayed", true), attribute.String("run.id", e.RunID))
		return fromEntry(e, true), nil
	}

	if err := in.validate(&req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	userID, err := in.deps.Auth.Authenticate(ctx, req.Token)
	if err != nil {
		span.SetStatus(codes.Error, "unauthorized")
		return nil, err
	}

	var (
		deferred bool
		quota    Quota
	)
	e, replayed, err := in.deps.Guard.Do(ctx, req.IdempotencyKey, func(ctx context.Context) (*idempotency.Entry, error) {
		q, err := in.deps.Limiter.Reserve(userID)
		if err != nil {
			return nil, err
		}
		quota = q
		e, d, err := in.create(ctx, userID, req)
		deferred = d
		return e, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp := fromEntry(e, replayed)
	resp.Deferred = deferred && !replayed
	resp.UserID = userID
	if !replayed {
		resp.Quota = quota
	}
	span.SetAttributes(attribute.String("run.id", resp.RunID), attribute.Bool("replayed", replayed), attribute.Bool("deferred", resp.Deferred))
	return resp, nil
}

func fromEntry(e *idempotency.Entry, replayed bool) *Response {
	return &Response{
		RunID:       e.RunID,
		ProjectID:   e.ProjectID,
		Status:      e.Status,
		RedirectURL: e.RedirectURL,
		Replayed:    replayed,
	}
}

func (in *Initiator) validate(req *Request) error {
	req.RawIdea = strings.TrimSpace(req.RawIdea)
	req.Context = strings.TrimSpace(req.Context)

	n := utf8.RuneCountInString(req.RawIdea)
	if n < in.cfg.MinIdeaLength {
		return &run.ValidationError{Field: "raw_idea", Reason: fmt.Sprintf("must be at least %d characters", in.cfg.MinIdeaLength)}
	}
	if n > in.cfg.MaxIdeaLength {
		return &run.ValidationError{Field: "raw_idea", Reason: fmt.Sprintf("must be at most %d characters", in.cfg.MaxIdeaLength)}
	}
	if utf8.RuneCountInString(req.Context) > in.cfg.MaxContextLength {
		return &run.ValidationError{Field: "context", Reason: fmt.Sprintf("must be at most %d characters", in.cfg.MaxContextLength)}
	}
	if req.Flow == "" {
		req.Flow = in.deps.Tables.Default()
	} else if !in.deps.Tables.Has(req.Flow) {
		return &run.ValidationError{Field: "flow", Reason: "unknown flow " + string(req.Flow)}
	}
	return nil
}

// create performs the non-idempotent part of a submission. The bool result
// reports whether kickoff was deferred.
func (in *Initiator) create(ctx context.Context, userID string, req Request) (*idempotency.Entry, bool, error) {
	log := in.deps.Logger

	idea := in.scrub("raw_idea", req.RawIdea)
	extra := in.scrub("context", req.Context)

	project := &store.Project{UserID: userID, RawIdea: idea, Context: extra, Flow: string(req.Flow)}
	if err := in.deps.Store.CreateProject(ctx, project); err != nil {
		return nil, false, fmt.Errorf("failed to create project: %w", err)
	}

	rec := &store.Run{ProjectID: project.ID, UserID: userID, Flow: string(req.Flow)}
	started, startErr := in.deps.Executor.Start(ctx, executor.StartInput{
		ProjectID: project.ID,
		UserID:    userID,
		RawIdea:   idea,
		Context:   extra,
		Flow:      string(req.Flow),
	})
	deferred := startErr != nil
	if deferred {
		rec.RunID = LocalRunPrefix + uuid.NewString()
		rec.Status = run.StatusPending
		rec.KickoffError = startErr.Error()
		rec.KickoffAttempts = 1
	} else {
		rec.RunID = started.RunID
		rec.ExecutorRunID = started.RunID
		rec.Status = run.StatusRunning
		rec.CurrentPhase = in.deps.Tables.ForFlow(req.Flow).First()
	}
	if err := in.deps.Store.CreateRun(ctx, rec); err != nil {
		return nil, false, fmt.Errorf("failed to create run: %w", err)
	}

	if deferred {
		log.Warn("executor kickoff failed, run left pending",
			zap.String("project_id", project.ID),
			zap.String("run_id", rec.RunID),
			zap.Bool("retryable", run.IsRetryable(startErr)),
			zap.Error(startErr))
		in.publish(ctx, events.Event{Type: events.KickoffDeferred, RunID: rec.RunID, ProjectID: project.ID, Status: rec.Status, Message: startErr.Error()})
		if in.deps.Scheduler != nil {
			if err := in.deps.Scheduler.ScheduleKickoffRetry(ctx, rec.RunID); err != nil {
				log.Warn("failed to schedule kickoff retry", zap.String("run_id", rec.RunID), zap.Error(err))
			}
		}
	} else {
		log.Info("validation run started",
			zap.String("project_id", project.ID),
			zap.String("run_id", rec.RunID),
			zap.String("flow", rec.Flow))
		in.publish(ctx, events.Event{Type: events.KickoffStarted, RunID: rec.RunID, ProjectID: project.ID, Status: rec.Status, Phase: rec.CurrentPhase})
	}

	return &idempotency.Entry{
		RunID:       rec.RunID,
		ProjectID:   project.ID,
		Status:      StatusPhaseOneStarted,
		RedirectURL: in.redirectURL(rec.RunID),
	}, deferred, nil
}

func (in *Initiator) redirectURL(runID string) string {
	return strings.TrimRight(in.cfg.RedirectBase, "/") + "/" + runID
}

func (in *Initiator) scrub(field, text string) string {
	res := in.deps.Scrubber.Scrub(text)
	if res.Redacted() {
		in.deps.Logger.Info("redacted credentials from submission", zap.String("field", field), zap.Any("rules", res.Rules))
	}
	return res.Text
}

func (in *Initiator) publish(ctx context.Context, e events.Event) {
	if err := in.deps.Events.Publish(ctx, e); err != nil {
		in.deps.Logger.Warn("failed to publish run event", zap.String("type", string(e.Type)), zap.String("run_id", e.RunID), zap.Error(err))
	}
}

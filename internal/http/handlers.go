package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/validationd/internal/initiator"
	"github.com/fyrsmithlabs/validationd/internal/logging"
	"github.com/fyrsmithlabs/validationd/internal/phase"
	"github.com/fyrsmithlabs/validationd/internal/run"
)

// handleHealth reports liveness and the kickoff backlog.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:          "ok",
		PendingKickoffs: CountPendingKickoffs(c.Request().Context(), s.store),
	}
	if s.health != nil {
		switch h := s.health.Health(); {
		case h.Degraded:
			resp.Telemetry = "degraded: " + h.Reason
		case h.Healthy:
			resp.Telemetry = "ok"
		default:
			resp.Telemetry = "stopped"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleInitiate submits a validation run. The idempotency key comes from the
// Idempotency-Key header, falling back to the body field.
func (s *Server) handleInitiate(c echo.Context) error {
	var req InitiateRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid initiate request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	key := c.Request().Header.Get(IdempotencyKeyHeader)
	if key == "" {
		key = req.IdempotencyKey
	}

	resp, err := s.runs.Initiate(c.Request().Context(), initiator.Request{
		IdempotencyKey: key,
		Token:          bearerToken(c),
		RawIdea:        req.RawIdea,
		Context:        req.Context,
		Flow:           phase.Flow(req.Flow),
	})
	if err != nil {
		return err
	}
	if resp.Replayed {
		c.Response().Header().Set("Idempotent-Replayed", "true")
	}
	if q := resp.Quota; q.Limit > 0 {
		c.Response().Header().Set(RateLimitHeader, strconv.Itoa(q.Limit))
		c.Response().Header().Set(RateRemainingHeader, strconv.Itoa(q.Remaining))
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/runs/"+resp.RunID)
	return c.JSON(http.StatusAccepted, resp)
}

// handleStatus returns one snapshot of the run.
func (s *Server) handleStatus(c echo.Context) error {
	runID := c.Param("id")
	snap, err := s.runs.Status(s.runContext(c, runID), runID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

// handleDecide answers the run's open checkpoint. The caller is
// authenticated so the audit record names who decided.
func (s *Server) handleDecide(c echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid decision request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	userID, err := s.auth.Authenticate(ctx, bearerToken(c))
	if err != nil {
		return err
	}

	runID := c.Param("id")
	ctx = s.runContext(c, runID)
	if logging.ValidID(userID) {
		ctx = logging.WithUserID(ctx, userID)
	}
	res, err := s.runs.Decide(ctx, run.Decision{
		RunID:      runID,
		Checkpoint: req.Checkpoint,
		Decision:   req.Decision,
		Feedback:   req.Feedback,
		DecidedBy:  userID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// handleListDecisions returns the run's decision audit trail.
func (s *Server) handleListDecisions(c echo.Context) error {
	runID := c.Param("id")
	ds, err := s.runs.Decisions(s.runContext(c, runID), runID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, decisionViews(ds))
}

// handleAlternatives returns the pivot view of an open pivot checkpoint.
func (s *Server) handleAlternatives(c echo.Context) error {
	runID := c.Param("id")
	rec, err := s.runs.Alternatives(s.runContext(c, runID), runID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// handleWait long-polls until the run pauses or finishes. A failed run is a
// result, not an error. When the wait window closes first the latest
// snapshot is returned with done=false.
func (s *Server) handleWait(c echo.Context) error {
	runID := c.Param("id")
	ctx := s.runContext(c, runID)

	if raw := c.QueryParam("timeout"); raw != "" {
		d, err := parseWait(raw)
		if err != nil {
			return &run.ValidationError{Field: "timeout", Reason: err.Error()}
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	snap, err := s.runs.Wait(ctx, runID, nil)
	var (
		failed  *run.RunFailedError
		timeout *run.TimeoutError
	)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, WaitResponse{Run: snap, Done: true})
	case errors.As(err, &failed):
		return c.JSON(http.StatusOK, WaitResponse{Run: failed.Snapshot, Done: true})
	case errors.As(err, &timeout):
		return c.JSON(http.StatusOK, WaitResponse{Run: timeout.Last, Done: false})
	case errors.Is(err, context.DeadlineExceeded) && c.Request().Context().Err() == nil:
		if snap == nil {
			// No read completed inside the window; report the current state.
			if snap, err = s.runs.Status(c.Request().Context(), runID); err != nil {
				return err
			}
		}
		return c.JSON(http.StatusOK, WaitResponse{Run: snap, Done: false})
	default:
		return err
	}
}

// parseWait accepts a Go duration ("90s") or whole seconds ("90").
func parseWait(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, serr := strconv.Atoi(raw)
		if serr != nil {
			return 0, errors.New("must be a duration like 30s or a number of seconds")
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, errors.New("must be positive")
	}
	if d > MaxWait {
		d = MaxWait
	}
	return d, nil
}

// runContext attaches run correlation when the path id is loggable. Other
// ids are still looked up and rejected by the store.
func (s *Server) runContext(c echo.Context, runID string) context.Context {
	ctx := c.Request().Context()
	if !logging.ValidID(runID) {
		return ctx
	}
	return logging.WithRun(ctx, "", runID)
}

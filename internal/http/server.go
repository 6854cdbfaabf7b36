// Package http provides the REST API for validation runs.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/validationd/internal/initiator"
	"github.com/fyrsmithlabs/validationd/internal/logging"
	"github.com/fyrsmithlabs/validationd/internal/orchestrator"
	"github.com/fyrsmithlabs/validationd/internal/pivot"
	"github.com/fyrsmithlabs/validationd/internal/poller"
	"github.com/fyrsmithlabs/validationd/internal/run"
	"github.com/fyrsmithlabs/validationd/internal/store"
	"github.com/fyrsmithlabs/validationd/internal/telemetry"
)

// IdempotencyKeyHeader carries the client's submission key.
const IdempotencyKeyHeader = "Idempotency-Key"

// Per-user start allowance, reported on accepted and rate limited submissions.
const (
	RateLimitHeader     = "X-RateLimit-Limit"
	RateRemainingHeader = "X-RateLimit-Remaining"
)

// MaxWait caps the wait endpoint's timeout parameter.
const MaxWait = 10 * time.Minute

// RunService is the orchestration surface the API serves.
type RunService interface {
	Initiate(ctx context.Context, req initiator.Request) (*initiator.Response, error)
	Status(ctx context.Context, runID string) (*run.Snapshot, error)
	Decide(ctx context.Context, d run.Decision) (*orchestrator.DecisionResult, error)
	Wait(ctx context.Context, runID string, onProgress poller.ProgressFunc) (*run.Snapshot, error)
	Alternatives(ctx context.Context, runID string) (*pivot.Record, error)
	Decisions(ctx context.Context, runID string) ([]*store.Decision, error)
}

// Server provides HTTP endpoints for validationd.
type Server struct {
	echo    *echo.Echo
	runs    RunService
	auth    initiator.Authenticator
	store   store.Store
	health  HealthReporter
	metrics *HTTPMetrics
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// HealthReporter reports telemetry export health. *telemetry.Telemetry
// satisfies it.
type HealthReporter interface {
	Health() telemetry.HealthStatus
}

// Deps are the collaborators of a Server. Store and Telemetry are optional
// and only feed the health probe.
type Deps struct {
	Runs      RunService
	Auth      initiator.Authenticator
	Store     store.Store
	Telemetry HealthReporter
	Logger    *zap.Logger
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, cfg *Config) (*Server, error) {
	if deps.Runs == nil {
		return nil, fmt.Errorf("run service cannot be nil")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if deps.Auth == nil {
		deps.Auth = initiator.NewTokenAuthenticator(nil)
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		runs:    deps.Runs,
		auth:    deps.Auth,
		store:   deps.Store,
		health:  deps.Telemetry,
		metrics: NewHTTPMetrics(nil, deps.Logger),
		logger:  deps.Logger,
		config:  cfg,
	}
	e.HTTPErrorHandler = s.errorHandler

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			if err != nil {
				// Resolve the status before logging; the error handler runs later.
				c.Error(err)
				err = nil
			}

			logging.For(c.Request().Context(), s.logger).Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleInitiate)
	v1.GET("/runs/:id", s.handleStatus)
	v1.POST("/runs/:id/decisions", s.handleDecide)
	v1.GET("/runs/:id/decisions", s.handleListDecisions)
	v1.GET("/runs/:id/alternatives", s.handleAlternatives)
	v1.GET("/runs/:id/wait", s.handleWait)
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(c echo.Context) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/validationd/internal/initiator"
	"github.com/fyrsmithlabs/validationd/internal/orchestrator"
	"github.com/fyrsmithlabs/validationd/internal/pivot"
	"github.com/fyrsmithlabs/validationd/internal/run"
	"github.com/fyrsmithlabs/validationd/internal/secrets"
)

// RunService is the orchestration surface the tools call.
type RunService interface {
	Initiate(ctx context.Context, req initiator.Request) (*initiator.Response, error)
	Status(ctx context.Context, runID string) (*run.Snapshot, error)
	Decide(ctx context.Context, d run.Decision) (*orchestrator.DecisionResult, error)
	Alternatives(ctx context.Context, runID string) (*pivot.Record, error)
}

// Server registers validation tools on an MCP server.
type Server struct {
	mcp          *mcp.Server
	runs         RunService
	auth         initiator.Authenticator
	token        string
	scrubber     secrets.Scrubber
	toolRegistry *ToolRegistry
	metrics      *Metrics
	logger       *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "validationd")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Token is the bearer token presented on behalf of the stdio client for
	// initiation and decisions. Empty is fine when no API tokens are configured.
	Token string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "validationd",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server backed by runs.
func NewServer(cfg *Config, runs RunService, auth initiator.Authenticator, scrubber secrets.Scrubber) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if runs == nil {
		return nil, fmt.Errorf("run service is required")
	}
	if scrubber == nil {
		return nil, fmt.Errorf("scrubber is required")
	}
	if auth == nil {
		auth = initiator.NewTokenAuthenticator(nil)
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:          mcpServer,
		runs:         runs,
		auth:         auth,
		token:        cfg.Token,
		scrubber:     scrubber,
		toolRegistry: NewToolRegistry(),
		metrics:      NewMetrics(nil, cfg.Logger),
		logger:       cfg.Logger,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session over transport; used with in-memory
// transports in tests.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}

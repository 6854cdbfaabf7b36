// Package config provides configuration loading for validationd.
//
// Configuration is read from an optional YAML file and overridden by
// environment variables, with defaults for everything the daemon needs to
// start against a local executor.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the complete validationd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Executor      ExecutorConfig      `koanf:"executor"`
	Poll          PollConfig          `koanf:"poll"`
	Idempotency   IdempotencyConfig   `koanf:"idempotency"`
	Initiation    InitiationConfig    `koanf:"initiation"`
	Pivot         PivotConfig         `koanf:"pivot"`
	Store         StoreConfig         `koanf:"store"`
	NATS          NATSConfig          `koanf:"nats"`
	Temporal      TemporalConfig      `koanf:"temporal"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// RedirectBase prefixes the redirect url returned on initiation.
	RedirectBase string `koanf:"redirect_base"`
}

// ExecutorConfig points at the remote executor's job-control endpoints.
type ExecutorConfig struct {
	KickoffURL     string   `koanf:"kickoff_url"`
	StatusURL      string   `koanf:"status_url"`
	HITLApproveURL string   `koanf:"hitl_approve_url"`
	Token          Secret   `koanf:"token"`
	RequestTimeout Duration `koanf:"request_timeout"`
	RateLimit      float64  `koanf:"rate_limit"` // requests per second, 0 = unlimited
	Burst          int      `koanf:"burst"`
}

// Configured reports whether all three endpoints are set.
func (e ExecutorConfig) Configured() bool {
	return e.KickoffURL != "" && e.StatusURL != "" && e.HITLApproveURL != ""
}

// PollConfig tunes the long-poll driver.
type PollConfig struct {
	Interval    Duration `koanf:"interval"`
	MaxAttempts int      `koanf:"max_attempts"`
}

// IdempotencyConfig selects and tunes the idempotency store.
type IdempotencyConfig struct {
	TTL           Duration `koanf:"ttl"`
	Backend       string   `koanf:"backend"` // memory or nats
	SweepInterval Duration `koanf:"sweep_interval"`
	ClaimWait     Duration `koanf:"claim_wait"`
	Bucket        string   `koanf:"bucket"`
}

// APIToken maps a bearer token to a user id.
type APIToken struct {
	Token  Secret `koanf:"token"`
	UserID string `koanf:"user_id"`
}

// InitiationConfig bounds submissions.
type InitiationConfig struct {
	MinIdeaLength    int        `koanf:"min_idea_length"`
	MaxIdeaLength    int        `koanf:"max_idea_length"`
	MaxContextLength int        `koanf:"max_context_length"`
	StartLimit       int        `koanf:"start_limit"`
	StartWindow      Duration   `koanf:"start_window"`
	APITokens        []APIToken `koanf:"api_tokens"`
	DefaultFlow      string     `koanf:"default_flow"`
}

// Tokens returns the token to user id map used by the authenticator.
func (i InitiationConfig) Tokens() map[string]string {
	if len(i.APITokens) == 0 {
		return nil
	}
	out := make(map[string]string, len(i.APITokens))
	for _, t := range i.APITokens {
		out[t.Token.Value()] = t.UserID
	}
	return out
}

// PivotConfig holds the pivot ceiling.
type PivotConfig struct {
	MaxPivots int `koanf:"max_pivots"`
}

// StoreConfig holds the SQLite database location.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// NATSConfig configures the event stream and shared idempotency KV.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	// Embedded runs an in-process server instead of dialing URL.
	Embedded bool   `koanf:"embedded"`
	StoreDir string `koanf:"store_dir"`
}

// TemporalConfig configures asynchronous kickoff retries.
type TemporalConfig struct {
	Enabled            bool   `koanf:"enabled"`
	HostPort           string `koanf:"host_port"`
	Namespace          string `koanf:"namespace"`
	TaskQueue          string `koanf:"task_queue"`
	KickoffMaxAttempts int    `koanf:"kickoff_max_attempts"`
	// ReconcileInterval is how often pending kickoffs are rescheduled.
	ReconcileInterval Duration `koanf:"reconcile_interval"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
}

// LoggingConfig holds the logger settings exposed through config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load loads configuration from environment variables with defaults.
//
// Environment variables:
//   - SERVER_HTTP_PORT: HTTP server port (default: 8080)
//   - SERVER_SHUTDOWN_TIMEOUT: Graceful shutdown timeout (default: 10s)
//   - EXECUTOR_KICKOFF_URL, EXECUTOR_STATUS_URL, EXECUTOR_HITL_APPROVE_URL: executor endpoints
//   - EXECUTOR_TOKEN: executor bearer token
//   - POLL_INTERVAL: Long-poll interval (default: 5s)
//   - POLL_MAX_ATTEMPTS: Long-poll attempts (default: 120)
//   - IDEMPOTENCY_TTL: Idempotency entry lifetime (default: 5m)
//   - PIVOT_MAX_PIVOTS: Pivot ceiling (default: 3)
//   - STORE_PATH: SQLite database path
//   - NATS_ENABLED, NATS_URL: event stream
//   - TEMPORAL_ENABLED, TEMPORAL_HOST_PORT: kickoff retries
//
// Example:
//
//	cfg := config.Load()
//	fmt.Println("Server port:", cfg.Server.Port)
func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_HTTP_PORT", 0),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 0),
			RedirectBase:    getEnvString("SERVER_REDIRECT_BASE", ""),
		},
		Executor: ExecutorConfig{
			KickoffURL:     getEnvString("EXECUTOR_KICKOFF_URL", ""),
			StatusURL:      getEnvString("EXECUTOR_STATUS_URL", ""),
			HITLApproveURL: getEnvString("EXECUTOR_HITL_APPROVE_URL", ""),
			Token:          Secret(getEnvString("EXECUTOR_TOKEN", "")),
			RequestTimeout: Duration(getEnvDuration("EXECUTOR_REQUEST_TIMEOUT", 0)),
		},
		Poll: PollConfig{
			Interval:    Duration(getEnvDuration("POLL_INTERVAL", 0)),
			MaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 0),
		},
		Idempotency: IdempotencyConfig{
			TTL:     Duration(getEnvDuration("IDEMPOTENCY_TTL", 0)),
			Backend: getEnvString("IDEMPOTENCY_BACKEND", ""),
		},
		Pivot: PivotConfig{
			MaxPivots: getEnvInt("PIVOT_MAX_PIVOTS", 0),
		},
		Store: StoreConfig{
			Path: getEnvString("STORE_PATH", ""),
		},
		NATS: NATSConfig{
			Enabled: getEnvBool("NATS_ENABLED", false),
			URL:     getEnvString("NATS_URL", ""),
		},
		Temporal: TemporalConfig{
			Enabled:  getEnvBool("TEMPORAL_ENABLED", false),
			HostPort: getEnvString("TEMPORAL_HOST_PORT", ""),
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: getEnvBool("OBSERVABILITY_ENABLE_TELEMETRY", false),
			ServiceName:     getEnvString("OBSERVABILITY_SERVICE_NAME", ""),
		},
		Logging: LoggingConfig{
			Level: getEnvString("LOGGING_LEVEL", ""),
		},
	}
	applyDefaults(cfg)
	return cfg
}

var validFlows = map[string]bool{"quick_start": true, "legacy": true}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - An executor url is set but not absolute http(s)
//   - The idempotency backend is unknown, or nats without NATS enabled
//   - Service name is empty (when telemetry is enabled)
//
// A missing executor url is not an error here: the daemon starts and every
// kickoff fails with a configuration error until it is set.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	for name, raw := range map[string]string{
		"executor.kickoff_url":      c.Executor.KickoffURL,
		"executor.status_url":       c.Executor.StatusURL,
		"executor.hitl_approve_url": c.Executor.HITLApproveURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid %s: %q (must be an absolute http(s) url)", name, raw)
		}
	}
	if c.Executor.RateLimit < 0 {
		return errors.New("executor rate limit cannot be negative")
	}

	if c.Poll.MaxAttempts < 1 {
		return fmt.Errorf("invalid poll max attempts: %d (must be >= 1)", c.Poll.MaxAttempts)
	}

	switch c.Idempotency.Backend {
	case "memory":
	case "nats":
		if !c.NATS.Enabled {
			return errors.New("idempotency backend nats requires nats.enabled")
		}
	default:
		return fmt.Errorf("unknown idempotency backend %q (must be memory or nats)", c.Idempotency.Backend)
	}

	in := c.Initiation
	if in.MinIdeaLength < 1 || in.MaxIdeaLength < in.MinIdeaLength {
		return fmt.Errorf("invalid idea length bounds: %d..%d", in.MinIdeaLength, in.MaxIdeaLength)
	}
	if !validFlows[in.DefaultFlow] {
		return fmt.Errorf("unknown default flow %q", in.DefaultFlow)
	}
	for i, t := range in.APITokens {
		if !t.Token.IsSet() || t.UserID == "" {
			return fmt.Errorf("api token %d needs both token and user_id", i)
		}
	}

	if c.Pivot.MaxPivots < 1 {
		return fmt.Errorf("invalid max pivots: %d (must be >= 1)", c.Pivot.MaxPivots)
	}

	if c.NATS.Enabled && !c.NATS.Embedded && c.NATS.URL == "" {
		return errors.New("nats url required when nats is enabled")
	}
	if c.Temporal.Enabled && c.Temporal.HostPort == "" {
		return errors.New("temporal host_port required when temporal is enabled")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

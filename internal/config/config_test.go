package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		validate func(*testing.T, *Config)
	}{
		{
			name: "default values",
			env:  map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != 8080 {
					t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
				}
				if cfg.Server.ShutdownTimeout != 10*time.Second {
					t.Errorf("Server.ShutdownTimeout = %v, want 10s", cfg.Server.ShutdownTimeout)
				}
				if cfg.Poll.Interval.Duration() != 5*time.Second || cfg.Poll.MaxAttempts != 120 {
					t.Errorf("Poll = %+v, want 5s x 120", cfg.Poll)
				}
				if cfg.Idempotency.Backend != "memory" {
					t.Errorf("Idempotency.Backend = %q, want memory", cfg.Idempotency.Backend)
				}
				if cfg.Initiation.StartLimit != 10 || cfg.Initiation.StartWindow.Duration() != 15*time.Minute {
					t.Errorf("Initiation start limit = %d per %v, want 10 per 15m", cfg.Initiation.StartLimit, cfg.Initiation.StartWindow)
				}
				if cfg.Pivot.MaxPivots != 3 {
					t.Errorf("Pivot.MaxPivots = %d, want 3", cfg.Pivot.MaxPivots)
				}
				if cfg.Temporal.ReconcileInterval.Duration() != 5*time.Minute {
					t.Errorf("Temporal.ReconcileInterval = %v, want 5m", cfg.Temporal.ReconcileInterval)
				}
				if cfg.Observability.EnableTelemetry {
					t.Error("Observability.EnableTelemetry = true, want false (disabled by default)")
				}
				if cfg.Observability.ServiceName != "validationd" {
					t.Errorf("Observability.ServiceName = %q, want validationd", cfg.Observability.ServiceName)
				}
			},
		},
		{
			name: "environment variable overrides",
			env: map[string]string{
				"SERVER_HTTP_PORT":     "9191",
				"EXECUTOR_KICKOFF_URL": "http://crew:8000/kickoff",
				"EXECUTOR_TOKEN":       "s3cret",
				"POLL_INTERVAL":        "1s",
				"PIVOT_MAX_PIVOTS":     "5",
				"NATS_ENABLED":         "true",
				"NATS_URL":             "nats://localhost:4222",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != 9191 {
					t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
				}
				if cfg.Executor.KickoffURL != "http://crew:8000/kickoff" {
					t.Errorf("Executor.KickoffURL = %q", cfg.Executor.KickoffURL)
				}
				if cfg.Executor.Token.Value() != "s3cret" {
					t.Error("Executor.Token not read from env")
				}
				if cfg.Poll.Interval.Duration() != time.Second {
					t.Errorf("Poll.Interval = %v, want 1s", cfg.Poll.Interval)
				}
				if cfg.Pivot.MaxPivots != 5 {
					t.Errorf("Pivot.MaxPivots = %d, want 5", cfg.Pivot.MaxPivots)
				}
				if !cfg.NATS.Enabled || cfg.NATS.URL != "nats://localhost:4222" {
					t.Errorf("NATS = %+v", cfg.NATS)
				}
			},
		},
		{
			name: "invalid values fall back to defaults",
			env: map[string]string{
				"SERVER_HTTP_PORT": "not-a-port",
				"POLL_INTERVAL":    "soon",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != 8080 {
					t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
				}
				if cfg.Poll.Interval.Duration() != 5*time.Second {
					t.Errorf("Poll.Interval = %v, want 5s", cfg.Poll.Interval)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg := Load()
			tt.validate(t, cfg)
			if err := cfg.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"non-positive shutdown", func(c *Config) { c.Server.ShutdownTimeout = 0 }, "shutdown timeout"},
		{"ftp executor url", func(c *Config) { c.Executor.StatusURL = "ftp://crew/status" }, "executor.status_url"},
		{"negative rate limit", func(c *Config) { c.Executor.RateLimit = -1 }, "rate limit"},
		{"zero poll attempts", func(c *Config) { c.Poll.MaxAttempts = 0 }, "poll max attempts"},
		{"inverted idea bounds", func(c *Config) { c.Initiation.MaxIdeaLength = 5 }, "idea length"},
		{"zero pivots", func(c *Config) { c.Pivot.MaxPivots = 0 }, "max pivots"},
		{"nats without url", func(c *Config) { c.NATS.Enabled = true }, "nats url"},
		{"embedded nats needs no url", func(c *Config) { c.NATS.Enabled, c.NATS.Embedded = true, true }, ""},
		{"telemetry without name", func(c *Config) {
			c.Observability.EnableTelemetry = true
			c.Observability.ServiceName = ""
		}, "service name"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("Validate() error = %v, want nil", err)
			case tt.wantErr != "" && err == nil:
				t.Errorf("Validate() = nil, want error containing %q", tt.wantErr)
			case tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr):
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestSecret_Redacts(t *testing.T) {
	s := Secret("crew-token")
	if got := fmt.Sprintf("%v %s %#v", s, s, s); strings.Contains(got, "crew-token") {
		t.Errorf("formatted secret leaked: %s", got)
	}
	out, err := json.Marshal(ExecutorConfig{Token: s})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "crew-token") {
		t.Errorf("marshaled secret leaked: %s", out)
	}

	var back Secret
	if err := json.Unmarshal([]byte(`"[REDACTED]"`), &back); err == nil {
		t.Error("unmarshaling the redaction placeholder should fail")
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatal(err)
	}
	if d.Duration() != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", d)
	}
	if err := d.UnmarshalText([]byte("-1s")); err == nil {
		t.Error("negative durations should be rejected")
	}
	if err := d.UnmarshalText([]byte("30")); err != nil || d.Duration() != 30*time.Second {
		t.Errorf("bare seconds: got %v, %v", d, err)
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("garbage should be rejected")
	}
}

package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/validationd/internal/config"
)

// Config selects the OTLP collector and what is exported to it. With
// Enabled false, New installs nothing and instrumented code runs against
// the global no-op providers.
type Config struct {
	Enabled        bool   `koanf:"enabled"`
	Endpoint       string `koanf:"endpoint"`
	Protocol       string `koanf:"protocol"` // grpc or http/protobuf
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`
	// Insecure sends plaintext. Only loopback endpoints may use it.
	Insecure bool `koanf:"insecure"`
	// TLSSkipVerify accepts collectors signed by an internal CA.
	TLSSkipVerify bool           `koanf:"tls_skip_verify"`
	Sampling      SamplingConfig `koanf:"sampling"`
	Metrics       MetricsConfig  `koanf:"metrics"`
	Shutdown      ShutdownConfig `koanf:"shutdown"`
}

// SamplingConfig is the head sampling ratio for root spans.
type SamplingConfig struct {
	Rate float64 `koanf:"rate"`
}

type MetricsConfig struct {
	Enabled        bool            `koanf:"enabled"`
	ExportInterval config.Duration `koanf:"export_interval"`
}

// ShutdownConfig bounds the final flush on daemon exit.
type ShutdownConfig struct {
	Timeout config.Duration `koanf:"timeout"`
}

func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:       "localhost:4317",
		Protocol:       "grpc",
		ServiceName:    "validationd",
		ServiceVersion: "0.1.0",
		Insecure:       true,
		Sampling:       SamplingConfig{Rate: 1},
		Metrics:        MetricsConfig{Enabled: true, ExportInterval: config.Duration(15 * time.Second)},
		Shutdown:       ShutdownConfig{Timeout: config.Duration(5 * time.Second)},
	}
}

// FromAppConfig maps the daemon's observability section. A URL endpoint
// selects the HTTP exporter; https or any non-loopback host turns TLS on.
func FromAppConfig(obs config.ObservabilityConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = obs.EnableTelemetry
	if obs.ServiceName != "" {
		cfg.ServiceName = obs.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	if obs.OTLPEndpoint == "" {
		return cfg
	}
	cfg.Endpoint = obs.OTLPEndpoint
	if strings.HasPrefix(obs.OTLPEndpoint, "http://") || strings.HasPrefix(obs.OTLPEndpoint, "https://") {
		cfg.Protocol = protocolHTTP
	}
	if strings.HasPrefix(obs.OTLPEndpoint, "https://") || !cfg.isLocalEndpoint() {
		cfg.Insecure = false
	}
	return cfg
}

// Validate is a no-op for disabled telemetry.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	for name, v := range map[string]string{
		"endpoint":        c.Endpoint,
		"service_name":    c.ServiceName,
		"service_version": c.ServiceVersion,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required when telemetry is enabled", name))
		}
	}
	if c.Protocol != "" && c.Protocol != "grpc" && c.Protocol != protocolHTTP {
		errs = append(errs, fmt.Errorf("protocol must be grpc or %s, got %q", protocolHTTP, c.Protocol))
	}
	if c.Insecure && c.Endpoint != "" && !c.isLocalEndpoint() {
		errs = append(errs, fmt.Errorf("insecure export to %s is not allowed; use TLS or a loopback collector", c.Endpoint))
	}
	if c.Sampling.Rate < 0 || c.Sampling.Rate > 1 {
		errs = append(errs, fmt.Errorf("sampling.rate must be between 0 and 1, got %g", c.Sampling.Rate))
	}
	if c.Metrics.Enabled && c.Metrics.ExportInterval.Duration() <= 0 {
		errs = append(errs, errors.New("metrics.export_interval must be positive"))
	}
	if c.Shutdown.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("shutdown.timeout must be positive"))
	}
	return errors.Join(errs...)
}

// isLocalEndpoint reports whether the collector is on this host.
func (c *Config) isLocalEndpoint() bool {
	host := stripScheme(c.Endpoint)
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1 << 20

// configDirs are the only directories a config file may be loaded from.
func configDirs() ([]string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return []string{filepath.Join(home, ".config", "validationd"), "/etc/validationd"}, nil
}

// LoadWithFile loads the YAML file at configPath, overlays environment
// variables, applies defaults and validates. An empty configPath means
// ~/.config/validationd/config.yaml; a missing file is not an error.
//
// The file must live under ~/.config/validationd/ or /etc/validationd/, be
// mode 0600 or 0400 and be at most 1MB.
//
// Environment variables split on the first underscore into section and
// field, so EXECUTOR_HITL_APPROVE_URL sets executor.hitl_approve_url and
// IDEMPOTENCY_CLAIM_WAIT sets idempotency.claim_wait.
func LoadWithFile(configPath string) (*Config, error) {
	if configPath == "" {
		dirs, err := configDirs()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dirs[0], "config.yaml")
	}
	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	k := koanf.New(".")
	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	section, field, ok := strings.Cut(strings.ToLower(s), "_")
	if !ok {
		return section
	}
	return section + "." + field
}

// readConfigFile returns nil when path does not exist. Permissions and size
// are checked on the open descriptor so the file cannot be swapped between
// the check and the read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}
	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigPath rejects paths outside the config directories, after
// resolving symlinks where the path exists.
func validateConfigPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	dirs, err := configDirs()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/validationd/ or /etc/validationd/")
}

func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.RedirectBase == "" {
		cfg.Server.RedirectBase = "/validation"
	}

	// Executor defaults
	if cfg.Executor.RequestTimeout == 0 {
		cfg.Executor.RequestTimeout = Duration(30 * time.Second)
	}
	if cfg.Executor.RateLimit > 0 && cfg.Executor.Burst == 0 {
		cfg.Executor.Burst = 1
	}

	// Long-poll defaults: 120 reads 5s apart, ten minutes in total
	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = Duration(5 * time.Second)
	}
	if cfg.Poll.MaxAttempts == 0 {
		cfg.Poll.MaxAttempts = 120
	}

	// Idempotency defaults
	if cfg.Idempotency.TTL == 0 {
		cfg.Idempotency.TTL = Duration(5 * time.Minute)
	}
	if cfg.Idempotency.Backend == "" {
		cfg.Idempotency.Backend = "memory"
	}
	if cfg.Idempotency.SweepInterval == 0 {
		cfg.Idempotency.SweepInterval = Duration(time.Minute)
	}
	if cfg.Idempotency.ClaimWait == 0 {
		cfg.Idempotency.ClaimWait = Duration(10 * time.Second)
	}
	if cfg.Idempotency.Bucket == "" {
		cfg.Idempotency.Bucket = "validationd_idempotency"
	}

	// Initiation defaults. A negative start limit disables rate limiting.
	if cfg.Initiation.MinIdeaLength == 0 {
		cfg.Initiation.MinIdeaLength = 10
	}
	if cfg.Initiation.MaxIdeaLength == 0 {
		cfg.Initiation.MaxIdeaLength = 5000
	}
	if cfg.Initiation.MaxContextLength == 0 {
		cfg.Initiation.MaxContextLength = 10000
	}
	if cfg.Initiation.StartLimit == 0 {
		cfg.Initiation.StartLimit = 10
	}
	if cfg.Initiation.StartWindow == 0 {
		cfg.Initiation.StartWindow = Duration(15 * time.Minute)
	}
	if cfg.Initiation.DefaultFlow == "" {
		cfg.Initiation.DefaultFlow = "quick_start"
	}

	if cfg.Pivot.MaxPivots == 0 {
		cfg.Pivot.MaxPivots = 3
	}

	// Store defaults
	if cfg.Store.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Store.Path = filepath.Join(home, ".local", "share", "validationd", "validationd.db")
		} else {
			cfg.Store.Path = "validationd.db"
		}
	}

	// NATS defaults
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "validation.runs"
	}

	// Temporal defaults
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "validationd-kickoff"
	}
	if cfg.Temporal.ReconcileInterval == 0 {
		cfg.Temporal.ReconcileInterval = Duration(5 * time.Minute)
	}
	if cfg.Temporal.KickoffMaxAttempts == 0 {
		cfg.Temporal.KickoffMaxAttempts = 10
	}

	// Observability defaults
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "validationd"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Package config loads the host configuration from ~/.outpost/config.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvSidecarPath overrides sidecar.path; packaging sets it to the
	// bundled worker binary.
	EnvSidecarPath = "OUTPOST_SIDECAR_PATH"

	// EnvConfigPath overrides the default config file location.
	EnvConfigPath = "OUTPOST_CONFIG"
)

const (
	DefaultShutdownTimeout = 5 * time.Second
	DefaultDrainTimeout    = 2 * time.Second
	DefaultChannelCapacity = 256
	DefaultLogLines        = 1000
)

// Config holds the host configuration.
type Config struct {
	LogLevel string  `yaml:"log_level,omitempty"`
	LogLines int     `yaml:"log_lines,omitempty"`
	Journal  string  `yaml:"journal,omitempty"`
	PIDFile  string  `yaml:"pid_file,omitempty"`
	Socket   string  `yaml:"socket,omitempty"`
	Sidecar  Sidecar `yaml:"sidecar"`
	Health   *Health `yaml:"health,omitempty"`
}

// Sidecar describes the worker process.
type Sidecar struct {
	Path            string               `yaml:"path,omitempty"`
	Args            []string             `yaml:"args,omitempty"`
	WorkingDir      string               `yaml:"working_dir,omitempty"`
	Env             map[string]string    `yaml:"env,omitempty"`
	Secrets         map[string]SecretRef `yaml:"secrets,omitempty"`
	Port            *int                 `yaml:"port,omitempty"` // 0 allocates a free port
	ShutdownTimeout Duration             `yaml:"shutdown_timeout,omitempty"`
	DrainTimeout    Duration             `yaml:"drain_timeout,omitempty"`
	ChannelCapacity int                  `yaml:"channel_capacity,omitempty"`
	Watch           bool                 `yaml:"watch,omitempty"`
}

// SecretRef points at a keychain entry injected into the sidecar environment.
type SecretRef struct {
	Keychain string `yaml:"keychain"`
}

// Health configures probing of the running sidecar.
type Health struct {
	Type               string   `yaml:"type"` // "http" | "tcp" | "exec"
	Path               string   `yaml:"path,omitempty"`
	Port               int      `yaml:"port,omitempty"`
	Command            string   `yaml:"command,omitempty"`
	Interval           Duration `yaml:"interval,omitempty"`
	Timeout            Duration `yaml:"timeout,omitempty"`
	GracePeriod        Duration `yaml:"grace_period,omitempty"`
	UnhealthyThreshold int      `yaml:"unhealthy_threshold,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Home returns the outpost home directory (~/.outpost).
func Home() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".outpost"), nil
}

// DefaultPath returns the config file path: $OUTPOST_CONFIG if set,
// otherwise ~/.outpost/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir, err := Home()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load reads a YAML config file from path, applies environment overrides
// and validates the result. If the file does not exist, it returns the
// defaults and no error. An empty or all-comment file also yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if p := os.Getenv(EnvSidecarPath); p != "" {
		cfg.Sidecar.Path = p
	}
	cfg.Sidecar.Path = expandHome(cfg.Sidecar.Path)
	cfg.Journal = expandHome(cfg.Journal)
	cfg.PIDFile = expandHome(cfg.PIDFile)
	cfg.Socket = expandHome(cfg.Socket)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be debug, info, warn or error", c.LogLevel)
	}
	if c.LogLines < 0 {
		return fmt.Errorf("log_lines must not be negative")
	}

	s := c.Sidecar
	if s.ChannelCapacity < 0 {
		return fmt.Errorf("sidecar.channel_capacity must not be negative")
	}
	if s.ShutdownTimeout.Duration < 0 || s.DrainTimeout.Duration < 0 {
		return fmt.Errorf("sidecar timeouts must not be negative")
	}
	if s.Port != nil && (*s.Port < 0 || *s.Port > 65535) {
		return fmt.Errorf("sidecar.port %d out of range", *s.Port)
	}
	for name, ref := range s.Secrets {
		if ref.Keychain == "" {
			return fmt.Errorf("sidecar.secrets.%s: keychain key is required", name)
		}
	}

	if h := c.Health; h != nil {
		switch h.Type {
		case "http":
			if h.Path != "" && !strings.HasPrefix(h.Path, "/") {
				return fmt.Errorf("health.path %q must start with /", h.Path)
			}
		case "tcp":
		case "exec":
			if h.Command == "" {
				return fmt.Errorf("health.command is required for exec checks")
			}
		default:
			return fmt.Errorf("health.type %q must be http, tcp or exec", h.Type)
		}
		if (h.Type == "http" || h.Type == "tcp") && h.Port == 0 && s.Port == nil {
			return fmt.Errorf("health.port or sidecar.port is required for %s checks", h.Type)
		}
		if h.Interval.Duration < 0 || h.Timeout.Duration < 0 || h.GracePeriod.Duration < 0 {
			return fmt.Errorf("health durations must not be negative")
		}
	}
	return nil
}

// ShutdownTimeout returns the sidecar shutdown timeout or its default.
func (c *Config) ShutdownTimeout() time.Duration {
	if d := c.Sidecar.ShutdownTimeout.Duration; d > 0 {
		return d
	}
	return DefaultShutdownTimeout
}

// DrainTimeout returns the sidecar drain timeout or its default.
func (c *Config) DrainTimeout() time.Duration {
	if d := c.Sidecar.DrainTimeout.Duration; d > 0 {
		return d
	}
	return DefaultDrainTimeout
}

// ChannelCapacity returns the event channel capacity or its default.
func (c *Config) ChannelCapacity() int {
	if c.Sidecar.ChannelCapacity > 0 {
		return c.Sidecar.ChannelCapacity
	}
	return DefaultChannelCapacity
}

// LogBufferLines returns how many output lines to keep in memory.
func (c *Config) LogBufferLines() int {
	if c.LogLines > 0 {
		return c.LogLines
	}
	return DefaultLogLines
}

// JournalPath returns the journal file path, defaulting to
// ~/.outpost/events.log. Empty means journalling is disabled.
func (c *Config) JournalPath() string {
	if c.Journal != "" {
		return c.Journal
	}
	dir, err := Home()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "events.log")
}

// PIDFilePath returns where the running sidecar's pid is recorded,
// defaulting to ~/.outpost/sidecar.pid. Empty disables stale reaping.
func (c *Config) PIDFilePath() string {
	if c.PIDFile != "" {
		return c.PIDFile
	}
	dir, err := Home()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "sidecar.pid")
}

// SocketPath returns the control API socket, defaulting to
// ~/.outpost/outpost.sock.
func (c *Config) SocketPath() string {
	if c.Socket != "" {
		return c.Socket
	}
	dir, err := Home()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "outpost.sock")
}

// Level returns the slog level for log_level.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

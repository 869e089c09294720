package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `log_level: debug
log_lines: 50
journal: /tmp/outpost/events.log
sidecar:
  path: /opt/brain/brain-worker
  args: ["--model", "small"]
  working_dir: /opt/brain
  env:
    BRAIN_MODE: fast
  secrets:
    BRAIN_TOKEN:
      keychain: brain/token
  port: 12345
  shutdown_timeout: 10s
  drain_timeout: 500ms
  channel_capacity: 64
  watch: true
health:
  type: http
  path: /health
  interval: 2s
  timeout: 1s
  grace_period: 3s
  unhealthy_threshold: 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := cfg.Sidecar
	if s.Path != "/opt/brain/brain-worker" {
		t.Errorf("Path = %q", s.Path)
	}
	if len(s.Args) != 2 || s.Args[1] != "small" {
		t.Errorf("Args = %v", s.Args)
	}
	if s.Env["BRAIN_MODE"] != "fast" {
		t.Errorf("Env = %v", s.Env)
	}
	if s.Secrets["BRAIN_TOKEN"].Keychain != "brain/token" {
		t.Errorf("Secrets = %v", s.Secrets)
	}
	if s.Port == nil || *s.Port != 12345 {
		t.Errorf("Port = %v, want 12345", s.Port)
	}
	if !s.Watch {
		t.Error("Watch = false, want true")
	}
	if got := cfg.ShutdownTimeout(); got != 10*time.Second {
		t.Errorf("ShutdownTimeout() = %v, want 10s", got)
	}
	if got := cfg.DrainTimeout(); got != 500*time.Millisecond {
		t.Errorf("DrainTimeout() = %v, want 500ms", got)
	}
	if got := cfg.ChannelCapacity(); got != 64 {
		t.Errorf("ChannelCapacity() = %d, want 64", got)
	}
	if got := cfg.LogBufferLines(); got != 50 {
		t.Errorf("LogBufferLines() = %d, want 50", got)
	}
	if got := cfg.JournalPath(); got != "/tmp/outpost/events.log" {
		t.Errorf("JournalPath() = %q", got)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level() = %v, want debug", cfg.Level())
	}
	if cfg.Health == nil || cfg.Health.Interval.Duration != 2*time.Second || cfg.Health.UnhealthyThreshold != 2 {
		t.Errorf("Health = %+v", cfg.Health)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Sidecar.Path != "" {
		t.Errorf("Path = %q, want empty", cfg.Sidecar.Path)
	}
	if got := cfg.ShutdownTimeout(); got != DefaultShutdownTimeout {
		t.Errorf("ShutdownTimeout() = %v, want %v", got, DefaultShutdownTimeout)
	}
	if got := cfg.DrainTimeout(); got != DefaultDrainTimeout {
		t.Errorf("DrainTimeout() = %v, want %v", got, DefaultDrainTimeout)
	}
	if got := cfg.ChannelCapacity(); got != DefaultChannelCapacity {
		t.Errorf("ChannelCapacity() = %d, want %d", got, DefaultChannelCapacity)
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("Level() = %v, want info", cfg.Level())
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Health != nil {
		t.Errorf("Health = %+v, want nil", cfg.Health)
	}
}

func TestLoadCommentsOnly(t *testing.T) {
	cfg, err := Load(writeConfig(t, "# nothing configured yet\n# sidecar:\n#   path: /x\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sidecar.Path != "" {
		t.Errorf("Path = %q, want empty", cfg.Sidecar.Path)
	}
}

func TestLoadDynamicPort(t *testing.T) {
	cfg, err := Load(writeConfig(t, "sidecar:\n  path: /bin/true\n  port: 0\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sidecar.Port == nil || *cfg.Sidecar.Port != 0 {
		t.Errorf("Port = %v, want pointer to 0", cfg.Sidecar.Port)
	}
}

func TestLoadEnvOverridesSidecarPath(t *testing.T) {
	t.Setenv(EnvSidecarPath, "/usr/local/bin/brain-worker")
	cfg, err := Load(writeConfig(t, "sidecar:\n  path: /opt/old\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sidecar.Path != "/usr/local/bin/brain-worker" {
		t.Errorf("Path = %q, want env override", cfg.Sidecar.Path)
	}
}

func TestLoadExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg, err := Load(writeConfig(t, "pid_file: ~/run/brain.pid\nsidecar:\n  path: ~/bin/worker\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(home, "bin", "worker"); cfg.Sidecar.Path != want {
		t.Errorf("Path = %q, want %q", cfg.Sidecar.Path, want)
	}
	if want := filepath.Join(home, "run", "brain.pid"); cfg.PIDFilePath() != want {
		t.Errorf("PIDFilePath() = %q, want %q", cfg.PIDFilePath(), want)
	}
}

func TestDefaultStatePaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg := &Config{}
	if want := filepath.Join(home, ".outpost", "events.log"); cfg.JournalPath() != want {
		t.Errorf("JournalPath() = %q, want %q", cfg.JournalPath(), want)
	}
	if want := filepath.Join(home, ".outpost", "sidecar.pid"); cfg.PIDFilePath() != want {
		t.Errorf("PIDFilePath() = %q, want %q", cfg.PIDFilePath(), want)
	}
	if want := filepath.Join(home, ".outpost", "outpost.sock"); cfg.SocketPath() != want {
		t.Errorf("SocketPath() = %q, want %q", cfg.SocketPath(), want)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/outpost.yaml")
	if got := DefaultPath(); got != "/etc/outpost.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	home := t.TempDir()
	t.Setenv(EnvConfigPath, "")
	t.Setenv("HOME", home)
	if want, got := filepath.Join(home, ".outpost", "config.yaml"), DefaultPath(); got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "sidecar: [", "parsing config"},
		{"bad duration", "sidecar:\n  shutdown_timeout: soon\n", "invalid duration"},
		{"bad log level", "log_level: loud\n", "log_level"},
		{"port out of range", "sidecar:\n  port: 70000\n", "out of range"},
		{"secret without key", "sidecar:\n  secrets:\n    TOKEN: {}\n", "keychain key is required"},
		{"unknown health type", "health:\n  type: grpc\n", "health.type"},
		{"exec without command", "health:\n  type: exec\n", "health.command"},
		{"http without port", "health:\n  type: http\n  path: /health\n", "port is required"},
		{"relative health path", "sidecar:\n  port: 1\nhealth:\n  type: http\n  path: health\n", "must start with /"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

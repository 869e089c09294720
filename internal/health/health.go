// Package health checks a running sidecar and reports status transitions.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// Status represents the health state of the sidecar.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

const (
	DefaultInterval  = 10 * time.Second
	DefaultTimeout   = 2 * time.Second
	DefaultThreshold = 3
)

// Config holds health check configuration.
type Config struct {
	Type               string        // "http" | "tcp" | "exec"
	Path               string        // http only
	Port               int           // http and tcp
	Command            string        // exec only
	Interval           time.Duration // time between checks
	Timeout            time.Duration // max time per check
	GracePeriod        time.Duration // delay before first check
	UnhealthyThreshold int           // consecutive failures before unhealthy
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = DefaultThreshold
	}
	return c
}

// Result is the outcome of a single health check.
type Result struct {
	Status   Status
	Message  string
	At       time.Time
	Duration time.Duration
}

// ChangeFunc is called when the monitored status changes.
type ChangeFunc func(status Status, last Result)

// Monitor runs periodic health checks and tracks state.
type Monitor struct {
	cfg      Config
	logger   *slog.Logger
	client   *http.Client
	onChange ChangeFunc

	mu               sync.Mutex
	status           Status
	last             *Result
	consecutiveFails int
	cancel           context.CancelFunc
	done             chan struct{}
}

// NewMonitor creates a health check monitor. onChange may be nil.
func NewMonitor(cfg Config, logger *slog.Logger, onChange ChangeFunc) *Monitor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:      cfg,
		logger:   logger.With("component", "health", "type", cfg.Type),
		client:   &http.Client{Timeout: cfg.Timeout},
		onChange: onChange,
		status:   StatusUnknown,
	}
}

// Start begins periodic health checking. Calling Start on a running
// monitor restarts it with fresh state.
func (m *Monitor) Start(ctx context.Context) {
	m.Stop()

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.status = StatusUnknown
	m.last = nil
	m.consecutiveFails = 0
	done := m.done
	m.mu.Unlock()

	go m.run(ctx, done)
}

// Stop halts the health check loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CurrentStatus returns the current health status.
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastResult returns the most recent check result, or nil before the first check.
func (m *Monitor) LastResult() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	r := *m.last
	return &r
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if m.cfg.GracePeriod > 0 {
		select {
		case <-time.After(m.cfg.GracePeriod):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.check(ctx)
	for {
		select {
		case <-ticker.C:
			m.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := checkOnce(checkCtx, m.cfg, m.client)

	// A cancelled parent means the monitor is stopping.
	if ctx.Err() != nil {
		return
	}

	result := Result{Status: StatusHealthy, Message: "ok", At: start, Duration: time.Since(start)}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}

	m.mu.Lock()
	prev := m.status
	m.last = &result
	if result.Status == StatusHealthy {
		m.consecutiveFails = 0
		m.status = StatusHealthy
	} else {
		m.consecutiveFails++
		if m.consecutiveFails >= m.cfg.UnhealthyThreshold {
			m.status = StatusUnhealthy
		}
	}
	next := m.status
	fails := m.consecutiveFails
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("health check failed",
			"error", result.Message,
			"consecutive_fails", fails,
			"threshold", m.cfg.UnhealthyThreshold,
		)
	}
	if prev == next {
		return
	}
	if next == StatusUnhealthy {
		m.logger.Error("sidecar is unhealthy", "consecutive_fails", fails)
	} else {
		m.logger.Info("sidecar is healthy", "duration", result.Duration)
	}
	if m.onChange != nil {
		m.onChange(next, result)
	}
}

// Check runs one health check and returns nil if healthy.
// Unlike Monitor, it does not track state or run periodically.
func Check(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	return checkOnce(ctx, cfg, &http.Client{Timeout: cfg.Timeout})
}

func checkOnce(ctx context.Context, cfg Config, client *http.Client) error {
	switch cfg.Type {
	case "http":
		return checkHTTP(ctx, client, cfg.Port, cfg.Path)
	case "tcp":
		return checkTCP(ctx, cfg.Port, cfg.Timeout)
	case "exec":
		return checkExec(ctx, cfg.Command)
	default:
		return fmt.Errorf("unknown health check type: %s", cfg.Type)
	}
}

func address(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func checkHTTP(ctx context.Context, client *http.Client, port int, path string) error {
	url := "http://" + address(port) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

func checkTCP(ctx context.Context, port int, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address(port))
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}
	conn.Close()
	return nil
}

func checkExec(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

// Package host embeds one supervised sidecar in an application. It wires
// the supervisor to the event router, the lifecycle journal, the health
// monitor and the binary watcher, and owns the ordered shutdown of all of
// them.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benaskins/outpost/internal/config"
	"github.com/benaskins/outpost/internal/driver"
	"github.com/benaskins/outpost/internal/events"
	"github.com/benaskins/outpost/internal/health"
	"github.com/benaskins/outpost/internal/journal"
	"github.com/benaskins/outpost/internal/keychain"
	"github.com/benaskins/outpost/internal/logbuf"
	"github.com/benaskins/outpost/internal/port"
	"github.com/benaskins/outpost/internal/router"
	"github.com/benaskins/outpost/internal/supervisor"
	"github.com/benaskins/outpost/internal/watch"
)

var (
	ErrNoSidecar = errors.New("host: no sidecar configured")
	ErrStarted   = errors.New("host: already started")
	ErrShutdown  = errors.New("host: shutting down")
)

// Plugin is an application component initialised by the host before the
// sidecar starts. Plugins run Init in registration order; the first error
// aborts Start.
type Plugin interface {
	Name() string
	Init(ctx context.Context, h *Host) error
}

// Shutdowner is implemented by plugins that need cleanup. Their Shutdown
// runs after the sidecar has stopped.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Status is a snapshot of the host and its sidecar.
type Status struct {
	Sidecar   supervisor.Info `json:"sidecar"`
	Path      string          `json:"path,omitempty"`
	Port      int             `json:"port,omitempty"`
	Health    health.Status   `json:"health,omitempty"` // only while running
	LastError string          `json:"last_error,omitempty"`
}

type hook struct {
	name string
	fn   func(context.Context) error
}

// Host owns exactly one Supervisor for its whole lifetime.
type Host struct {
	cfg     *config.Config
	base    *slog.Logger
	logger  *slog.Logger
	secrets keychain.Store
	ports   *port.Allocator
	plugins []Plugin

	sup    *supervisor.Supervisor
	router *router.Router
	logs   *logbuf.Ring

	// lifecycle serialises sidecar start, restart and stop.
	lifecycle sync.Mutex

	mu      sync.Mutex
	started bool
	closing bool
	hooks   []hook
	journal *journal.Logger
	monitor *health.Monitor
	health  health.Status
	port    int
	lastErr string
	runDone chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the base logger; packages derive component loggers from it.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.base = l
		}
	}
}

// WithPlugin registers plugins, initialised in the order given.
func WithPlugin(p ...Plugin) Option {
	return func(h *Host) { h.plugins = append(h.plugins, p...) }
}

// WithSecrets sets the store sidecar.secrets are resolved from. Without
// one, secret refs are skipped with a warning.
func WithSecrets(s keychain.Store) Option {
	return func(h *Host) { h.secrets = s }
}

// WithPortRange sets the range used when sidecar.port is 0.
func WithPortRange(min, max int) Option {
	return func(h *Host) { h.ports = port.NewAllocator(min, max) }
}

// New creates a host for cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) *Host {
	if cfg == nil {
		cfg = &config.Config{}
	}
	h := &Host{
		cfg:   cfg,
		base:  slog.Default(),
		ports: port.NewAllocator(port.DefaultMin, port.DefaultMax),
		ctx:   context.Background(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.base.With("component", "host")
	h.logs = logbuf.New(cfg.LogBufferLines())
	h.router = router.New(
		router.WithSink(h.logs),
		router.WithLogger(h.base.With("component", "router")),
	)
	h.sup = supervisor.New(
		supervisor.WithShutdownTimeout(cfg.ShutdownTimeout()),
		supervisor.WithDrainTimeout(cfg.DrainTimeout()),
		supervisor.WithChannelCapacity(cfg.ChannelCapacity()),
		supervisor.WithLogger(h.base.With("component", "supervisor")),
	)
	return h
}

// Logger returns the base logger, for plugins to derive their own from.
func (h *Host) Logger() *slog.Logger { return h.base }

// Router returns the event router. Handlers registered before Start see
// the sidecar's first lines.
func (h *Host) Router() *router.Router { return h.router }

// Logs returns up to n of the most recent output lines, oldest first.
func (h *Host) Logs(n int) []logbuf.Entry { return h.logs.Last(n) }

// OnShutdown registers fn to run during Shutdown, after the sidecar has
// stopped. Hooks run in reverse registration order.
func (h *Host) OnShutdown(name string, fn func(context.Context) error) {
	h.mu.Lock()
	h.hooks = append(h.hooks, hook{name: name, fn: fn})
	h.mu.Unlock()
}

// Start initialises plugins, then the journal, router, watcher and health
// monitor, and starts the sidecar if one is configured. A sidecar that
// fails to spawn does not fail Start: the failure is routed as an event
// and the host keeps running without it.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return ErrStarted
	}
	h.started = true
	h.ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))
	h.mu.Unlock()

	for _, p := range h.plugins {
		if err := p.Init(ctx, h); err != nil {
			h.logger.Error("plugin init failed", "plugin", p.Name(), "error", err)
			h.runHooks(context.WithoutCancel(ctx))
			h.cancel()
			return fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
		if s, ok := p.(Shutdowner); ok {
			h.OnShutdown("plugin "+p.Name(), s.Shutdown)
		}
	}

	h.openJournal()
	h.OnShutdown("router", h.router.Close)

	if h.cfg.Sidecar.Watch && h.cfg.Sidecar.Path != "" {
		h.startWatcher()
	}
	if h.cfg.Health != nil {
		h.OnShutdown("health", func(context.Context) error {
			h.stopHealth()
			return nil
		})
	}

	if h.cfg.Sidecar.Path == "" {
		h.logger.Info("no sidecar configured")
		return nil
	}

	h.reapStale()

	h.lifecycle.Lock()
	err := h.startLocked(ctx, "startup")
	h.lifecycle.Unlock()
	if err != nil {
		h.logger.Warn("sidecar unavailable, continuing without it", "error", err)
	}
	return nil
}

func (h *Host) openJournal() {
	path := h.cfg.JournalPath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		h.logger.Warn("journal disabled", "path", path, "error", err)
		return
	}
	j, err := journal.NewLogger(path)
	if err != nil {
		h.logger.Warn("journal disabled", "path", path, "error", err)
		return
	}

	h.mu.Lock()
	h.journal = j
	h.mu.Unlock()

	h.router.OnStatus(func(ev events.Event) {
		if err := j.Record(ev); err != nil {
			h.logger.Warn("journal write failed", "error", err)
		}
	})
	h.OnShutdown("journal", func(context.Context) error { return j.Close() })
}

// reapStale stops a sidecar that a previous host left running.
func (h *Host) reapStale() {
	path := h.cfg.PIDFilePath()
	if path == "" {
		return
	}
	pid, err := driver.ReapStale(path, h.cfg.Sidecar.Path, h.cfg.ShutdownTimeout())
	if err != nil {
		h.logger.Warn("checking for stale sidecar failed", "pid_file", path, "error", err)
		return
	}
	if pid != 0 {
		h.logger.Info("stopped stale sidecar", "pid", pid)
	}
}

func (h *Host) startWatcher() {
	w := watch.New(h.cfg.Sidecar.Path, func(ctx context.Context) {
		if err := h.restart(ctx, "binary_changed"); err != nil {
			h.logger.Warn("restart after binary change failed", "error", err)
		}
	}, watch.WithLogger(h.base.With("component", "watch")))

	ctx, stop := context.WithCancel(h.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			h.logger.Warn("binary watcher stopped", "error", err)
		}
	}()

	h.OnShutdown("watcher", func(ctx context.Context) error {
		stop()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// startLocked builds the command and starts the sidecar. The caller holds
// h.lifecycle.
func (h *Host) startLocked(ctx context.Context, trigger string) error {
	cmd, err := h.command()
	if err != nil {
		h.setLastErr(err)
		h.record(journal.Entry{Action: journal.ActionSpawnError, Path: h.cfg.Sidecar.Path, Trigger: trigger, Error: err.Error()})
		return err
	}
	ch, err := h.sup.Start(ctx, cmd)
	if err != nil {
		return err
	}
	return h.afterStart(ch, trigger)
}

func (h *Host) afterStart(ch *events.Channel, trigger string) error {
	h.track(ch)

	pid, err := h.sup.Spawned()
	if err != nil {
		return fmt.Errorf("spawning sidecar: %w", err)
	}
	h.setLastErr(nil)
	h.record(journal.Entry{Action: journal.ActionStart, Path: h.cfg.Sidecar.Path, PID: pid, Trigger: trigger})
	if path := h.cfg.PIDFilePath(); path != "" {
		if err := driver.WritePIDFile(path, pid); err != nil {
			h.logger.Warn("recording sidecar pid failed", "error", err)
		}
	}
	h.startHealth()
	return nil
}

// track routes one run's channel on its own goroutine.
func (h *Host) track(ch *events.Channel) {
	done := make(chan struct{})
	h.mu.Lock()
	h.runDone = done
	ctx := h.ctx
	h.mu.Unlock()

	go func() {
		defer close(done)
		if err := h.router.Run(ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Warn("routing sidecar events failed", "error", err)
		}
	}()
}

// awaitRun waits until the router has routed the last run's terminal event.
func (h *Host) awaitRun(ctx context.Context) error {
	h.mu.Lock()
	done := h.runDone
	h.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// command assembles the sidecar command: host environment, then
// sidecar.env, then keychain secrets, then PORT. Later entries win.
func (h *Host) command() (supervisor.Command, error) {
	s := h.cfg.Sidecar
	env := os.Environ()

	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}

	if len(s.Secrets) > 0 {
		if h.secrets == nil {
			h.logger.Warn("no secret store, skipping secrets", "count", len(s.Secrets))
		} else {
			refs := make(map[string]string, len(s.Secrets))
			for name, ref := range s.Secrets {
				refs[name] = ref.Keychain
			}
			resolved, err := keychain.Env(h.secrets, refs)
			if err != nil {
				h.logger.Warn("some secrets unavailable, skipping them", "error", err)
			}
			env = append(env, resolved...)
		}
	}

	p, err := h.resolvePort()
	if err != nil {
		return supervisor.Command{}, fmt.Errorf("allocating port: %w", err)
	}
	if p > 0 {
		env = append(env, "PORT="+strconv.Itoa(p))
	}

	return supervisor.Command{Path: s.Path, Args: s.Args, Env: env, Dir: s.WorkingDir}, nil
}

func (h *Host) resolvePort() (int, error) {
	var p int
	switch {
	case h.cfg.Sidecar.Port == nil:
	case *h.cfg.Sidecar.Port > 0:
		p = *h.cfg.Sidecar.Port
	default:
		var err error
		if p, err = h.ports.Acquire(); err != nil {
			return 0, err
		}
		h.logger.Info("allocated sidecar port", "port", p)
	}
	h.mu.Lock()
	h.port = p
	h.mu.Unlock()
	return p, nil
}

func (h *Host) startHealth() {
	hc := h.cfg.Health
	if hc == nil {
		return
	}
	h.mu.Lock()
	p := hc.Port
	if p == 0 {
		p = h.port
	}
	ctx := h.ctx
	h.mu.Unlock()

	m := health.NewMonitor(health.Config{
		Type:               hc.Type,
		Path:               hc.Path,
		Port:               p,
		Command:            hc.Command,
		Interval:           hc.Interval.Duration,
		Timeout:            hc.Timeout.Duration,
		GracePeriod:        hc.GracePeriod.Duration,
		UnhealthyThreshold: hc.UnhealthyThreshold,
	}, h.base, h.onHealth)

	h.mu.Lock()
	h.monitor = m
	h.health = health.StatusUnknown
	h.mu.Unlock()
	m.Start(ctx)
}

func (h *Host) stopHealth() {
	h.mu.Lock()
	m := h.monitor
	h.monitor = nil
	h.mu.Unlock()
	if m == nil {
		return
	}
	m.Stop()

	h.mu.Lock()
	h.health = health.StatusUnknown
	h.mu.Unlock()
}

func (h *Host) onHealth(status health.Status, last health.Result) {
	h.mu.Lock()
	h.health = status
	h.mu.Unlock()

	entry := journal.Entry{Action: journal.ActionHealth, Detail: string(status)}
	if status == health.StatusUnhealthy {
		entry.Error = last.Message
	}
	h.record(entry)
}

// Restart stops the sidecar and starts it again with the same command.
// If the sidecar never started, it is started fresh.
func (h *Host) Restart(ctx context.Context) error {
	return h.restart(ctx, "manual")
}

func (h *Host) restart(ctx context.Context, trigger string) error {
	if h.cfg.Sidecar.Path == "" {
		return ErrNoSidecar
	}

	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if h.isClosing() {
		return ErrShutdown
	}

	if err := h.stopLocked(ctx, trigger, 0); err != nil {
		return err
	}

	h.logger.Info("restarting sidecar", "trigger", trigger)
	h.record(journal.Entry{Action: journal.ActionRestart, Path: h.cfg.Sidecar.Path, Trigger: trigger})

	ch, err := h.sup.Restart(ctx, 0)
	if errors.Is(err, supervisor.ErrNeverStarted) {
		return h.startLocked(ctx, trigger)
	}
	if err != nil {
		return err
	}
	return h.afterStart(ch, trigger)
}

// StopSidecar stops the sidecar but leaves the host running; Restart
// brings it back.
func (h *Host) StopSidecar(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	return h.stopLocked(ctx, "manual", 0)
}

func (h *Host) stopLocked(ctx context.Context, trigger string, timeout time.Duration) error {
	info := h.sup.Info()
	h.stopHealth()
	if err := h.sup.Stop(ctx, timeout); err != nil {
		return fmt.Errorf("stopping sidecar: %w", err)
	}
	if info.Phase == supervisor.PhaseRunning || info.Phase == supervisor.PhaseDraining {
		exit := h.sup.Info().Exit
		h.record(journal.Entry{Action: journal.ActionStop, Path: h.cfg.Sidecar.Path, PID: info.PID, Exit: exit, Trigger: trigger})
	}
	if path := h.cfg.PIDFilePath(); path != "" && info.Phase != supervisor.PhaseIdle {
		driver.RemovePIDFile(path)
	}
	return h.awaitRun(ctx)
}

// Shutdown stops the sidecar, bounded by shutdown_timeout, then runs the
// shutdown hooks in reverse registration order: health monitor, watcher,
// router, journal, plugins. Calling it again returns the first result.
func (h *Host) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.shutdownErr = h.shutdown(ctx)
	})
	return h.shutdownErr
}

func (h *Host) shutdown(ctx context.Context) error {
	h.logger.Info("shutting down")

	h.lifecycle.Lock()
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	var errs []error
	if err := h.stopLocked(ctx, "shutdown", h.cfg.ShutdownTimeout()); err != nil {
		errs = append(errs, err)
	}
	h.lifecycle.Unlock()

	errs = append(errs, h.runHooks(ctx)...)

	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (h *Host) runHooks(ctx context.Context) []error {
	var errs []error
	for {
		h.mu.Lock()
		if len(h.hooks) == 0 {
			h.mu.Unlock()
			return errs
		}
		hk := h.hooks[len(h.hooks)-1]
		h.hooks = h.hooks[:len(h.hooks)-1]
		h.mu.Unlock()

		if err := hk.fn(ctx); err != nil {
			h.logger.Error("shutdown hook failed", "hook", hk.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", hk.name, err))
		}
	}
}

// Status returns a snapshot of the host and its sidecar.
func (h *Host) Status() Status {
	info := h.sup.Info()

	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		Sidecar:   info,
		Path:      h.cfg.Sidecar.Path,
		Port:      h.port,
		LastError: h.lastErr,
	}
	if info.Phase == supervisor.PhaseRunning && h.cfg.Health != nil {
		st.Health = h.health
	}
	return st
}

func (h *Host) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

func (h *Host) setLastErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		h.lastErr = ""
		return
	}
	h.lastErr = err.Error()
}

func (h *Host) record(e journal.Entry) {
	h.mu.Lock()
	j := h.journal
	h.mu.Unlock()
	if j == nil {
		return
	}
	if err := j.Log(e); err != nil {
		h.logger.Warn("journal write failed", "error", err)
	}
}

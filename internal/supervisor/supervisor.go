// Package supervisor owns the lifecycle of a single sidecar process: it
// spawns the child, turns its stdout and stderr into ordered events, and
// guarantees the child is gone and its resources released once stopped.
//
// A Supervisor moves through idle → spawning → running → draining → stopped.
// A failed spawn goes straight from spawning to stopped. Restart returns a
// stopped supervisor to idle and starts the last command again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benaskins/outpost/internal/driver"
	"github.com/benaskins/outpost/internal/events"
)

// Phase is the supervisor's lifecycle phase.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseSpawning Phase = "spawning"
	PhaseRunning  Phase = "running"
	PhaseDraining Phase = "draining"
	PhaseStopped  Phase = "stopped"
)

const (
	// DefaultShutdownTimeout bounds the graceful part of Stop.
	DefaultShutdownTimeout = 5 * time.Second

	// DefaultDrainTimeout bounds how long output pipes may stay open after
	// the child exits.
	DefaultDrainTimeout = 2 * time.Second

	// DefaultMaxLineBytes is the longest line emitted as one event.
	DefaultMaxLineBytes = 1 << 20
)

var (
	ErrAlreadyRunning = errors.New("supervisor: already running")
	ErrNeverStarted   = errors.New("supervisor: nothing to restart")
)

// Command describes the sidecar executable.
type Command struct {
	Path string
	Args []string
	Env  []string // nil inherits the host environment
	Dir  string
}

// Info is a point-in-time snapshot of the supervisor.
type Info struct {
	Phase     Phase              `json:"phase"`
	PID       int                `json:"pid,omitempty"`
	StartedAt time.Time          `json:"started_at,omitzero"`
	Exit      *driver.ExitStatus `json:"exit,omitempty"`
	LastError string             `json:"last_error,omitempty"`
	Restarts  int                `json:"restarts"`
}

// Supervisor supervises at most one child process at a time.
type Supervisor struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration
	capacity        int
	maxLineBytes    int
	logger          *slog.Logger

	mu        sync.Mutex
	phase     Phase
	child     *driver.Child
	abort     context.CancelFunc // aborts the current run's readers
	spawned   chan struct{}      // closed when the current spawn attempt resolves
	stopped   chan struct{}      // closed on entering PhaseStopped
	last      *Command
	startedAt time.Time
	exit      *driver.ExitStatus
	lastErr   string
	spawnPID  int
	spawnErr  error
	restarts  int
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithShutdownTimeout sets the default graceful shutdown timeout used when
// Stop is called with a zero timeout.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithDrainTimeout sets how long output may stay open after the child exits.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// WithChannelCapacity sets the event channel capacity for each run.
func WithChannelCapacity(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithMaxLineBytes sets the length at which long lines are split.
func WithMaxLineBytes(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxLineBytes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an idle supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		shutdownTimeout: DefaultShutdownTimeout,
		drainTimeout:    DefaultDrainTimeout,
		capacity:        events.DefaultCapacity,
		maxLineBytes:    DefaultMaxLineBytes,
		logger:          slog.With("component", "supervisor"),
		phase:           PhaseIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShutdownTimeout returns the configured graceful shutdown timeout.
func (s *Supervisor) ShutdownTimeout() time.Duration {
	return s.shutdownTimeout
}

// Start spawns cmd and returns the channel carrying this run's events.
// It is only valid from idle; otherwise it returns ErrAlreadyRunning.
//
// A spawn failure is not returned as an error: the channel holds a single
// spawn_error event, is already closed, and the supervisor is stopped.
func (s *Supervisor) Start(ctx context.Context, cmd Command) (*events.Channel, error) {
	s.mu.Lock()
	if s.phase != PhaseIdle {
		phase := s.phase
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (phase %s)", ErrAlreadyRunning, phase)
	}
	s.phase = PhaseSpawning
	s.spawned = make(chan struct{})
	s.stopped = make(chan struct{})
	last := cmd
	s.last = &last
	s.exit = nil
	s.lastErr = ""
	s.spawnPID = 0
	s.spawnErr = nil
	s.startedAt = time.Time{}
	out := events.NewChannel(s.capacity)
	s.mu.Unlock()

	s.logger.Info("spawning sidecar", "path", cmd.Path, "args", cmd.Args)

	child, err := driver.Spawn(driver.Config{
		Path: cmd.Path,
		Args: cmd.Args,
		Env:  cmd.Env,
		Dir:  cmd.Dir,
	})
	if err != nil {
		s.logger.Error("sidecar spawn failed", "path", cmd.Path, "error", err)
		out.Finish(events.SpawnFailed(err.Error()))

		s.mu.Lock()
		s.lastErr = err.Error()
		s.spawnErr = err
		s.phase = PhaseStopped
		close(s.spawned)
		close(s.stopped)
		s.mu.Unlock()
		return out, nil
	}

	// Readers outlive the caller's context; only the drain logic aborts them.
	readCtx, abort := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.child = child
	s.spawnPID = child.PID()
	s.abort = abort
	s.startedAt = time.Now()
	s.phase = PhaseRunning
	close(s.spawned)
	stopped := s.stopped
	s.mu.Unlock()

	s.logger.Info("sidecar running", "pid", child.PID())

	var readers sync.WaitGroup
	readers.Add(2)
	go s.readLoop(readCtx, &readers, child.Stdout(), events.KindStdout, out)
	go s.readLoop(readCtx, &readers, child.Stderr(), events.KindStderr, out)
	go s.awaitExit(child, &readers, abort, out, stopped)

	return out, nil
}

// awaitExit waits for the child to exit, lets the readers flush everything
// the child wrote, then emits the terminal event and releases the handle.
func (s *Supervisor) awaitExit(child *driver.Child, readers *sync.WaitGroup, abort context.CancelFunc, out *events.Channel, stopped chan struct{}) {
	pid := child.PID()
	status := child.Wait()

	s.mu.Lock()
	s.phase = PhaseDraining
	s.mu.Unlock()
	s.logger.Info("sidecar exited, draining output", "pid", pid, "exit", status)

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(s.drainTimeout):
		// Descendants still hold the pipes. End them and stop reading.
		s.logger.Warn("output still open after exit, closing pipes", "pid", pid, "timeout", s.drainTimeout)
		if err := child.Kill(); err != nil {
			s.logger.Warn("killing leftover process group", "pid", pid, "error", err)
		}
		child.Release()

		select {
		case <-drained:
		case <-time.After(s.drainTimeout):
			s.logger.Error("event consumer not draining, discarding remaining output", "pid", pid)
			abort()
			<-drained
		}
	}
	abort()

	out.Finish(events.Terminated(status))
	child.Release()

	s.mu.Lock()
	s.exit = &status
	if !status.Success() {
		s.lastErr = status.String()
	}
	s.child = nil
	s.abort = nil
	s.phase = PhaseStopped
	close(stopped)
	s.mu.Unlock()

	s.logger.Info("sidecar stopped", "pid", pid, "exit", status)
}

// Stop ends the current run. It asks the child to terminate, waits up to
// timeout (the configured shutdown timeout when zero), then kills it. It
// returns once the supervisor is stopped. Stopping an idle or stopped
// supervisor is a no-op, and concurrent calls are safe.
//
// If ctx ends first the child is killed immediately and ctx.Err() returned
// after the run has stopped.
func (s *Supervisor) Stop(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.shutdownTimeout
	}

	s.mu.Lock()
	for s.phase == PhaseSpawning {
		spawned := s.spawned
		s.mu.Unlock()
		select {
		case <-spawned:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	phase := s.phase
	child := s.child
	abort := s.abort
	stopped := s.stopped
	s.mu.Unlock()

	if phase == PhaseIdle || phase == PhaseStopped {
		return nil
	}

	pid := child.PID()
	s.logger.Info("stopping sidecar", "pid", pid, "timeout", timeout)

	if phase == PhaseRunning {
		if err := child.Terminate(); err != nil {
			s.logger.Warn("graceful termination request failed", "pid", pid, "error", err)
		}
	}

	var ctxErr error
	expired := false
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-child.Done():
	case <-timer.C:
		s.logger.Warn("sidecar did not exit before shutdown timeout, killing", "pid", pid, "timeout", timeout)
		expired = true
	case <-ctx.Done():
		s.logger.Warn("stop cancelled, killing sidecar", "pid", pid)
		ctxErr = ctx.Err()
	}

	// The same deadline bounds the drain: descendants may still hold the
	// pipes after the leader exits.
	if !expired && ctxErr == nil {
		select {
		case <-stopped:
			return nil
		case <-timer.C:
			s.logger.Warn("sidecar output still open at shutdown timeout, killing", "pid", pid, "timeout", timeout)
		case <-ctx.Done():
			s.logger.Warn("stop cancelled while draining, killing", "pid", pid)
			ctxErr = ctx.Err()
		}
	}

	s.cutOff(child, abort, stopped)
	<-stopped
	return ctxErr
}

// stopFlushGrace is how long readers get to flush what a killed process
// group left in the pipes before they are closed.
const stopFlushGrace = 100 * time.Millisecond

// cutOff kills the process group, then closes the pipes and aborts the
// readers unless the run stops within stopFlushGrace.
func (s *Supervisor) cutOff(child *driver.Child, abort context.CancelFunc, stopped <-chan struct{}) {
	s.kill(child)

	select {
	case <-stopped:
		return
	case <-time.After(stopFlushGrace):
	}
	s.logger.Warn("output still open after kill, closing pipes", "pid", child.PID())
	child.Release()
	abort()
}

func (s *Supervisor) kill(child *driver.Child) {
	if err := child.Kill(); err != nil {
		s.logger.Error("force kill failed", "pid", child.PID(), "error", err)
	}
}

// Restart stops the current run, returns the supervisor to idle and starts
// the most recent command again.
func (s *Supervisor) Restart(ctx context.Context, timeout time.Duration) (*events.Channel, error) {
	if err := s.Stop(ctx, timeout); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.last == nil {
		s.mu.Unlock()
		return nil, ErrNeverStarted
	}
	cmd := *s.last
	if s.phase == PhaseStopped {
		s.phase = PhaseIdle
		s.restarts++
	}
	s.mu.Unlock()

	s.logger.Info("restarting sidecar", "path", cmd.Path)
	return s.Start(ctx, cmd)
}

// Wait blocks until the current run is stopped. It returns immediately when
// nothing has been started.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	phase := s.phase
	stopped := s.stopped
	s.mu.Unlock()

	if phase == PhaseIdle {
		return nil
	}
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Phase returns the current lifecycle phase.
func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Spawned reports how the most recent spawn attempt resolved: the child's
// pid on success, or the spawn error. It is unaffected by how the child
// later exits.
func (s *Supervisor) Spawned() (pid int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawnPID, s.spawnErr
}

// Info returns a snapshot of the supervisor.
func (s *Supervisor) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		Phase:     s.phase,
		StartedAt: s.startedAt,
		LastError: s.lastErr,
		Restarts:  s.restarts,
	}
	if s.child != nil {
		info.PID = s.child.PID()
	}
	if s.exit != nil {
		exit := *s.exit
		info.Exit = &exit
	}
	return info
}

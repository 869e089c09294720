package driver

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Child owns a spawned process and the read ends of its stdout and stderr
// pipes. The pipes are plain os.Pipe files rather than exec.Cmd pipes, so
// reaping the process never closes them underneath a reader.
//
// A Child is spawning from New until Start returns, then running, and
// finally exited or crashed. A failed Start leaves it spawn_failed.
type Child struct {
	cfg Config

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	state  State
	status ExitStatus
	err    error
	killed bool
	done   chan struct{}

	startOnce   sync.Once
	releaseOnce sync.Once
}

// ErrStarted is returned by a second call to Start.
var ErrStarted = errors.New("driver: child already started")

// New prepares a child for cfg. Nothing runs until Start.
func New(cfg Config) *Child {
	return &Child{cfg: cfg, state: StateSpawning, done: make(chan struct{})}
}

// Spawn starts the executable described by cfg. The child gets its own
// process group so signals reach any processes it forks.
func Spawn(cfg Config) (*Child, error) {
	c := New(cfg)
	if err := c.Start(); err != nil {
		return nil, err
	}
	return c, nil
}

// Start creates the pipes and the process. On failure the child is
// spawn_failed, Done is closed, and the *SpawnError is also kept in Err.
func (c *Child) Start() error {
	err := ErrStarted
	c.startOnce.Do(func() { err = c.start() })
	return err
}

func (c *Child) start() error {
	cmd, outR, errR, err := launch(c.cfg)

	c.mu.Lock()
	if err != nil {
		c.state = StateSpawnFailed
		c.status = ExitStatus{Code: -1}
		c.err = err
		c.mu.Unlock()
		close(c.done)
		return err
	}
	c.cmd = cmd
	c.stdout = outR
	c.stderr = errR
	c.state = StateRunning
	c.mu.Unlock()

	go c.reap()
	return nil
}

func launch(cfg Config) (*exec.Cmd, *os.File, *os.File, error) {
	if cfg.Path == "" {
		return nil, nil, nil, &SpawnError{Kind: NotFound, Err: errors.New("no executable configured")}
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, classifySpawnError(cfg.Path, fmt.Errorf("creating stdout pipe: %w", err))
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, nil, nil, classifySpawnError(cfg.Path, fmt.Errorf("creating stderr pipe: %w", err))
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Env = cfg.Env
	cmd.Dir = cfg.Dir
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.SysProcAttr = sysProcAttr()

	err = cmd.Start()

	// The child has its own copies of the write ends; ours must go or the
	// readers never see EOF.
	outW.Close()
	errW.Close()

	if err != nil {
		outR.Close()
		errR.Close()
		return nil, nil, nil, classifySpawnError(cfg.Path, err)
	}
	return cmd, outR, errR, nil
}

func (c *Child) reap() {
	err := c.cmd.Wait()
	status := exitStatus(c.cmd.ProcessState, err)

	c.mu.Lock()
	c.status = status
	if status.Success() {
		c.state = StateExited
	} else {
		c.state = StateCrashed
	}
	c.mu.Unlock()

	close(c.done)
}

// PID returns the OS process id, or 0 before a successful Start.
func (c *Child) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Err returns the spawn error of a failed Start.
func (c *Child) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Child) process() *os.Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil {
		return nil
	}
	return c.cmd.Process
}

// State returns the current lifecycle state.
func (c *Child) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stdout returns the read end of the stdout pipe. The Child keeps
// ownership. Valid after a successful Start.
func (c *Child) Stdout() io.Reader { return c.stdout }

// Stderr returns the read end of the stderr pipe, like Stdout.
func (c *Child) Stderr() io.Reader { return c.stderr }

// Done is closed once the process has exited and been reaped, or Start
// has failed.
func (c *Child) Done() <-chan struct{} { return c.done }

// Wait blocks until Done and returns the exit status. Safe to call any
// number of times. A failed Start reports code -1.
func (c *Child) Wait() ExitStatus {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Terminate asks the process group to exit (SIGTERM on unix).
// It is a no-op once the process has exited or if it never started.
func (c *Child) Terminate() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	p := c.process()
	if p == nil {
		return nil
	}
	return terminate(p)
}

// Kill forcibly ends the process group, including descendants that outlived
// the leader. Only the first call signals; later calls return nil.
func (c *Child) Kill() error {
	c.mu.Lock()
	if c.killed || c.cmd == nil {
		c.mu.Unlock()
		return nil
	}
	c.killed = true
	p := c.cmd.Process
	c.mu.Unlock()

	return kill(p)
}

// Killed reports whether Kill has been issued.
func (c *Child) Killed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

// Release closes the pipe read ends. Any reader blocked on them returns
// os.ErrClosed. Only the first call has an effect.
func (c *Child) Release() {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.stdout != nil {
			c.stdout.Close()
			c.stderr.Close()
		}
	})
}

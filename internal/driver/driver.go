package driver

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"syscall"
)

// State represents the lifecycle state of a child process. A Child starts
// in StateSpawning and moves to StateRunning or StateSpawnFailed when Start
// resolves, then to StateExited or StateCrashed once Wait returns.
type State string

const (
	StateSpawning    State = "spawning"
	StateRunning     State = "running"
	StateExited      State = "exited"  // exited with status 0
	StateCrashed     State = "crashed" // non-zero exit or killed by a signal
	StateSpawnFailed State = "spawn_failed"
)

// ExitStatus describes how a child process ended.
type ExitStatus struct {
	Code   int    `json:"code"`             // -1 when terminated by a signal
	Signal string `json:"signal,omitempty"` // e.g. "killed", "terminated"
}

// Success reports whether the process exited with status 0.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == ""
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal: " + s.Signal
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// Config describes the executable to spawn.
type Config struct {
	Path string
	Args []string
	Env  []string // nil inherits the host environment
	Dir  string
}

// SpawnErrorKind classifies why a spawn failed.
type SpawnErrorKind int

const (
	NotFound SpawnErrorKind = iota
	PermissionDenied
	OSFailure
)

func (k SpawnErrorKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case PermissionDenied:
		return "permission denied"
	default:
		return "os failure"
	}
}

var (
	ErrNotFound         = errors.New("executable not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrOSFailure        = errors.New("os failure")
)

// SpawnError is returned by Spawn when the process could not be created.
type SpawnError struct {
	Kind  SpawnErrorKind
	Path  string
	Errno syscall.Errno // set for OSFailure when the OS reported one
	Err   error
}

func (e *SpawnError) Error() string {
	if e.Kind == OSFailure && e.Errno != 0 {
		return fmt.Sprintf("spawning %s: %s (errno %d): %v", e.Path, e.Kind, int(e.Errno), e.Err)
	}
	return fmt.Sprintf("spawning %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Is lets errors.Is match a SpawnError against the kind sentinels.
func (e *SpawnError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == NotFound
	case ErrPermissionDenied:
		return e.Kind == PermissionDenied
	case ErrOSFailure:
		return e.Kind == OSFailure
	}
	return false
}

func classifySpawnError(path string, err error) *SpawnError {
	se := &SpawnError{Kind: OSFailure, Path: path, Err: err}
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		se.Kind = NotFound
	case errors.Is(err, fs.ErrPermission):
		se.Kind = PermissionDenied
	default:
		var errno syscall.Errno
		if errors.As(err, &errno) {
			se.Errno = errno
		}
	}
	return se
}

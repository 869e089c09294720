//go:build !unix

package driver

import (
	"errors"
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr { return nil }

// Without process groups or SIGTERM, both requests end the process directly.
func terminate(p *os.Process) error { return ignoreDone(p.Kill()) }

func kill(p *os.Process) error { return ignoreDone(p.Kill()) }

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func exitStatus(ps *os.ProcessState, waitErr error) ExitStatus {
	if ps == nil {
		msg := "unknown"
		if waitErr != nil {
			msg = waitErr.Error()
		}
		return ExitStatus{Code: -1, Signal: msg}
	}
	return ExitStatus{Code: ps.ExitCode()}
}

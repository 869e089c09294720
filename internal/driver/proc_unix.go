//go:build unix

package driver

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the whole process group led by pid. ESRCH means the
// group is already gone, which is not an error here.
func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func terminate(p *os.Process) error { return signalGroup(p.Pid, unix.SIGTERM) }

func kill(p *os.Process) error { return signalGroup(p.Pid, unix.SIGKILL) }

func exitStatus(ps *os.ProcessState, waitErr error) ExitStatus {
	if ps == nil {
		return ExitStatus{Code: -1, Signal: errString(waitErr)}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal().String()}
	}
	return ExitStatus{Code: ps.ExitCode()}
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

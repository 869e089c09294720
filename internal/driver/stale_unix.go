//go:build unix

package driver

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ReapStale stops a sidecar left running by a host that exited without
// stopping it. The pid recorded in pidFile is only signalled if that
// process is still alive and is running exe, which guards against PID
// reuse. The process group gets SIGTERM, then SIGKILL after timeout.
//
// It returns the pid that was stopped, or 0 if there was nothing to do.
// The pid file is removed in every case.
func ReapStale(pidFile, exe string, timeout time.Duration) (int, error) {
	pid, err := ReadPIDFile(pidFile)
	if pid == 0 {
		RemovePIDFile(pidFile)
		return 0, err
	}
	defer RemovePIDFile(pidFile)

	if !alive(pid) || !runs(pid, exe) {
		return 0, nil
	}

	if err := signalStale(pid, unix.SIGTERM); err != nil {
		return 0, err
	}

	// Not our child, so there is nothing to wait on; poll instead.
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return pid, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err := signalStale(pid, unix.SIGKILL); err != nil {
		return 0, err
	}
	return pid, nil
}

// signalStale signals pid's group, or pid alone if it does not lead one.
func signalStale(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// runs reports whether pid's executable name matches exe. Kernels truncate
// the name (15 bytes on Linux, 16 on macOS), so a long name matches by prefix.
func runs(pid int, exe string) bool {
	name, err := processName(pid)
	if err != nil {
		return false
	}
	base := filepath.Base(exe)
	if name == base {
		return true
	}
	return len(name) >= 15 && strings.HasPrefix(base, name)
}

//go:build darwin

package driver

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// processName returns the executable name for pid using sysctl.
func processName(pid int) (string, error) {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return "", fmt.Errorf("sysctl kern.proc.pid.%d: %w", pid, err)
	}

	// P_comm is a NUL-terminated [17]byte.
	name := unix.ByteSliceToString(kp.Proc.P_comm[:])
	if name == "" {
		return "", fmt.Errorf("empty process name for pid %d", pid)
	}
	return name, nil
}

//go:build !unix

package driver

import "time"

// ReapStale only clears the pid file on platforms without process groups.
func ReapStale(pidFile, exe string, timeout time.Duration) (int, error) {
	return 0, RemovePIDFile(pidFile)
}

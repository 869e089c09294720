//go:build unix && !darwin && !linux

package driver

import "errors"

func processName(pid int) (string, error) {
	return "", errors.New("process names are not available on this platform")
}

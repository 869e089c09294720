package main

import (
	"os"
	"path/filepath"

	"github.com/benaskins/outpost/internal/config"
)

// uiLogPath is where logs go while the terminal UI owns the screen.
func uiLogPath() (string, error) {
	dir, err := config.Home()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "outpost.log"), nil
}

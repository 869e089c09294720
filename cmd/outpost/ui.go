package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/benaskins/outpost/internal/ui"
)

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Run the sidecar in a terminal window",
	Long:  "Open a full-screen view of the sidecar's output with restart and stop controls. Logs go to ~/.outpost/outpost.log.",
	Args:  cobra.NoArgs,
	RunE:  runUI,
}

func init() {
	rootCmd.AddCommand(uiCmd)
}

func runUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logPath, err := uiLogPath()
	if err != nil {
		return fmt.Errorf("preparing log file: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()
	logger := newLogger(logFile, cfg)

	h := newHost(cfg, logger)

	title := "outpost"
	if cfg.Sidecar.Path != "" {
		title = "outpost · " + filepath.Base(cfg.Sidecar.Path)
	}
	program := tea.NewProgram(ui.New(h, title, cfg.LogBufferLines()), tea.WithAltScreen())
	detach := ui.Attach(program, h.Router())
	defer detach()

	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("starting host: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		program.Quit()
	}()

	_, runErr := program.Run()

	sctx, cancel := context.WithTimeout(ctx, shutdownBudget(cfg))
	defer cancel()
	if err := h.Shutdown(sctx); err != nil {
		logger.Error("shutdown failed", "error", err)
		if runErr == nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return runErr
}

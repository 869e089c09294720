package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/outpost/internal/api"
	"github.com/benaskins/outpost/internal/config"
	"github.com/benaskins/outpost/internal/host"
	"github.com/benaskins/outpost/internal/keychain"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sidecar without a UI",
	Long:  "Start the configured sidecar and log its output to stderr until SIGINT or SIGTERM.",
	Args:  cobra.NoArgs,
	RunE:  runHeadless,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runHeadless(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg)
	logger.Info("outpost starting", "config", resolveConfigPath(), "sidecar", cfg.Sidecar.Path)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := newHost(cfg, logger)
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("starting host: %w", err)
	}
	logger.Info("outpost ready")

	<-ctx.Done()
	logger.Info("received signal, shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownBudget(cfg))
	defer cancel()
	if err := h.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("outpost stopped")
	return nil
}

// newHost builds the host with the system keychain and the control API.
func newHost(cfg *config.Config, logger *slog.Logger) *host.Host {
	return host.New(cfg,
		host.WithLogger(logger),
		host.WithSecrets(keychain.NewSystemStore()),
		host.WithPlugin(api.NewPlugin(cfg.SocketPath())),
	)
}

// shutdownBudget covers the graceful stop, the kill escalation with its
// drain, and the remaining hooks.
func shutdownBudget(cfg *config.Config) time.Duration {
	return cfg.ShutdownTimeout() + 2*cfg.DrainTimeout() + 5*time.Second
}

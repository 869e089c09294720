package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/outpost/internal/config"
	"github.com/benaskins/outpost/internal/health"
)

type checkResult struct {
	Path    string `json:"path"`
	Sidecar string `json:"sidecar,omitempty"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
	Health  string `json:"health,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file",
	Long: "Parse and validate the outpost config and confirm the sidecar binary exists.\n" +
		"With --health, also run the configured health check once against a running sidecar.",
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().Bool("json", false, "output as JSON")
	checkCmd.Flags().Bool("health", false, "run the health check once")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	runHealth, _ := cmd.Flags().GetBool("health")

	res := checkResult{Path: resolveConfigPath()}
	cfg, err := loadConfig()
	if err == nil {
		res.Sidecar = cfg.Sidecar.Path
		err = checkSidecar(cfg)
	}
	if err == nil && runHealth {
		res.Health = string(health.StatusHealthy)
		if perr := checkHealth(cmd.Context(), cfg); perr != nil {
			res.Health = string(health.StatusUnhealthy)
			err = perr
		}
	}
	res.Valid = err == nil
	if err != nil {
		res.Error = err.Error()
	}

	if jsonOut {
		if perr := printJSON(res); perr != nil {
			return perr
		}
	} else if res.Valid {
		fmt.Printf("OK    %s\n", res.Path)
		if res.Sidecar != "" {
			fmt.Printf("      sidecar %s\n", res.Sidecar)
		}
		if res.Health != "" {
			fmt.Printf("      health %s\n", res.Health)
		}
	} else {
		fmt.Fprintf(os.Stderr, "FAIL  %s\n      %v\n", res.Path, res.Error)
	}

	if !res.Valid {
		return fmt.Errorf("config check failed")
	}
	return nil
}

func checkSidecar(cfg *config.Config) error {
	if cfg.Sidecar.Path == "" {
		return nil
	}
	info, err := os.Stat(cfg.Sidecar.Path)
	if err != nil {
		return fmt.Errorf("sidecar: %w", err)
	}
	if info.IsDir() || info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("sidecar %s is not an executable file", cfg.Sidecar.Path)
	}
	return nil
}

func checkHealth(ctx context.Context, cfg *config.Config) error {
	hc := cfg.Health
	if hc == nil {
		return fmt.Errorf("no health check configured")
	}
	p := hc.Port
	if p == 0 && cfg.Sidecar.Port != nil {
		p = *cfg.Sidecar.Port
	}
	if p == 0 && hc.Type != "exec" {
		return fmt.Errorf("sidecar port is allocated at runtime; set health.port to check it")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return health.Check(ctx, health.Config{
		Type:    hc.Type,
		Path:    hc.Path,
		Port:    p,
		Command: hc.Command,
		Timeout: hc.Timeout.Duration,
	})
}

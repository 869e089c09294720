package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/outpost/internal/events"
	"github.com/benaskins/outpost/internal/host"
	"github.com/benaskins/outpost/internal/logbuf"
)

func apiClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: 45 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func socketPath() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.SocketPath(), nil
}

func apiDo(method, path string, v any) error {
	sock, err := socketPath()
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, "http://outpost"+path, nil)
	if err != nil {
		return err
	}
	resp, err := apiClient(sock).Do(req)
	if err != nil {
		return fmt.Errorf("connecting to outpost: %w (is outpost running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("outpost: %s", apiErr.Error)
		}
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running sidecar's status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st host.Status
		if err := apiDo(http.MethodGet, "/v1/status", &st); err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(st)
		}
		printStatus(os.Stdout, st, time.Now())
		return nil
	},
}

func printStatus(out io.Writer, st host.Status, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SIDECAR\tSTATE\tHEALTH\tPID\tPORT\tUPTIME\tRESTARTS")

	name := "-"
	if st.Path != "" {
		name = st.Path
	}
	pid, port, uptime := "-", "-", "-"
	if st.Sidecar.PID > 0 {
		pid = strconv.Itoa(st.Sidecar.PID)
	}
	if st.Port > 0 {
		port = strconv.Itoa(st.Port)
	}
	if !st.Sidecar.StartedAt.IsZero() && st.Sidecar.Exit == nil {
		uptime = now.Sub(st.Sidecar.StartedAt).Truncate(time.Second).String()
	}
	health := string(st.Health)
	if health == "" {
		health = "-"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
		name, st.Sidecar.Phase, health, pid, port, uptime, st.Sidecar.Restarts)
	w.Flush()

	if st.Sidecar.Exit != nil {
		fmt.Fprintf(out, "\nlast exit: %s\n", st.Sidecar.Exit)
	}
	if st.LastError != "" {
		fmt.Fprintf(out, "last error: %s\n", st.LastError)
	}
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running sidecar",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]string
		if err := apiDo(http.MethodPost, "/v1/sidecar/restart", &result); err != nil {
			return err
		}
		fmt.Println(result["status"])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the sidecar, leaving outpost running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]string
		if err := apiDo(http.MethodPost, "/v1/sidecar/stop", &result); err != nil {
			return err
		}
		fmt.Println(result["status"])
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent sidecar output",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		var resp struct {
			Lines []logbuf.Entry `json:"lines"`
		}
		if err := apiDo(http.MethodGet, "/v1/logs?n="+strconv.Itoa(n), &resp); err != nil {
			return err
		}
		for _, e := range resp.Lines {
			if e.Stream == events.KindStderr {
				fmt.Fprintln(os.Stderr, e.Line)
				continue
			}
			fmt.Println(e.Line)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print status as JSON")
	logsCmd.Flags().IntP("lines", "n", 50, "number of lines to show")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(logsCmd)
}

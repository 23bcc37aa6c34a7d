package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dorkalev/forge-control/internal/autopilot"
)

// remoteCmd runs fn against the configured server with SIGINT cancellation.
func remoteCmd(fn func(ctx context.Context, cmd *cobra.Command, c *apiClient, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return fn(ctx, cmd, newAPIClient(cfg), args)
	}
}

func fetchStatus(ctx context.Context, c *apiClient) (autopilot.Status, error) {
	var st autopilot.Status
	_, err := c.do(ctx, http.MethodGet, "/api/v1/autopilot", nil, &st)
	return st, err
}

func showStatus(cmd *cobra.Command, st autopilot.Status) error {
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), st)
	}
	renderStatus(cmd.OutOrStdout(), st)
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show autopilot state and running agents",
		Args:  cobra.NoArgs,
		RunE: remoteCmd(func(ctx context.Context, cmd *cobra.Command, c *apiClient, args []string) error {
			st, err := fetchStatus(ctx, c)
			if err != nil {
				return err
			}
			return showStatus(cmd, st)
		}),
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Enable the reconciliation loop",
		Long:  `Enable the loop, persist that it is enabled, and run a tick immediately.`,
		Args:  cobra.NoArgs,
		RunE: remoteCmd(func(ctx context.Context, cmd *cobra.Command, c *apiClient, args []string) error {
			var st autopilot.Status
			if _, err := c.do(ctx, http.MethodPost, "/api/v1/autopilot/start", nil, &st); err != nil {
				return err
			}
			return showStatus(cmd, st)
		}),
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Disable the reconciliation loop",
		Long: `Disable the loop and persist that it is disabled. Running agent sessions
are left alone.`,
		Args: cobra.NoArgs,
		RunE: remoteCmd(func(ctx context.Context, cmd *cobra.Command, c *apiClient, args []string) error {
			var st autopilot.Status
			code, err := c.do(ctx, http.MethodPost, "/api/v1/autopilot/stop", nil, &st)
			if err != nil {
				return err
			}
			if code == http.StatusAccepted && !outputJSON {
				fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("stopped; the current tick is still finishing"))
			}
			return showStatus(cmd, st)
		}),
	}
}

func newSetMaxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-max N",
		Short: fmt.Sprintf("Set the maximum number of parallel agents (%d-%d)", autopilot.MinParallelAgents, autopilot.MaxParallelAgents),
		Args:  cobra.ExactArgs(1),
		RunE: remoteCmd(func(ctx context.Context, cmd *cobra.Command, c *apiClient, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid number %q", args[0])
			}
			var st autopilot.Status
			body := map[string]int{"maxParallelAgents": n}
			if _, err := c.do(ctx, http.MethodPut, "/api/v1/autopilot/max-parallel", body, &st); err != nil {
				return err
			}
			return showStatus(cmd, st)
		}),
	}
}

func newSetIntervalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-interval SECONDS",
		Short: fmt.Sprintf("Set the poll interval (%d-%d seconds)", autopilot.MinPollInterval, autopilot.MaxPollInterval),
		Args:  cobra.ExactArgs(1),
		RunE: remoteCmd(func(ctx context.Context, cmd *cobra.Command, c *apiClient, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid number %q", args[0])
			}
			var st autopilot.Status
			body := map[string]int{"pollIntervalSeconds": n}
			if _, err := c.do(ctx, http.MethodPut, "/api/v1/autopilot/poll-interval", body, &st); err != nil {
				return err
			}
			return showStatus(cmd, st)
		}),
	}
}

func newPollCmd() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run a reconciliation tick now",
		Long: `Ask the server to run a tick immediately. Fails if a tick is already in
progress. With --wait, blocks until the tick finishes and prints its report.`,
		Args: cobra.NoArgs,
		RunE: remoteCmd(func(ctx context.Context, cmd *cobra.Command, c *apiClient, args []string) error {
			before, err := fetchStatus(ctx, c)
			if err != nil {
				return err
			}
			if _, err := c.do(ctx, http.MethodPost, "/api/v1/autopilot/poll", nil, nil); err != nil {
				var apiErr *apiError
				if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
					return errors.New("a tick is already in progress")
				}
				return err
			}
			if !wait {
				if !outputJSON {
					fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("✓ tick started"))
				}
				return nil
			}

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			report, err := waitForTick(ctx, c, lastTickID(before), 500*time.Millisecond)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), report)
			}
			renderTick(cmd.OutOrStdout(), report)
			return nil
		}),
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the tick to finish and print its report")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "how long --wait waits")
	return cmd
}

func lastTickID(st autopilot.Status) string {
	if st.LastTick == nil {
		return ""
	}
	return st.LastTick.ID
}

// waitForTick polls status until a tick other than prevID has finished.
func waitForTick(ctx context.Context, c *apiClient, prevID string, every time.Duration) (*autopilot.TickReport, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		st, err := fetchStatus(ctx, c)
		if err != nil {
			return nil, err
		}
		if !st.IsPolling && st.LastTick != nil && st.LastTick.ID != prevID {
			return st.LastTick, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for tick: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

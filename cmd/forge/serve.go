package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dorkalev/forge-control/internal/autopilot"
	"github.com/dorkalev/forge-control/internal/banner"
	"github.com/dorkalev/forge-control/internal/gateway"
	"github.com/dorkalev/forge-control/internal/health"
	"github.com/dorkalev/forge-control/internal/logging"
	"github.com/dorkalev/forge-control/internal/tmux"
	"github.com/dorkalev/forge-control/internal/webhooks"
)

// shutdownGrace bounds how long serve waits for an in-flight tick on exit.
const shutdownGrace = 30 * time.Second

func newServeCmd() *cobra.Command {
	var (
		noResume bool
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the autopilot and the HTTP control API",
		Long: `Run the reconciliation loop and serve the control API.

If the persisted autopilot state says the loop is enabled it resumes
immediately. The loop keeps running until "forge stop" or until the
process exits; the enabled flag survives restarts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			log := logging.WithComponent("serve")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.github == nil || a.linear == nil {
				return errAutopilotAdapters
			}

			sessions := tmux.New(cfg.Autopilot.TmuxSocket)
			if !sessions.IsAvailable() {
				return errors.New("tmux is not installed or not on PATH")
			}

			deps := autopilot.Deps{
				PullRequests: a.github,
				Issues:       a.linear,
				Worktrees:    a.repo,
				Provisioner:  a.manager,
				Sessions:     sessions,
			}
			opts := []gateway.ServerOption{gateway.WithWorktrees(a.manager)}
			if a.journal != nil {
				deps.Journal = a.journal
				opts = append(opts, gateway.WithHistory(a.journal))
				if cfg.Journal.Retention > 0 {
					if n, err := a.journal.Purge(ctx, cfg.Journal.Retention); err != nil {
						log.Warn("journal purge failed", "error", err)
					} else if n > 0 {
						log.Info("journal purged", "removed", n, "retention", cfg.Journal.Retention)
					}
				}
			}

			var hooks *webhooks.Manager
			if cfg.Webhooks.Enabled {
				hooks = webhooks.NewManager(cfg.Webhooks, logging.Logger())
				deps.Observer = hooks
				opts = append(opts, gateway.WithCleanupObserver(hooks))
			}

			store := autopilot.NewStore(cfg.Autopilot.StatePath)
			ctrl := autopilot.NewController(store, deps, cfg.Autopilot, cfg.Repo.BaseBranch)
			if !noResume {
				if err := ctrl.Resume(); err != nil {
					return fmt.Errorf("resume autopilot: %w", err)
				}
			}

			server := gateway.NewServer(cfg.Gateway, ctrl, opts...)

			if !quiet {
				banner.StartupWithHealth(cmd.OutOrStdout(), banner.Startup{
					Version: version,
					Repo:    cfg.Repo.Path,
					Addr:    cfg.Gateway.Addr(),
					State:   store.Get(),
				}, health.RunChecks(ctx, cfg))
			}

			log.Info("forge serving",
				"version", version,
				"repo", cfg.Repo.Path,
				"github", a.github.Repo(),
				"base", cfg.Repo.BaseBranch,
				"addr", cfg.Gateway.Addr(),
				"autopilot", ctrl.Running(),
			)

			serveErr := server.Start(ctx)

			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := ctrl.Close(closeCtx); err != nil {
				log.Warn("autopilot did not stop cleanly", "error", err)
			}
			if hooks != nil {
				if err := hooks.Close(closeCtx); err != nil {
					log.Warn("webhook deliveries dropped", "error", err)
				}
			}
			log.Info("forge stopped")

			if serveErr != nil {
				return fmt.Errorf("gateway: %w", serveErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noResume, "no-resume", false, "do not resume the loop even if it was enabled")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "skip the startup banner")
	return cmd
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dorkalev/forge-control/internal/config"
	"github.com/dorkalev/forge-control/internal/journal"
	"github.com/dorkalev/forge-control/internal/logging"
	"github.com/dorkalev/forge-control/internal/webhooks"
	"github.com/dorkalev/forge-control/internal/worktree"
)

func newWorktreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Provision and decommission workspaces locally",
		Long: `Work with workspaces directly against the local repository, without a
running server.`,
	}

	cmd.AddCommand(
		newWorktreeCreateCmd(),
		newWorktreeCleanupCmd(),
		newWorktreePathCmd(),
	)
	return cmd
}

// localCmd loads config, quiets logging unless configured otherwise, and
// builds the app for fn.
func localCmd(withJournal bool, fn func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := initCLILogging(cfg); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, withJournal)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, cmd, a, args)
	}
}

// initCLILogging keeps one-shot commands quiet at the default level. Logs
// aimed at stdout are dropped under --json so the output stays parseable.
func initCLILogging(cfg *config.Config) error {
	lc := *cfg.Logging
	if outputJSON && lc.Output == "stdout" {
		logging.Suppress()
		return nil
	}
	if lc.Level == logging.DefaultConfig().Level {
		lc.Level = "warn"
	}
	return logging.Init(&lc)
}

func newWorktreeCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create BRANCH",
		Short: "Create the workspace for a branch",
		Long: `Create the worktree for BRANCH under the workspace base directory,
branching from origin/BRANCH when it exists, and copy the environment file,
agent configuration, marker file, and compliance template into it.`,
		Args: cobra.ExactArgs(1),
		RunE: localCmd(false, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			res, err := a.manager.Create(ctx, args[0])
			if res != nil {
				if outputJSON {
					if jerr := printJSON(cmd.OutOrStdout(), res); jerr != nil {
						return jerr
					}
				} else {
					renderProvision(cmd.OutOrStdout(), res)
				}
			}
			return err
		}),
	}
}

func newWorktreeCleanupCmd() *cobra.Command {
	var req worktree.CleanupRequest

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove a merged workspace and its branches",
		Long: `Remove the worktree, the local branch, and the remote branch, then mark
the tracker issue done when --issue is given.

Nothing is touched unless the branch has a merged pull request, the worktree
has no uncommitted changes, and it has no unpushed commits.`,
		Args: cobra.NoArgs,
		RunE: localCmd(true, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if req.Path == "" && req.Branch == "" {
				return errors.New("--branch or --path is required")
			}

			out, err := a.manager.Cleanup(ctx, req)

			var violation *worktree.PreflightViolation
			if err != nil && !errors.As(err, &violation) {
				return err
			}
			if a.journal != nil && out != nil {
				recordCleanup(ctx, a.journal, req, out)
			}
			if a.cfg.Webhooks.Enabled && out != nil {
				notifyCleanup(ctx, a.cfg, req, out)
			}

			if outputJSON {
				if jerr := printJSON(cmd.OutOrStdout(), out); jerr != nil {
					return jerr
				}
			} else {
				renderCleanup(cmd.OutOrStdout(), out)
			}

			switch {
			case violation != nil:
				return fmt.Errorf("refused: %w", violation)
			case !out.OK:
				return errors.New("cleanup finished with errors")
			}
			return nil
		}),
	}

	cmd.Flags().StringVar(&req.Branch, "branch", "", "branch of the workspace")
	cmd.Flags().StringVar(&req.Path, "path", "", "path of the workspace (defaults to the branch's computed path)")
	cmd.Flags().StringVar(&req.Identifier, "issue", "", "tracker issue to mark done, e.g. ENG-123")
	return cmd
}

func recordCleanup(ctx context.Context, j *journal.Store, req worktree.CleanupRequest, out *worktree.CleanupOutcome) {
	err := j.RecordCleanup(ctx, journal.CleanupEntry{
		Branch:     out.Branch,
		Path:       out.Path,
		Identifier: req.Identifier,
		OK:         out.OK,
		Errors:     out.Errors,
		Warnings:   out.Warnings,
	})
	if err != nil {
		logging.WithComponent("cli").Warn("failed to journal cleanup", "error", err)
	}
}

// notifyCleanup delivers the outcome to webhooks and waits for delivery.
func notifyCleanup(ctx context.Context, cfg *config.Config, req worktree.CleanupRequest, out *worktree.CleanupOutcome) {
	hooks := webhooks.NewManager(cfg.Webhooks, logging.Logger())
	hooks.CleanupFinished(req.Identifier, out)

	ctx, cancel := context.WithTimeout(ctx, webhookFlushTimeout)
	defer cancel()
	if err := hooks.Close(ctx); err != nil {
		logging.WithComponent("cli").Warn("webhook deliveries dropped", "error", err)
	}
}

const webhookFlushTimeout = 30 * time.Second

func newWorktreePathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path BRANCH",
		Short: "Print the workspace path for a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), worktreePath(cfg, args[0]))
			return nil
		},
	}
}

// worktreePath computes the path without touching git or the network.
func worktreePath(cfg *config.Config, branch string) string {
	return filepath.Join(cfg.WorktreeOptions().BaseDir, worktree.DirName(branch))
}

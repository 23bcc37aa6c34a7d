package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dorkalev/forge-control/internal/adapters/github"
	"github.com/dorkalev/forge-control/internal/adapters/linear"
	"github.com/dorkalev/forge-control/internal/config"
	"github.com/dorkalev/forge-control/internal/git"
	"github.com/dorkalev/forge-control/internal/journal"
	"github.com/dorkalev/forge-control/internal/worktree"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// app holds the collaborators built from configuration. Optional ones
// are nil when not configured.
type app struct {
	cfg     *config.Config
	repo    *git.Repo
	github  *github.Client
	linear  *linear.Client
	manager *worktree.Manager
	journal *journal.Store
}

// newApp wires the repository, adapters, and worktree manager. The
// journal is opened only when withJournal is set.
func newApp(ctx context.Context, cfg *config.Config, withJournal bool) (*app, error) {
	a := &app{
		cfg:  cfg,
		repo: git.NewRepo(cfg.Repo.Path, cfg.Repo.Remote),
	}

	if gh := cfg.Adapters.GitHub; gh.Enabled {
		owner, name, err := a.repoSlug(ctx)
		if err != nil {
			return nil, err
		}
		a.github = github.NewClient(gh.Token, owner, name, github.WithBaseURL(gh.BaseURL))
	}
	if l := cfg.Adapters.Linear; l.Enabled {
		a.linear = linear.NewClientWithURL(l.APIKey, l.APIURL)
	}

	// Only pass collaborators that exist; a typed nil would defeat the
	// manager's nil checks.
	var opts []worktree.ManagerOption
	if a.github != nil {
		opts = append(opts, worktree.WithPullRequests(a.github))
	}
	if a.linear != nil {
		opts = append(opts, worktree.WithTracker(a.linear))
	}
	a.manager = worktree.NewManager(a.repo, cfg.WorktreeOptions(), opts...)

	if withJournal && cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = j
	}
	return a, nil
}

// repoSlug returns the configured owner/name or derives them from the remote.
func (a *app) repoSlug(ctx context.Context) (string, string, error) {
	if a.cfg.Repo.Owner != "" && a.cfg.Repo.Name != "" {
		return a.cfg.Repo.Owner, a.cfg.Repo.Name, nil
	}
	res := a.repo.Run(ctx, "", "remote", "get-url", a.repo.Remote())
	if !res.OK() {
		return "", "", fmt.Errorf("repo.owner and repo.name are not set and the remote URL is unavailable: %w", res.AsError())
	}
	owner, name, ok := config.ParseGitHubRemote(res.Stdout)
	if !ok {
		return "", "", fmt.Errorf("repo.owner and repo.name are not set and %q is not a GitHub remote", res.Stdout)
	}
	return owner, name, nil
}

func (a *app) Close() error {
	if a.journal != nil {
		return a.journal.Close()
	}
	return nil
}

var errAutopilotAdapters = errors.New("the autopilot needs adapters.github and adapters.linear enabled")

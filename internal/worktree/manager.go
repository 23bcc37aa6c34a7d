package worktree

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/dorkalev/forge-control/internal/logging"
)

// Manager provisions and decommissions worktrees for one repository.
// Create and Cleanup are serialized because they share the repository's
// worktree registry.
type Manager struct {
	mu sync.Mutex

	vcs     VCS
	prs     PullRequestLister
	tracker IssueCloser
	opts    Options
	log     *slog.Logger
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithPullRequests enables the merged-PR preflight check.
func WithPullRequests(prs PullRequestLister) ManagerOption {
	return func(m *Manager) {
		m.prs = prs
	}
}

// WithTracker enables transitioning issues to done after cleanup.
func WithTracker(t IssueCloser) ManagerOption {
	return func(m *Manager) {
		m.tracker = t
	}
}

// NewManager creates a Manager. An empty BaseDir defaults to a "worktrees"
// directory beside the repository checkout.
func NewManager(vcs VCS, opts Options, mopts ...ManagerOption) *Manager {
	if opts.BaseDir == "" {
		opts.BaseDir = filepath.Join(filepath.Dir(vcs.Path()), filepath.Base(vcs.Path())+"-worktrees")
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	if abs, err := filepath.Abs(opts.BaseDir); err == nil {
		opts.BaseDir = abs
	}

	m := &Manager{
		vcs:  vcs,
		opts: opts,
		log:  logging.WithComponent("worktree"),
	}
	for _, opt := range mopts {
		opt(m)
	}
	return m
}

// PathFor returns the worktree directory for branch.
func (m *Manager) PathFor(branch string) string {
	return filepath.Join(m.opts.BaseDir, DirName(branch))
}

// BaseDir returns the directory worktrees are created under.
func (m *Manager) BaseDir() string {
	return m.opts.BaseDir
}

// repoFile resolves a configured file name against the main checkout.
func (m *Manager) repoFile(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(m.vcs.Path(), name)
}

func (m *Manager) logFor(ctx context.Context, branch string) *slog.Logger {
	log := m.log.With("branch", branch)
	if id := logging.CorrelationID(ctx); id != "" {
		log = log.With("correlation_id", id)
	}
	return log
}

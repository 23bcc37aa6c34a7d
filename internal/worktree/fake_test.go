package worktree

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dorkalev/forge-control/internal/adapters/github"
	"github.com/dorkalev/forge-control/internal/git"
)

// fakeVCS records every call and answers from its fields.
type fakeVCS struct {
	mu    sync.Mutex
	calls []string

	root          string
	worktrees     []git.Worktree
	remoteTracked map[string]bool
	localBranches map[string]bool
	remoteBranch  map[string]bool
	status        string
	statusErr     error
	unpushed      int
	unpushedErr   error
	addFails      bool
	removeFails   bool
	pushStderr    string

	branchAhead    int
	branchAheadErr error

	// mutateDelay holds AddWorktree and RemoveWorktree open so overlapping
	// callers show up in maxInflight.
	mutateDelay time.Duration
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeVCS(root string) *fakeVCS {
	return &fakeVCS{
		root:          root,
		worktrees:     []git.Worktree{{Path: root, Branch: "main"}},
		remoteTracked: map[string]bool{},
		localBranches: map[string]bool{},
		remoteBranch:  map[string]bool{},
	}
}

func (f *fakeVCS) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeVCS) called(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (f *fakeVCS) destructiveCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		switch c {
		case "RemoveWorktree", "PruneWorktrees", "DeleteLocalBranch", "DeleteRemoteBranch":
			out = append(out, c)
		}
	}
	return out
}

// mutate marks a registry-changing call in flight until the returned func runs.
func (f *fakeVCS) mutate() func() {
	n := f.inflight.Add(1)
	for {
		prev := f.maxInflight.Load()
		if n <= prev || f.maxInflight.CompareAndSwap(prev, n) {
			break
		}
	}
	time.Sleep(f.mutateDelay)
	return func() { f.inflight.Add(-1) }
}

func ok() git.Result { return git.Result{} }

func failed(stderr string) git.Result {
	return git.Result{ExitCode: 1, Stderr: stderr, Err: errors.New("exit status 1")}
}

func (f *fakeVCS) Path() string   { return f.root }
func (f *fakeVCS) Remote() string { return "origin" }

func (f *fakeVCS) ListWorktrees(ctx context.Context) ([]git.Worktree, error) {
	f.record("ListWorktrees")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]git.Worktree(nil), f.worktrees...), nil
}

func (f *fakeVCS) Fetch(ctx context.Context) git.Result {
	f.record("Fetch")
	return ok()
}

func (f *fakeVCS) RemoteTrackingExists(ctx context.Context, branch string) (bool, error) {
	f.record("RemoteTrackingExists")
	return f.remoteTracked[branch], nil
}

func (f *fakeVCS) AddWorktree(ctx context.Context, branch, baseRef, path string, track bool) git.Result {
	f.record("AddWorktree")
	defer f.mutate()()
	if f.addFails {
		return failed("fatal: invalid reference: " + baseRef)
	}
	f.mu.Lock()
	f.worktrees = append(f.worktrees, git.Worktree{Path: path, Branch: branch})
	f.mu.Unlock()
	return ok()
}

func (f *fakeVCS) SubmoduleUpdate(ctx context.Context, path string) git.Result {
	f.record("SubmoduleUpdate")
	return ok()
}

func (f *fakeVCS) RemoveWorktree(ctx context.Context, path string) git.Result {
	f.record("RemoveWorktree")
	defer f.mutate()()
	if f.removeFails {
		return failed("fatal: cannot remove")
	}
	return ok()
}

func (f *fakeVCS) PruneWorktrees(ctx context.Context) git.Result {
	f.record("PruneWorktrees")
	return ok()
}

func (f *fakeVCS) LocalBranchExists(ctx context.Context, branch string) (bool, error) {
	f.record("LocalBranchExists")
	return f.localBranches[branch], nil
}

func (f *fakeVCS) DeleteLocalBranch(ctx context.Context, branch string) git.Result {
	f.record("DeleteLocalBranch")
	return ok()
}

func (f *fakeVCS) RemoteBranchExists(ctx context.Context, branch string) (bool, error) {
	f.record("RemoteBranchExists")
	return f.remoteBranch[branch], nil
}

func (f *fakeVCS) DeleteRemoteBranch(ctx context.Context, branch string) git.Result {
	f.record("DeleteRemoteBranch")
	if f.pushStderr != "" {
		return failed(f.pushStderr)
	}
	return ok()
}

func (f *fakeVCS) Status(ctx context.Context, path string) (string, error) {
	f.record("Status")
	return f.status, f.statusErr
}

func (f *fakeVCS) UnpushedCommits(ctx context.Context, path string) (int, error) {
	f.record("UnpushedCommits")
	return f.unpushed, f.unpushedErr
}

func (f *fakeVCS) UnpushedBranchCommits(ctx context.Context, branch string) (int, error) {
	f.record("UnpushedBranchCommits")
	return f.branchAhead, f.branchAheadErr
}

type fakePRs struct {
	prs []*github.PullRequest
	err error
}

func (f *fakePRs) ListPullRequestsForBranch(ctx context.Context, branch string) ([]*github.PullRequest, error) {
	return f.prs, f.err
}

type fakeTracker struct {
	closed []string
	err    error
}

func (f *fakeTracker) TransitionToDone(ctx context.Context, identifier string) error {
	if f.err != nil {
		return f.err
	}
	f.closed = append(f.closed, identifier)
	return nil
}

func mergedPR(branch string) *github.PullRequest {
	return &github.PullRequest{Number: 1, State: "closed", MergedAt: "2026-01-01T00:00:00Z", Head: github.PRRef{Ref: branch}}
}

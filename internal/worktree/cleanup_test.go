package worktree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dorkalev/forge-control/internal/adapters/github"
	"github.com/dorkalev/forge-control/internal/git"
	"github.com/dorkalev/forge-control/internal/testutil"
)

// registeredWorktree sets up a fake repository with branch checked out in an
// existing directory under a fresh base dir.
func registeredWorktree(t *testing.T, branch string) (*fakeVCS, Options, string) {
	t.Helper()
	vcs := newFakeVCS(t.TempDir())
	opts := Options{BaseDir: t.TempDir()}
	path := filepath.Join(opts.BaseDir, DirName(branch))
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	vcs.worktrees = append(vcs.worktrees, git.Worktree{Path: path, Branch: branch})
	vcs.localBranches[branch] = true
	vcs.remoteBranch[branch] = true
	return vcs, opts, path
}

func TestCleanup_HappyPath(t *testing.T) {
	vcs, opts, path := registeredWorktree(t, "eng-1")
	tracker := &fakeTracker{}
	m := NewManager(vcs, opts,
		WithPullRequests(&fakePRs{prs: []*github.PullRequest{mergedPR("eng-1")}}),
		WithTracker(tracker),
	)

	out, err := m.Cleanup(context.Background(), CleanupRequest{Branch: "eng-1", Identifier: "ENG-1"})
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if !out.OK {
		t.Errorf("OK = false, errors = %v", out.Errors)
	}
	if out.Path != path {
		t.Errorf("Path = %q, want %q", out.Path, path)
	}
	for _, call := range []string{"RemoveWorktree", "DeleteLocalBranch", "DeleteRemoteBranch"} {
		if !vcs.called(call) {
			t.Errorf("%s not called", call)
		}
	}
	if len(tracker.closed) != 1 || tracker.closed[0] != "ENG-1" {
		t.Errorf("tracker.closed = %v, want [ENG-1]", tracker.closed)
	}
	if len(out.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", out.Warnings)
	}
}

func TestCleanup_PreflightBlocksDestruction(t *testing.T) {
	tests := []struct {
		name      string
		prs       *fakePRs
		setup     func(*fakeVCS)
		opts      func(*Options)
		wantCheck string
	}{
		{
			name:      "dirty status",
			prs:       &fakePRs{prs: []*github.PullRequest{mergedPR("b")}},
			setup:     func(v *fakeVCS) { v.status = " M main.go\n?? new.txt" },
			wantCheck: CheckCleanStatus,
		},
		{
			name:      "status error",
			prs:       &fakePRs{prs: []*github.PullRequest{mergedPR("b")}},
			setup:     func(v *fakeVCS) { v.statusErr = errors.New("not a git repository") },
			wantCheck: CheckCleanStatus,
		},
		{
			name:      "unpushed commits",
			prs:       &fakePRs{prs: []*github.PullRequest{mergedPR("b")}},
			setup:     func(v *fakeVCS) { v.unpushed = 2 },
			wantCheck: CheckUnpushed,
		},
		{
			name:      "no pull request",
			prs:       &fakePRs{},
			wantCheck: CheckMerged,
		},
		{
			name:      "pull request not merged",
			prs:       &fakePRs{prs: []*github.PullRequest{{Number: 3, State: "open"}}},
			wantCheck: CheckMerged,
		},
		{
			name:      "host error",
			prs:       &fakePRs{err: errors.New("API error (status 502)")},
			wantCheck: CheckMerged,
		},
		{
			name:      "host required but missing",
			opts:      func(o *Options) { o.RequireMergeCheck = true },
			wantCheck: CheckMerged,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vcs, opts, _ := registeredWorktree(t, "b")
			if tt.setup != nil {
				tt.setup(vcs)
			}
			if tt.opts != nil {
				tt.opts(&opts)
			}
			var mopts []ManagerOption
			if tt.prs != nil {
				mopts = append(mopts, WithPullRequests(tt.prs))
			}
			tracker := &fakeTracker{}
			mopts = append(mopts, WithTracker(tracker))
			m := NewManager(vcs, opts, mopts...)

			out, err := m.Cleanup(context.Background(), CleanupRequest{Branch: "b", Identifier: "ENG-9"})

			var v *PreflightViolation
			if !errors.As(err, &v) {
				t.Fatalf("Cleanup() error = %v, want *PreflightViolation", err)
			}
			if v.Check != tt.wantCheck {
				t.Errorf("violation check = %q, want %q", v.Check, tt.wantCheck)
			}
			if out == nil || out.OK || len(out.Errors) != 1 {
				t.Errorf("outcome = %+v, want OK false with one error", out)
			}
			if calls := vcs.destructiveCalls(); len(calls) != 0 {
				t.Errorf("destructive calls after failed preflight: %v", calls)
			}
			if len(tracker.closed) != 0 {
				t.Errorf("tracker transitioned %v after failed preflight", tracker.closed)
			}
		})
	}
}

func TestCleanup_NoHostWarns(t *testing.T) {
	vcs, opts, _ := registeredWorktree(t, "eng-2")
	m := NewManager(vcs, opts)

	out, err := m.Cleanup(context.Background(), CleanupRequest{Branch: "eng-2"})
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if !out.OK {
		t.Errorf("OK = false, errors = %v", out.Errors)
	}
	if !containsSubstring(out.Warnings, "merge check skipped") {
		t.Errorf("Warnings = %v, want merge check warning", out.Warnings)
	}
}

func TestCleanup_UnpushedCompareErrorIsWarning(t *testing.T) {
	vcs, opts, _ := registeredWorktree(t, "eng-3")
	vcs.unpushedErr = errors.New("no upstream configured")
	m := NewManager(vcs, opts, WithPullRequests(&fakePRs{prs: []*github.PullRequest{mergedPR("eng-3")}}))

	out, err := m.Cleanup(context.Background(), CleanupRequest{Branch: "eng-3"})
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if !out.OK {
		t.Errorf("OK = false, errors = %v", out.Errors)
	}
	if !containsSubstring(out.Warnings, "upstream") {
		t.Errorf("Warnings = %v, want upstream comparison warning", out.Warnings)
	}
}

func TestCleanup_AlreadyAbsentResourcesAreWarnings(t *testing.T) {
	vcs := newFakeVCS(t.TempDir())
	m := NewManager(vcs, Options{BaseDir: t.TempDir()},
		WithPullRequests(&fakePRs{prs: []*github.PullRequest{mergedPR("eng-4")}}))

	out, err := m.Cleanup(context.Background(), CleanupRequest{Branch: "eng-4"})
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if !out.OK {
		t.Errorf("OK = false, errors = %v", out.Errors)
	}
	for _, want := range []string{"not registered, skipping", "local branch eng-4 already deleted", "remote branch eng-4 already deleted"} {
		if !containsSubstring(out.Warnings, want) {
			t.Errorf("Warnings = %v, want %q", out.Warnings, want)
		}
	}
	if calls := vcs.destructiveCalls(); len(calls) != 0 {
		t.Errorf("destructive calls for absent resources: %v", calls)
	}
}

func TestCleanup_RemoteRefMissingOnPushIsWarning(t *testing.T) {
	vcs, opts, _ := registeredWorktree(t, "eng-5")
	vcs.pushStderr = "error: unable to delete 'eng-5': remote ref does not exist"
	m := NewManager(vcs, opts, WithPullRequests(&fakePRs{prs: []*github.PullRequest{mergedPR("eng-5")}}))

	out, err := m.Cleanup(context.Background(), CleanupRequest{Branch: "eng-5"})
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if !out.OK {
		t.Errorf("OK = false, errors = %v", out.Errors)
	}
	if !containsSubstring(out.Warnings, "remote branch eng-5 already deleted") {
		t.Errorf("Warnings = %v", out.Warnings)
	}
}

func TestCleanup_PartialFailure(t *testing.T) {
	vcs, opts, _ := registeredWorktree(t, "eng-6")
	vcs.removeFails = true
	vcs.pushStderr = "fatal: could not read from remote repository"
	tracker := &fakeTracker{err: errors.New("linear unavailable")}
	m := NewManager(vcs, opts,
		WithPullRequests(&fakePRs{prs: []*github.PullRequest{mergedPR("eng-6")}}),
		WithTracker(tracker))

	out, err := m.Cleanup(context.Background(), CleanupRequest{Branch: "eng-6", Identifier: "ENG-6"})
	if err != nil {
		t.Fatalf("Cleanup() error = %v, want nil for partial failure", err)
	}
	if out.OK {
		t.Error("OK = true, want false")
	}
	if len(out.Errors) != 3 {
		t.Errorf("Errors = %v, want 3 (worktree, remote, tracker)", out.Errors)
	}
	if !vcs.called("DeleteLocalBranch") {
		t.Error("local branch deletion skipped after worktree removal failed")
	}
}

func TestCleanup_MissingDirectoryPrunes(t *testing.T) {
	vcs, opts, path := registeredWorktree(t, "eng-7")
	if err := os.RemoveAll(path); err != nil {
		t.Fatal(err)
	}
	m := NewManager(vcs, opts, WithPullRequests(&fakePRs{prs: []*github.PullRequest{mergedPR("eng-7")}}))

	out, err := m.Cleanup(context.Background(), CleanupRequest{Branch: "eng-7"})
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if !out.OK {
		t.Errorf("OK = false, errors = %v", out.Errors)
	}
	if vcs.called("Status") {
		t.Error("Status called for a missing workspace")
	}
	if !vcs.called("PruneWorktrees") || vcs.called("RemoveWorktree") {
		t.Errorf("calls = %v, want prune instead of remove", vcs.calls)
	}
}

func TestCleanup_MissingDirectoryChecksBranchAgainstRemote(t *testing.T) {
	vcs, opts, path := registeredWorktree(t, "eng-7")
	if err := os.RemoveAll(path); err != nil {
		t.Fatal(err)
	}
	vcs.branchAhead = 2
	m := NewManager(vcs, opts, WithPullRequests(&fakePRs{prs: []*github.PullRequest{mergedPR("eng-7")}}))

	out, err := m.Cleanup(context.Background(), CleanupRequest{Branch: "eng-7"})
	var v *PreflightViolation
	if !errors.As(err, &v) || v.Check != CheckUnpushed {
		t.Fatalf("Cleanup() error = %v, want %s violation", err, CheckUnpushed)
	}
	if out.OK {
		t.Error("OK = true, want false")
	}
	if calls := vcs.destructiveCalls(); len(calls) != 0 {
		t.Errorf("destructive calls after refusal: %v", calls)
	}
}

func TestCleanup_MissingDirectoryWithoutRemoteBranchWarns(t *testing.T) {
	vcs, opts, path := registeredWorktree(t, "eng-7")
	if err := os.RemoveAll(path); err != nil {
		t.Fatal(err)
	}
	vcs.branchAheadErr = errors.New("bad revision 'origin/eng-7..refs/heads/eng-7'")
	m := NewManager(vcs, opts, WithPullRequests(&fakePRs{prs: []*github.PullRequest{mergedPR("eng-7")}}))

	out, err := m.Cleanup(context.Background(), CleanupRequest{Branch: "eng-7"})
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if !out.OK {
		t.Errorf("OK = false, errors = %v", out.Errors)
	}
	found := false
	for _, w := range out.Warnings {
		if strings.Contains(w, "could not compare with origin/eng-7") {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings = %v, want a compare warning", out.Warnings)
	}
	if !vcs.called("DeleteLocalBranch") {
		t.Error("local branch not deleted")
	}
}

func TestCleanup_MissingDirectoryWithoutLocalBranch(t *testing.T) {
	vcs, opts, path := registeredWorktree(t, "eng-7")
	if err := os.RemoveAll(path); err != nil {
		t.Fatal(err)
	}
	vcs.localBranches["eng-7"] = false
	vcs.branchAhead = 3
	m := NewManager(vcs, opts, WithPullRequests(&fakePRs{prs: []*github.PullRequest{mergedPR("eng-7")}}))

	if _, err := m.Cleanup(context.Background(), CleanupRequest{Branch: "eng-7"}); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if vcs.called("UnpushedBranchCommits") {
		t.Error("branch compared with remote although it no longer exists locally")
	}
}

func TestCleanup_ResolvesBranchFromPath(t *testing.T) {
	vcs, opts, path := registeredWorktree(t, "feature/eng-8")
	m := NewManager(vcs, opts)

	out, err := m.Cleanup(context.Background(), CleanupRequest{Path: path})
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if out.Branch != "feature/eng-8" {
		t.Errorf("Branch = %q, want feature/eng-8", out.Branch)
	}
}

func TestCleanup_RejectsBadRequests(t *testing.T) {
	vcs := newFakeVCS(t.TempDir())
	m := NewManager(vcs, Options{BaseDir: t.TempDir()})

	tests := []struct {
		name string
		req  CleanupRequest
	}{
		{"empty", CleanupRequest{}},
		{"unknown path", CleanupRequest{Path: "/nowhere"}},
		{"main checkout", CleanupRequest{Path: vcs.root, Branch: "main"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Cleanup(context.Background(), tt.req); err == nil {
				t.Error("Cleanup() error = nil, want error")
			}
			if calls := vcs.destructiveCalls(); len(calls) != 0 {
				t.Errorf("destructive calls: %v", calls)
			}
		})
	}
}

func TestCleanup_Integration(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	repo.PushBranch(t, "eng-20")
	m := NewManager(git.NewRepo(repo.Path, ""), Options{BaseDir: filepath.Join(t.TempDir(), "trees")})
	ctx := context.Background()

	res, err := m.Create(ctx, "eng-20")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	testutil.WriteFile(t, filepath.Join(res.Path, "scratch.txt"), "wip\n")
	if _, err := m.Cleanup(ctx, CleanupRequest{Branch: "eng-20"}); err == nil {
		t.Fatal("Cleanup() with uncommitted changes succeeded")
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Fatalf("worktree removed despite failed preflight: %v", err)
	}

	if err := os.Remove(filepath.Join(res.Path, "scratch.txt")); err != nil {
		t.Fatal(err)
	}
	out, err := m.Cleanup(ctx, CleanupRequest{Branch: "eng-20"})
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if !out.OK {
		t.Fatalf("Cleanup() errors = %v", out.Errors)
	}
	if _, err := os.Stat(res.Path); !os.IsNotExist(err) {
		t.Errorf("worktree directory still present: %v", err)
	}
	if branches := testutil.Git(t, repo.Path, "branch", "--list", "eng-20"); strings.TrimSpace(branches) != "" {
		t.Errorf("local branch still present: %q", branches)
	}
	if remote := testutil.Git(t, repo.Remote, "branch", "--list", "eng-20"); strings.TrimSpace(remote) != "" {
		t.Errorf("remote branch still present: %q", remote)
	}

	again, err := m.Cleanup(ctx, CleanupRequest{Branch: "eng-20"})
	if err != nil {
		t.Fatalf("repeat Cleanup() error = %v", err)
	}
	if !again.OK {
		t.Errorf("repeat Cleanup() errors = %v", again.Errors)
	}
}

func containsSubstring(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

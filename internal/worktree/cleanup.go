package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dorkalev/forge-control/internal/git"
)

// Cleanup tears down the worktree, local branch, and remote branch named by
// req once every preflight check passes, then transitions the tracker issue
// to done when an identifier is given.
//
// A failed preflight returns a *PreflightViolation and an outcome with OK
// false; nothing has been modified in that case. Otherwise the error is nil
// and outcome.OK reports whether every destructive action succeeded.
func (m *Manager) Cleanup(ctx context.Context, req CleanupRequest) (*CleanupOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := &CleanupOutcome{Errors: []string{}, Warnings: []string{}}

	worktrees, err := m.vcs.ListWorktrees(ctx)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	if err := m.resolveRequest(&req, worktrees); err != nil {
		return nil, err
	}
	out.Path, out.Branch = req.Path, req.Branch
	log := m.logFor(ctx, req.Branch).With("path", req.Path)

	if v := m.preflight(ctx, req, out); v != nil {
		out.fail("%s", v.Error())
		out.OK = false
		log.Warn("cleanup refused", "check", v.Check, "reason", v.Reason)
		return out, v
	}

	_, registered := findByPath(worktrees, req.Path)
	switch {
	case registered && !dirExists(req.Path):
		if res := m.vcs.PruneWorktrees(ctx); !res.OK() {
			out.fail("prune worktrees: %v", res.AsError())
		}
	case registered:
		if res := m.vcs.RemoveWorktree(ctx, req.Path); !res.OK() {
			out.fail("remove worktree: %v", res.AsError())
		}
	default:
		out.warn("worktree %s not registered, skipping", req.Path)
	}

	if exists, err := m.vcs.LocalBranchExists(ctx, req.Branch); err != nil {
		out.fail("check local branch: %v", err)
	} else if exists {
		if res := m.vcs.DeleteLocalBranch(ctx, req.Branch); !res.OK() {
			out.fail("delete local branch: %v", res.AsError())
		}
	} else {
		out.warn("local branch %s already deleted", req.Branch)
	}

	m.deleteRemoteBranch(ctx, req.Branch, out)

	if req.Identifier != "" {
		if m.tracker == nil {
			out.warn("no issue tracker configured, %s not transitioned", req.Identifier)
		} else if err := m.tracker.TransitionToDone(ctx, req.Identifier); err != nil {
			out.fail("transition %s to done: %v", req.Identifier, err)
		}
	}

	out.OK = len(out.Errors) == 0
	log.Info("cleanup finished", "ok", out.OK, "errors", len(out.Errors), "warnings", len(out.Warnings))
	return out, nil
}

// resolveRequest fills in whichever of Path and Branch is missing.
func (m *Manager) resolveRequest(req *CleanupRequest, worktrees []git.Worktree) error {
	switch {
	case req.Branch == "" && req.Path == "":
		return errors.New("cleanup needs a branch or a path")
	case req.Branch == "":
		wt, ok := findByPath(worktrees, req.Path)
		if !ok || wt.Branch == "" {
			return fmt.Errorf("no branch checked out at %s", req.Path)
		}
		req.Branch = wt.Branch
	case req.Path == "":
		if wt, ok := findByBranch(worktrees, req.Branch); ok {
			req.Path = wt.Path
		} else {
			req.Path = m.PathFor(req.Branch)
		}
	}
	if err := validateBranch(req.Branch); err != nil {
		return err
	}
	if samePath(req.Path, m.vcs.Path()) {
		return fmt.Errorf("refusing to remove the main checkout %s", req.Path)
	}
	return nil
}

// preflight runs the read-only checks in order and returns the first
// violation. Non-blocking findings are appended to out.Warnings.
func (m *Manager) preflight(ctx context.Context, req CleanupRequest, out *CleanupOutcome) *PreflightViolation {
	if v := m.checkMerged(ctx, req.Branch, out); v != nil {
		return v
	}

	if !dirExists(req.Path) {
		out.warn("workspace %s missing, skipping status check", req.Path)
		return m.checkBranchPushed(ctx, req.Branch, out)
	}

	status, err := m.vcs.Status(ctx, req.Path)
	if err != nil {
		return &PreflightViolation{Check: CheckCleanStatus, Reason: fmt.Sprintf("git status failed: %v", err)}
	}
	if status != "" {
		return &PreflightViolation{Check: CheckCleanStatus, Reason: "uncommitted changes:\n" + firstLines(status, 10)}
	}

	n, err := m.vcs.UnpushedCommits(ctx, req.Path)
	switch {
	case err != nil:
		out.warn("could not compare with upstream: %v", err)
	case n > 0:
		return &PreflightViolation{Check: CheckUnpushed, Reason: fmt.Sprintf("%d commit(s) not pushed", n)}
	}
	return nil
}

// checkBranchPushed compares the local branch ref with its remote
// counterpart when there is no workspace to run HEAD-relative checks in.
func (m *Manager) checkBranchPushed(ctx context.Context, branch string, out *CleanupOutcome) *PreflightViolation {
	exists, err := m.vcs.LocalBranchExists(ctx, branch)
	if err != nil {
		out.warn("could not check local branch: %v", err)
		return nil
	}
	if !exists {
		return nil
	}
	n, err := m.vcs.UnpushedBranchCommits(ctx, branch)
	switch {
	case err != nil:
		out.warn("could not compare with %s/%s: %v", m.vcs.Remote(), branch, err)
	case n > 0:
		return &PreflightViolation{Check: CheckUnpushed, Reason: fmt.Sprintf("%d commit(s) on %s not pushed", n, branch)}
	}
	return nil
}

func (m *Manager) checkMerged(ctx context.Context, branch string, out *CleanupOutcome) *PreflightViolation {
	if m.prs == nil {
		if m.opts.RequireMergeCheck {
			return &PreflightViolation{Check: CheckMerged, Reason: "no VCS host configured to verify the merge"}
		}
		out.warn("no VCS host configured, merge check skipped")
		return nil
	}

	prs, err := m.prs.ListPullRequestsForBranch(ctx, branch)
	if err != nil {
		return &PreflightViolation{Check: CheckMerged, Reason: fmt.Sprintf("could not list pull requests: %v", err)}
	}
	for _, pr := range prs {
		if pr.IsMerged() {
			return nil
		}
	}
	if len(prs) == 0 {
		return &PreflightViolation{Check: CheckMerged, Reason: "no pull request found for " + branch}
	}
	return &PreflightViolation{Check: CheckMerged, Reason: fmt.Sprintf("none of %d pull request(s) for %s is merged", len(prs), branch)}
}

func (m *Manager) deleteRemoteBranch(ctx context.Context, branch string, out *CleanupOutcome) {
	exists, err := m.vcs.RemoteBranchExists(ctx, branch)
	if err != nil {
		out.fail("check remote branch: %v", err)
		return
	}
	if !exists {
		out.warn("remote branch %s already deleted", branch)
		return
	}

	res := m.vcs.DeleteRemoteBranch(ctx, branch)
	switch {
	case res.OK():
	case git.IsRemoteRefMissing(res):
		out.warn("remote branch %s already deleted", branch)
	default:
		out.fail("delete remote branch: %v", res.AsError())
	}
}

func firstLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "\n") + fmt.Sprintf("\n... and %d more", len(lines)-n)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Package git wraps the git subprocess calls forge needs to manage
// per-branch worktrees. Every call takes a context so a hung git process is
// killed when the caller's deadline expires.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultRemote is the remote name used when none is configured.
const DefaultRemote = "origin"

// Result is the outcome of a single git invocation.
type Result struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// OK reports whether the command ran and exited zero.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// AsError converts a failed result into an error carrying git's stderr.
func (r Result) AsError() error {
	if r.OK() {
		return nil
	}
	sub := "git"
	if len(r.Args) > 0 {
		sub = "git " + r.Args[0]
	}
	if msg := strings.TrimSpace(r.Stderr); msg != "" {
		return fmt.Errorf("%s: %s", sub, msg)
	}
	return fmt.Errorf("%s: %w", sub, r.Err)
}

// Worktree is one entry of `git worktree list --porcelain`.
type Worktree struct {
	Path     string
	Branch   string
	Head     string
	Bare     bool
	Detached bool
}

// Repo runs git commands against a single repository.
type Repo struct {
	path   string
	remote string
}

// NewRepo returns a Repo rooted at path. An empty remote means "origin".
func NewRepo(path, remote string) *Repo {
	if remote == "" {
		remote = DefaultRemote
	}
	return &Repo{path: path, remote: remote}
}

// Path returns the repository root.
func (r *Repo) Path() string {
	return r.path
}

// Remote returns the configured remote name.
func (r *Repo) Remote() string {
	return r.remote
}

// Run executes git with args in dir. An empty dir runs in the repository root.
func (r *Repo) Run(ctx context.Context, dir string, args ...string) Result {
	if dir == "" {
		dir = r.path
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Args:   args,
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if err != nil {
		res.Err = err
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}
	return res
}

// ListWorktrees returns every worktree registered with the repository,
// including the main checkout.
func (r *Repo) ListWorktrees(ctx context.Context) ([]Worktree, error) {
	res := r.Run(ctx, "", "worktree", "list", "--porcelain")
	if !res.OK() {
		return nil, res.AsError()
	}
	return ParseWorktreeList(res.Stdout), nil
}

// ParseWorktreeList parses the output of `git worktree list --porcelain`.
func ParseWorktreeList(raw string) []Worktree {
	var worktrees []Worktree
	for _, block := range strings.Split(strings.TrimSpace(raw), "\n\n") {
		if wt, ok := parseWorktreeBlock(strings.TrimSpace(block)); ok {
			worktrees = append(worktrees, wt)
		}
	}
	return worktrees
}

func parseWorktreeBlock(block string) (Worktree, bool) {
	var wt Worktree
	for _, line := range strings.Split(block, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			wt.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			wt.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			wt.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		case line == "bare":
			wt.Bare = true
		case line == "detached":
			wt.Detached = true
		}
	}
	return wt, wt.Path != ""
}

// Fetch updates remote-tracking refs, pruning deleted branches.
func (r *Repo) Fetch(ctx context.Context) Result {
	return r.Run(ctx, "", "fetch", "--prune", r.remote)
}

// RemoteTrackingExists reports whether refs/remotes/<remote>/<branch> exists
// locally. Call Fetch first for an up-to-date answer.
func (r *Repo) RemoteTrackingExists(ctx context.Context, branch string) (bool, error) {
	return r.refExists(ctx, "refs/remotes/"+r.remote+"/"+branch)
}

// LocalBranchExists reports whether refs/heads/<branch> exists.
func (r *Repo) LocalBranchExists(ctx context.Context, branch string) (bool, error) {
	return r.refExists(ctx, "refs/heads/"+branch)
}

func (r *Repo) refExists(ctx context.Context, ref string) (bool, error) {
	res := r.Run(ctx, "", "show-ref", "--verify", "--quiet", ref)
	switch {
	case res.OK():
		return true, nil
	case res.ExitCode == 1:
		return false, nil
	default:
		return false, res.AsError()
	}
}

// RemoteBranchExists asks the remote itself whether branch exists.
// ls-remote exits 2 when --exit-code is given and nothing matched.
func (r *Repo) RemoteBranchExists(ctx context.Context, branch string) (bool, error) {
	res := r.Run(ctx, "", "ls-remote", "--exit-code", "--heads", r.remote, branch)
	switch {
	case res.OK():
		return true, nil
	case res.ExitCode == 2:
		return false, nil
	default:
		return false, res.AsError()
	}
}

// AddWorktree creates (or force-resets) branch from baseRef and checks it
// out at path. When track is false the new branch gets no upstream.
func (r *Repo) AddWorktree(ctx context.Context, branch, baseRef, path string, track bool) Result {
	args := []string{"worktree", "add"}
	if track {
		args = append(args, "--track")
	} else {
		args = append(args, "--no-track")
	}
	args = append(args, "-B", branch, path, baseRef)
	return r.Run(ctx, "", args...)
}

// RemoveWorktree force-removes the worktree at path and its directory.
func (r *Repo) RemoveWorktree(ctx context.Context, path string) Result {
	return r.Run(ctx, "", "worktree", "remove", "--force", path)
}

// PruneWorktrees drops registrations whose directories no longer exist.
func (r *Repo) PruneWorktrees(ctx context.Context) Result {
	return r.Run(ctx, "", "worktree", "prune")
}

// DeleteLocalBranch force-deletes a local branch.
func (r *Repo) DeleteLocalBranch(ctx context.Context, branch string) Result {
	return r.Run(ctx, "", "branch", "-D", branch)
}

// DeleteRemoteBranch deletes branch on the remote.
func (r *Repo) DeleteRemoteBranch(ctx context.Context, branch string) Result {
	return r.Run(ctx, "", "push", r.remote, "--delete", branch)
}

// IsRemoteRefMissing reports whether a failed push --delete failed only
// because the branch was already gone on the remote.
func IsRemoteRefMissing(res Result) bool {
	msg := strings.ToLower(res.Stderr)
	return strings.Contains(msg, "remote ref does not exist") ||
		(strings.Contains(msg, "unable to delete") && strings.Contains(msg, "does not exist"))
}

// Status returns `git status --porcelain` for the worktree at path.
func (r *Repo) Status(ctx context.Context, path string) (string, error) {
	res := r.Run(ctx, path, "status", "--porcelain")
	if !res.OK() {
		return "", res.AsError()
	}
	return res.Stdout, nil
}

// UnpushedCommits counts commits on HEAD that are not on its upstream.
// It fails when the branch has no upstream configured.
func (r *Repo) UnpushedCommits(ctx context.Context, path string) (int, error) {
	res := r.Run(ctx, path, "rev-list", "--count", "@{upstream}..HEAD")
	if !res.OK() {
		return 0, res.AsError()
	}
	n, err := strconv.Atoi(res.Stdout)
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", res.Stdout, err)
	}
	return n, nil
}

// UnpushedBranchCommits counts commits on the local branch that are not on
// <remote>/<branch>. It runs from the main checkout so it works after the
// worktree directory is gone.
func (r *Repo) UnpushedBranchCommits(ctx context.Context, branch string) (int, error) {
	spec := fmt.Sprintf("%s/%s..refs/heads/%s", r.remote, branch, branch)
	res := r.Run(ctx, "", "rev-list", "--count", spec, "--")
	if !res.OK() {
		return 0, res.AsError()
	}
	n, err := strconv.Atoi(res.Stdout)
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", res.Stdout, err)
	}
	return n, nil
}

// SubmoduleUpdate initializes and updates submodules inside the worktree.
func (r *Repo) SubmoduleUpdate(ctx context.Context, path string) Result {
	return r.Run(ctx, path, "submodule", "update", "--init", "--recursive")
}

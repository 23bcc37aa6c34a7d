package worktree

import (
	"context"
	"fmt"

	"github.com/dorkalev/forge-control/internal/adapters/github"
	"github.com/dorkalev/forge-control/internal/git"
)

// VCS is the subset of git operations the worktree lifecycle drives.
// *git.Repo satisfies it.
type VCS interface {
	Path() string
	Remote() string
	ListWorktrees(ctx context.Context) ([]git.Worktree, error)
	Fetch(ctx context.Context) git.Result
	RemoteTrackingExists(ctx context.Context, branch string) (bool, error)
	AddWorktree(ctx context.Context, branch, baseRef, path string, track bool) git.Result
	SubmoduleUpdate(ctx context.Context, path string) git.Result
	RemoveWorktree(ctx context.Context, path string) git.Result
	PruneWorktrees(ctx context.Context) git.Result
	LocalBranchExists(ctx context.Context, branch string) (bool, error)
	DeleteLocalBranch(ctx context.Context, branch string) git.Result
	RemoteBranchExists(ctx context.Context, branch string) (bool, error)
	DeleteRemoteBranch(ctx context.Context, branch string) git.Result
	Status(ctx context.Context, path string) (string, error)
	UnpushedCommits(ctx context.Context, path string) (int, error)
	UnpushedBranchCommits(ctx context.Context, branch string) (int, error)
}

// PullRequestLister answers whether a branch has been merged.
type PullRequestLister interface {
	ListPullRequestsForBranch(ctx context.Context, branch string) ([]*github.PullRequest, error)
}

// IssueCloser transitions a tracker issue to its completed state.
type IssueCloser interface {
	TransitionToDone(ctx context.Context, identifier string) error
}

// Options configures path layout and the best-effort provisioning steps.
// Relative file names are resolved against the main repository checkout.
type Options struct {
	BaseDir            string
	BaseBranch         string
	EnvFile            string
	AgentConfigDir     string
	MarkerFile         string
	ComplianceTemplate string
	ComplianceDest     string
	StrictRemoteBranch bool
	RequireMergeCheck  bool
}

// DefaultOptions returns the layout forge uses when nothing is configured.
func DefaultOptions() Options {
	return Options{
		BaseBranch:     "main",
		EnvFile:        ".env",
		AgentConfigDir: ".claude",
		MarkerFile:     "CLAUDE.local.md",
		ComplianceDest: ".claude/agents/compliance-checker.md",
	}
}

// Step names recorded in ProvisionResult.Steps.
const (
	StepEnsureBaseDir   = "ensure-base-dir"
	StepFetch           = "fetch"
	StepResolveBaseRef  = "resolve-base-ref"
	StepWorktreeAdd     = "worktree-add"
	StepCopyEnv         = "copy-env"
	StepCopyAgentConfig = "copy-agent-config"
	StepLinkMarker      = "link-marker"
	StepInstallTemplate = "install-compliance-template"
	StepSubmodules      = "submodule-update"
)

// StepResult records one provisioning step.
type StepResult struct {
	Step     string `json:"step"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// OK reports whether the step succeeded.
func (s StepResult) OK() bool { return s.ExitCode == 0 }

func stepFromResult(step string, res git.Result) StepResult {
	sr := StepResult{
		Step:     step,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	if res.Err != nil && sr.ExitCode == 0 {
		sr.ExitCode = -1
	}
	if res.Err != nil && sr.Stderr == "" {
		sr.Stderr = res.Err.Error()
	}
	return sr
}

func stepFromError(step, stdout string, err error) StepResult {
	if err != nil {
		return StepResult{Step: step, ExitCode: 1, Stdout: stdout, Stderr: err.Error()}
	}
	return StepResult{Step: step, Stdout: stdout}
}

// ProvisionResult is the outcome of Manager.Create.
type ProvisionResult struct {
	OK      bool         `json:"ok"`
	Existed bool         `json:"existed"`
	Branch  string       `json:"branch"`
	Path    string       `json:"path"`
	BaseRef string       `json:"baseRef,omitempty"`
	Steps   []StepResult `json:"steps,omitempty"`
}

// CleanupRequest identifies the workspace to tear down. Path defaults to the
// computed path for Branch; Branch is looked up from the worktree list when
// only Path is given. Identifier is optional.
type CleanupRequest struct {
	Path       string `json:"path,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// CleanupOutcome is the per-request result of Manager.Cleanup.
type CleanupOutcome struct {
	OK       bool     `json:"ok"`
	Path     string   `json:"path"`
	Branch   string   `json:"branch"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (o *CleanupOutcome) warn(format string, args ...any) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}

func (o *CleanupOutcome) fail(format string, args ...any) {
	o.Errors = append(o.Errors, fmt.Sprintf(format, args...))
}

// Preflight check names.
const (
	CheckMerged      = "merged"
	CheckCleanStatus = "clean-status"
	CheckUnpushed    = "unpushed"
)

// PreflightViolation is returned when a cleanup precondition fails. No
// destructive action has been taken when it is returned.
type PreflightViolation struct {
	Check  string
	Reason string
}

func (e *PreflightViolation) Error() string {
	return fmt.Sprintf("preflight %s: %s", e.Check, e.Reason)
}

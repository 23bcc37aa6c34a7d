package worktree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dorkalev/forge-control/internal/git"
)

// Create provisions a worktree for branch. If a worktree is already
// registered at the branch's path the call has no side effects and reports
// Existed. Only `git worktree add` decides OK; the remaining steps are
// best-effort and recorded in Steps. A non-nil error is returned whenever OK
// is false, alongside the partial result.
func (m *Manager) Create(ctx context.Context, branch string) (*ProvisionResult, error) {
	if err := validateBranch(branch); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.PathFor(branch)
	res := &ProvisionResult{Branch: branch, Path: path}
	log := m.logFor(ctx, branch).With("path", path)

	worktrees, err := m.vcs.ListWorktrees(ctx)
	if err != nil {
		return res, fmt.Errorf("list worktrees: %w", err)
	}
	if wt, ok := findByPath(worktrees, path); ok {
		res.OK = true
		res.Existed = true
		log.Debug("worktree already exists", "registered_branch", wt.Branch)
		return res, nil
	}

	if err := os.MkdirAll(m.opts.BaseDir, 0o755); err != nil {
		res.Steps = append(res.Steps, stepFromError(StepEnsureBaseDir, m.opts.BaseDir, err))
		return res, fmt.Errorf("create base dir: %w", err)
	}

	fetch := m.vcs.Fetch(ctx)
	res.Steps = append(res.Steps, stepFromResult(StepFetch, fetch))
	if !fetch.OK() {
		log.Warn("fetch failed, using existing remote refs", "stderr", fetch.Stderr)
	}

	baseRef, track, err := m.resolveBaseRef(ctx, branch, res)
	if err != nil {
		return res, err
	}
	res.BaseRef = baseRef

	add := m.vcs.AddWorktree(ctx, branch, baseRef, path, track)
	res.Steps = append(res.Steps, stepFromResult(StepWorktreeAdd, add))
	if !add.OK() {
		log.Error("worktree add failed", "base_ref", baseRef, "stderr", add.Stderr)
		return res, fmt.Errorf("worktree add %s: %w", branch, add.AsError())
	}
	res.OK = true

	for _, step := range []func(string) (StepResult, bool){
		m.copyEnvFile,
		m.copyAgentConfig,
		m.linkMarkerFile,
		m.installComplianceTemplate,
	} {
		if sr, ran := step(path); ran {
			res.Steps = append(res.Steps, sr)
			if !sr.OK() {
				log.Warn("provisioning step failed", "step", sr.Step, "stderr", sr.Stderr)
			}
		}
	}

	if _, err := os.Stat(filepath.Join(path, ".gitmodules")); err == nil {
		sub := m.vcs.SubmoduleUpdate(ctx, path)
		res.Steps = append(res.Steps, stepFromResult(StepSubmodules, sub))
		if !sub.OK() {
			log.Warn("submodule update failed", "stderr", sub.Stderr)
		}
	}

	log.Info("worktree created", "base_ref", baseRef, "steps", len(res.Steps))
	return res, nil
}

// resolveBaseRef picks <remote>/<branch> when the branch exists remotely,
// otherwise <remote>/<base> unless strict mode forbids the fallback.
func (m *Manager) resolveBaseRef(ctx context.Context, branch string, res *ProvisionResult) (string, bool, error) {
	remote := m.vcs.Remote()
	exists, err := m.vcs.RemoteTrackingExists(ctx, branch)
	if err != nil {
		res.Steps = append(res.Steps, stepFromError(StepResolveBaseRef, "", err))
		return "", false, fmt.Errorf("resolve base ref: %w", err)
	}
	if exists {
		return remote + "/" + branch, true, nil
	}

	if m.opts.StrictRemoteBranch {
		err := fmt.Errorf("branch %s does not exist on %s", branch, remote)
		res.Steps = append(res.Steps, stepFromError(StepResolveBaseRef, "", err))
		return "", false, err
	}

	baseRef := remote + "/" + m.opts.BaseBranch
	res.Steps = append(res.Steps, StepResult{
		Step:   StepResolveBaseRef,
		Stdout: baseRef,
		Stderr: fmt.Sprintf("%s/%s not found, branching from %s", remote, branch, baseRef),
	})
	m.logFor(ctx, branch).Warn("remote branch missing, falling back to base", "base_ref", baseRef)
	return baseRef, false, nil
}

func (m *Manager) copyEnvFile(path string) (StepResult, bool) {
	if m.opts.EnvFile == "" {
		return StepResult{}, false
	}
	src := m.repoFile(m.opts.EnvFile)
	if !isRegular(src) {
		return StepResult{}, false
	}
	dst := filepath.Join(path, filepath.Base(src))
	return stepFromError(StepCopyEnv, dst, copyFile(src, dst)), true
}

func (m *Manager) copyAgentConfig(path string) (StepResult, bool) {
	if m.opts.AgentConfigDir == "" {
		return StepResult{}, false
	}
	src := m.repoFile(m.opts.AgentConfigDir)
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return StepResult{}, false
	}
	dst := filepath.Join(path, filepath.Base(src))
	return stepFromError(StepCopyAgentConfig, dst, copyDir(src, dst)), true
}

// linkMarkerFile symlinks the project marker into the worktree unless a file
// or link already occupies that name.
func (m *Manager) linkMarkerFile(path string) (StepResult, bool) {
	if m.opts.MarkerFile == "" {
		return StepResult{}, false
	}
	src := m.repoFile(m.opts.MarkerFile)
	if _, err := os.Stat(src); err != nil {
		return StepResult{}, false
	}
	dst := filepath.Join(path, filepath.Base(src))
	if _, err := os.Lstat(dst); err == nil {
		return StepResult{}, false
	}
	return stepFromError(StepLinkMarker, dst, os.Symlink(src, dst)), true
}

func (m *Manager) installComplianceTemplate(path string) (StepResult, bool) {
	if m.opts.ComplianceTemplate == "" || m.opts.ComplianceDest == "" {
		return StepResult{}, false
	}
	if !isRegular(m.opts.ComplianceTemplate) {
		return StepResult{}, false
	}
	dst := filepath.Join(path, m.opts.ComplianceDest)
	if _, err := os.Lstat(dst); err == nil {
		return StepResult{}, false
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return stepFromError(StepInstallTemplate, dst, err), true
	}
	return stepFromError(StepInstallTemplate, dst, copyFile(m.opts.ComplianceTemplate, dst)), true
}

func validateBranch(branch string) error {
	switch {
	case strings.TrimSpace(branch) == "":
		return errors.New("branch name is required")
	case strings.HasPrefix(branch, "-"):
		return fmt.Errorf("invalid branch name %q", branch)
	}
	return nil
}

func findByPath(worktrees []git.Worktree, path string) (git.Worktree, bool) {
	for _, wt := range worktrees {
		if samePath(wt.Path, path) {
			return wt, true
		}
	}
	return git.Worktree{}, false
}

func findByBranch(worktrees []git.Worktree, branch string) (git.Worktree, bool) {
	for _, wt := range worktrees {
		if wt.Branch == branch {
			return wt, true
		}
	}
	return git.Worktree{}, false
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// copyDir recursively copies src to dst, recreating symlinks as links.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			return nil
		default:
			return copyFile(p, target)
		}
	})
}

// copyFile copies a single file from src to dst, preserving permissions.
func copyFile(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}

	if err := os.WriteFile(dst, content, srcInfo.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}

	return nil
}

// Package worktree manages the per-branch git worktrees forge provisions for
// coding agents.
//
// Each branch maps to exactly one directory under the configured base
// directory (see DirName). Manager.Create is idempotent: a branch whose
// directory is already registered with git is reported as existing and left
// untouched. Manager.Cleanup is the only path that removes a worktree, and it
// refuses to touch anything until every preflight check passes:
//
//  1. a pull request for the branch has been merged (when a host is configured)
//  2. the worktree has no uncommitted changes
//  3. the branch has no commits that are not on its upstream
//
// After preflight, the worktree, the local branch, and the remote branch are
// removed independently. Already-absent resources are warnings, not errors.
package worktree

package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// GitRepo is a throwaway repository with a bare "origin" remote.
type GitRepo struct {
	// Path is the working clone.
	Path string
	// Remote is the bare repository registered as origin.
	Remote string
}

// NewGitRepo creates a repository on branch main with one commit pushed to a
// bare origin. Tests are skipped when git is not installed.
func NewGitRepo(t *testing.T) *GitRepo {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	root := t.TempDir()
	repo := &GitRepo{
		Path:   filepath.Join(root, "work"),
		Remote: filepath.Join(root, "origin.git"),
	}

	Git(t, root, "init", "--bare", "-b", "main", repo.Remote)
	Git(t, root, "init", "-b", "main", repo.Path)
	Git(t, repo.Path, "config", "user.email", "test@example.com")
	Git(t, repo.Path, "config", "user.name", "Test User")
	Git(t, repo.Path, "config", "commit.gpgsign", "false")

	WriteFile(t, filepath.Join(repo.Path, "README.md"), "# Test Repo\n")
	Git(t, repo.Path, "add", ".")
	Git(t, repo.Path, "commit", "-m", "Initial commit")
	Git(t, repo.Path, "remote", "add", "origin", repo.Remote)
	Git(t, repo.Path, "push", "-u", "origin", "main")

	return repo
}

// PushBranch creates branch from main with one commit and pushes it to origin.
// The working clone is left on main.
func (r *GitRepo) PushBranch(t *testing.T, branch string) {
	t.Helper()

	Git(t, r.Path, "checkout", "-b", branch)
	WriteFile(t, filepath.Join(r.Path, "branch.txt"), branch+"\n")
	Git(t, r.Path, "add", ".")
	Git(t, r.Path, "commit", "-m", "Work on "+branch)
	Git(t, r.Path, "push", "-u", "origin", branch)
	Git(t, r.Path, "checkout", "main")
}

// Git runs git in dir and fails the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return string(out)
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

package worktree

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// DirName maps a branch name to a directory name containing only
// [A-Za-z0-9._-]. Disallowed characters become '_'. When any character had to
// be replaced, a short hash of the original branch is appended so that
// "feature/x" and "feature_x" never share a directory.
func DirName(branch string) string {
	var b strings.Builder
	b.Grow(len(branch))
	for _, r := range branch {
		if isAllowed(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	name := b.String()
	// "", "." and ".." would resolve to the base directory or its parent.
	if strings.Trim(name, ".") == "" {
		name = "_" + name
	}
	if name != branch {
		name += "-" + shortHash(branch)
	}
	return name
}

func isAllowed(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '.' || r == '_' || r == '-'
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}

// samePath reports whether a and b name the same directory, resolving
// symlinks where the paths exist (macOS /var vs /private/var).
func samePath(a, b string) bool {
	return canonical(a) == canonical(b)
}

func canonical(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	// The leaf may not exist yet; resolve the parent instead.
	dir, leaf := filepath.Split(filepath.Clean(p))
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		return filepath.Join(resolved, leaf)
	}
	return filepath.Clean(p)
}

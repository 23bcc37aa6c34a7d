// Package tmux provides a wrapper for tmux session operations via subprocess.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// validSessionNameRe rejects names tmux would mangle (dots, colons) or a
// shell would interpret.
var validSessionNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Common errors
var (
	ErrNoServer           = errors.New("no tmux server running")
	ErrSessionExists      = errors.New("session already exists")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidSessionName = errors.New("invalid session name")
)

// enterDelay separates the pasted text from the Enter key so the pane has
// processed the paste before the command is submitted.
const enterDelay = 100 * time.Millisecond

// Session is a live tmux session.
type Session struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// Tmux wraps tmux operations.
type Tmux struct {
	socketName string // tmux socket name (-L flag), empty = default socket
}

// New returns a Tmux wrapper. An empty socket uses the user's default server.
func New(socket string) *Tmux {
	return &Tmux{socketName: socket}
}

// ValidateSessionName checks that a session name contains only safe characters.
func ValidateSessionName(name string) error {
	if name == "" || !validSessionNameRe.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidSessionName, name, validSessionNameRe.String())
	}
	return nil
}

// run executes a tmux command and returns trimmed stdout.
func (t *Tmux) run(ctx context.Context, args ...string) (string, error) {
	allArgs := []string{"-u"}
	if t.socketName != "" {
		allArgs = append(allArgs, "-L", t.socketName)
	}
	allArgs = append(allArgs, args...)

	cmd := exec.CommandContext(ctx, "tmux", allArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// wrapError maps tmux stderr onto the package's sentinel errors.
func wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") ||
		strings.Contains(stderr, "server exited unexpectedly") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// IsAvailable reports whether the tmux binary can be executed.
func (t *Tmux) IsAvailable() bool {
	return exec.Command("tmux", "-V").Run() == nil
}

// SessionExists checks if a session exists (exact match).
func (t *Tmux) SessionExists(ctx context.Context, name string) (bool, error) {
	_, err := t.run(ctx, "has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateSession creates a detached session whose first window starts in workDir.
func (t *Tmux) CreateSession(ctx context.Context, name, workDir string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	if _, err := t.run(ctx, args...); err != nil {
		return err
	}
	// Detached sessions default to a fixed 80x24 window on tmux 3.3+.
	_, _ = t.run(ctx, "set-option", "-wt", name, "window-size", "latest")
	return nil
}

// SendKeys types keys literally into the session and presses Enter.
func (t *Tmux) SendKeys(ctx context.Context, name, keys string) error {
	if _, err := t.run(ctx, "send-keys", "-t", name, "-l", keys); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(enterDelay):
	}

	_, err := t.run(ctx, "send-keys", "-t", name, "Enter")
	return err
}

// ListSessions returns every live session with its working directory.
// No server running means no sessions.
func (t *Tmux) ListSessions(ctx context.Context) ([]Session, error) {
	out, err := t.run(ctx, "list-sessions", "-F", "#{session_name}\t#{session_path}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	return parseSessionList(out), nil
}

func parseSessionList(out string) []Session {
	if out == "" {
		return nil
	}
	var sessions []Session
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		name, path, _ := strings.Cut(line, "\t")
		sessions = append(sessions, Session{Name: name, Path: path})
	}
	return sessions
}

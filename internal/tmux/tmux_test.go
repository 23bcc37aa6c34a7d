package tmux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestValidateSessionName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"forge-eng-123", false},
		{"forge_ENG_1", false},
		{"", true},
		{"forge.eng", true},
		{"forge:eng", true},
		{"forge eng", true},
		{"forge;rm", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSessionName) {
				t.Errorf("error should wrap ErrInvalidSessionName, got %v", err)
			}
		})
	}
}

func TestWrapError(t *testing.T) {
	base := errors.New("exit status 1")
	tests := []struct {
		stderr string
		want   error
	}{
		{"no server running on /tmp/tmux-1000/forge", ErrNoServer},
		{"error connecting to /tmp/tmux-1000/forge (No such file or directory)", ErrNoServer},
		{"duplicate session: forge-eng-1", ErrSessionExists},
		{"can't find session: forge-eng-1", ErrSessionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.stderr, func(t *testing.T) {
			if got := wrapError(base, tt.stderr, []string{"has-session"}); !errors.Is(got, tt.want) {
				t.Errorf("wrapError(%q) = %v, want %v", tt.stderr, got, tt.want)
			}
		})
	}

	got := wrapError(base, "", []string{"send-keys"})
	if !errors.Is(got, base) {
		t.Errorf("expected wrapped base error, got %v", got)
	}
}

func TestParseSessionList(t *testing.T) {
	sessions := parseSessionList("forge-eng-1\t/wt/eng-1\nscratch\t/home/dev\n")
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].Name != "forge-eng-1" || sessions[0].Path != "/wt/eng-1" {
		t.Errorf("sessions[0] = %+v", sessions[0])
	}
	if parseSessionList("") != nil {
		t.Error("empty output should yield no sessions")
	}
}

func TestTmux_SessionLifecycle(t *testing.T) {
	tm := New(fmt.Sprintf("forge-test-%d", os.Getpid()))
	if !tm.IsAvailable() {
		t.Skip("tmux not available")
	}

	ctx := context.Background()
	name := "forge-test-eng-1"
	t.Cleanup(func() { _ = tm.killSession(context.Background(), name) })

	exists, err := tm.SessionExists(ctx, name)
	if err != nil || exists {
		t.Fatalf("SessionExists before create = %v, %v", exists, err)
	}

	if err := tm.CreateSession(ctx, name, t.TempDir()); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	exists, err = tm.SessionExists(ctx, name)
	if err != nil || !exists {
		t.Fatalf("SessionExists after create = %v, %v", exists, err)
	}

	if err := tm.CreateSession(ctx, name, ""); !errors.Is(err, ErrSessionExists) {
		t.Errorf("second CreateSession error = %v, want ErrSessionExists", err)
	}

	sessions, err := tm.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	found := false
	for _, s := range sessions {
		if s.Name == name {
			found = true
		}
	}
	if !found {
		t.Errorf("session %s not listed: %+v", name, sessions)
	}

	if err := tm.killSession(ctx, name); err != nil {
		t.Fatalf("killSession failed: %v", err)
	}
	if err := tm.killSession(ctx, name); err != nil {
		t.Errorf("killing an absent session should succeed, got %v", err)
	}
}

// killSession terminates a session left by a test. Killing an absent session
// is not an error.
func (t *Tmux) killSession(ctx context.Context, name string) error {
	_, err := t.run(ctx, "kill-session", "-t", "="+name)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

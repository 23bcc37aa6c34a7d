package autopilot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/dorkalev/forge-control/internal/logging"
)

// Store holds the desired state in memory and persists it as JSON after
// every mutation.
type Store struct {
	path string
	log  *slog.Logger

	mu    sync.RWMutex
	state DesiredState
}

// NewStore loads the desired state from path. A missing or unreadable file
// yields defaults; the file is not created until the first mutation.
func NewStore(path string) *Store {
	s := &Store{
		path: path,
		log:  logging.WithComponent("autopilot"),
	}
	s.state = s.load()
	return s
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the current desired state.
func (s *Store) Get() DesiredState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Update applies fn to a copy of the state and persists it. On a write
// failure the in-memory state is left unchanged.
func (s *Store) Update(fn func(*DesiredState)) (DesiredState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	fn(&next)
	if err := s.save(next); err != nil {
		return s.state, err
	}
	s.state = next
	return next, nil
}

func (s *Store) load() DesiredState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("cannot read autopilot state, using defaults", "path", s.path, "error", err)
		}
		return DefaultDesiredState()
	}

	state, problems := ParseDesiredState(data)
	for _, p := range problems {
		s.log.Warn("invalid autopilot state field, using default", "path", s.path, "problem", p)
	}
	return state
}

// ParseDesiredState decodes a desired-state document. Comments and trailing
// commas are tolerated. Every field is validated on its own: a missing,
// mistyped, or out-of-range field takes its default and is reported in
// problems without affecting the others.
func ParseDesiredState(data []byte) (DesiredState, []string) {
	state := DefaultDesiredState()

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &fields); err != nil {
		return state, []string{fmt.Sprintf("malformed document: %v", err)}
	}

	var problems []string

	if raw, ok := fields["enabled"]; ok {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			problems = append(problems, fmt.Sprintf("enabled: not a boolean: %s", raw))
		} else {
			state.Enabled = v
		}
	}

	if raw, ok := fields["maxParallelAgents"]; ok {
		if v, err := intInRange(raw, MinParallelAgents, MaxParallelAgents); err != nil {
			problems = append(problems, "maxParallelAgents: "+err.Error())
		} else {
			state.MaxParallelAgents = v
		}
	}

	if raw, ok := fields["pollIntervalSeconds"]; ok {
		if v, err := intInRange(raw, MinPollInterval, MaxPollInterval); err != nil {
			problems = append(problems, "pollIntervalSeconds: "+err.Error())
		} else {
			state.PollIntervalSeconds = v
		}
	}

	return state, problems
}

func intInRange(raw json.RawMessage, lo, hi int) (int, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("not an integer: %s", raw)
	}
	if f < float64(lo) || f > float64(hi) {
		return 0, fmt.Errorf("%s outside [%d, %d]", raw, lo, hi)
	}
	return int(f), nil
}

// save writes state atomically: temp file in the same directory, then rename.
func (s *Store) save(state DesiredState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal autopilot state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

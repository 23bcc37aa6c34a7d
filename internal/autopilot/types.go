package autopilot

import (
	"errors"
	"time"
)

// Sentinel errors returned by Controller.
var (
	ErrAlreadyRunning      = errors.New("autopilot already running")
	ErrNotRunning          = errors.New("autopilot not running")
	ErrTickInProgress      = errors.New("a poll is already in progress")
	ErrInvalidMaxParallel  = errors.New("max parallel agents must be between 1 and 10")
	ErrInvalidPollInterval = errors.New("poll interval must be between 5 and 60 seconds")
)

// Desired-state bounds and defaults.
const (
	MinParallelAgents = 1
	MaxParallelAgents = 10
	MinPollInterval   = 5
	MaxPollInterval   = 60

	DefaultMaxParallelAgents   = 3
	DefaultPollIntervalSeconds = 10
)

// Config holds process-level autopilot configuration.
type Config struct {
	// StatePath is the JSON file holding the operator's desired state.
	StatePath string `yaml:"state_path"`
	// SessionPrefix is prepended to the lower-cased issue identifier to name
	// agent sessions.
	SessionPrefix string `yaml:"session_prefix"`
	// AgentCommand is typed into each new session. Empty leaves a bare shell.
	AgentCommand string `yaml:"agent_command"`
	// TickTimeout bounds a single reconciliation pass.
	TickTimeout time.Duration `yaml:"tick_timeout"`
	// LookupConcurrency bounds parallel issue-tracker lookups within a tick.
	LookupConcurrency int `yaml:"lookup_concurrency"`
	// TmuxSocket selects a tmux server by socket name. Empty uses the default.
	TmuxSocket string `yaml:"tmux_socket,omitempty"`
}

// DefaultConfig returns sensible defaults for autopilot configuration.
func DefaultConfig() *Config {
	return &Config{
		StatePath:         "~/.forge/autopilot.json",
		SessionPrefix:     "forge-",
		AgentCommand:      "claude",
		TickTimeout:       10 * time.Minute,
		LookupConcurrency: 4,
	}
}

// DesiredState is the operator-controlled state persisted between restarts.
type DesiredState struct {
	Enabled             bool `json:"enabled"`
	MaxParallelAgents   int  `json:"maxParallelAgents"`
	PollIntervalSeconds int  `json:"pollIntervalSeconds"`
}

// DefaultDesiredState is used for any missing or invalid field.
func DefaultDesiredState() DesiredState {
	return DesiredState{
		Enabled:             false,
		MaxParallelAgents:   DefaultMaxParallelAgents,
		PollIntervalSeconds: DefaultPollIntervalSeconds,
	}
}

// PollInterval returns the poll interval as a duration.
func (d DesiredState) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSeconds) * time.Second
}

// WorkItem is an open pull request that may need an agent. Identity is Branch.
type WorkItem struct {
	PRNumber   int    `json:"prNumber"`
	Branch     string `json:"branch"`
	Title      string `json:"title"`
	Identifier string `json:"identifier"`
}

// Status is a point-in-time view of the loop.
type Status struct {
	Enabled             bool        `json:"enabled"`
	MaxParallelAgents   int         `json:"maxParallelAgents"`
	PollIntervalSeconds int         `json:"pollIntervalSeconds"`
	RunningAgentsCount  int         `json:"runningAgentsCount"`
	RunningSessions     []string    `json:"runningSessions"`
	IsPolling           bool        `json:"isPolling"`
	NextPollAt          *time.Time  `json:"nextPollAt,omitempty"`
	LastTick            *TickReport `json:"lastTick,omitempty"`
	SessionsError       string      `json:"sessionsError,omitempty"`
}

// TickReport summarizes one reconciliation pass.
type TickReport struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	OpenPRs    int           `json:"openPRs"`
	Eligible   int           `json:"eligible"`
	NeedsAgent int           `json:"needsAgent"`
	Running    int           `json:"running"`
	Available  int           `json:"available"`
	Spawned    []SpawnResult `json:"spawned,omitempty"`
	Skipped    []SkippedItem `json:"skipped,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// SpawnResult is the outcome of provisioning and starting one agent.
type SpawnResult struct {
	WorkItem
	Session        string `json:"session"`
	Path           string `json:"path,omitempty"`
	WorktreeReused bool   `json:"worktreeReused,omitempty"`
	SessionReused  bool   `json:"sessionReused,omitempty"`
	Error          string `json:"error,omitempty"`
}

// SkippedItem explains why an open pull request got no agent this tick.
type SkippedItem struct {
	PRNumber int    `json:"prNumber"`
	Branch   string `json:"branch"`
	Reason   string `json:"reason"`
}

package linear

import "strings"

// Config holds Linear adapter configuration
type Config struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	APIURL  string `yaml:"api_url,omitempty"`
}

// DefaultConfig returns default Linear configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		APIURL:  linearAPIURL,
	}
}

// StateType represents issue state types
type StateType string

const (
	StateTypeBacklog   StateType = "backlog"
	StateTypeUnstarted StateType = "unstarted"
	StateTypeStarted   StateType = "started"
	StateTypeCompleted StateType = "completed"
	StateTypeCanceled  StateType = "canceled"
)

// IsActive reports whether work on an issue in this state is already under
// way or finished: started, in a review-named state, or completed.
func (s State) IsActive() bool {
	switch StateType(s.Type) {
	case StateTypeStarted, StateTypeCompleted:
		return true
	}
	return strings.Contains(strings.ToLower(s.Name), "review")
}

package webhooks

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a webhook event payload.
type Event struct {
	// ID is a unique identifier for this event
	ID string `json:"id"`

	// Type is the event type
	Type EventType `json:"type"`

	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// Data contains the event-specific payload
	Data any `json:"data"`
}

// AgentSpawnedData is the payload for agent.spawned events.
type AgentSpawnedData struct {
	TickID         string `json:"tick_id"`
	PRNumber       int    `json:"pr_number"`
	Branch         string `json:"branch"`
	Identifier     string `json:"identifier"`
	Session        string `json:"session"`
	Path           string `json:"path"`
	WorktreeReused bool   `json:"worktree_reused"`
	SessionReused  bool   `json:"session_reused"`
}

// AgentSpawnFailedData is the payload for agent.spawn_failed events.
type AgentSpawnFailedData struct {
	TickID     string `json:"tick_id"`
	PRNumber   int    `json:"pr_number"`
	Branch     string `json:"branch"`
	Identifier string `json:"identifier"`
	Session    string `json:"session"`
	Error      string `json:"error"`
}

// TickFailedData is the payload for tick.failed events.
type TickFailedData struct {
	TickID     string `json:"tick_id"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error"`
}

// WorkspaceCleanupData is the payload for workspace.cleaned and
// workspace.cleanup_failed events.
type WorkspaceCleanupData struct {
	Branch     string   `json:"branch"`
	Path       string   `json:"path"`
	Identifier string   `json:"identifier,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// NewEvent creates a new Event with generated ID and current timestamp.
func NewEvent(eventType EventType, data any) *Event {
	return &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Package webhooks delivers forge events to external HTTP endpoints. Payloads
// are signed with HMAC-SHA256 and retried with exponential backoff; each
// endpoint may filter the events it receives.
package webhooks

import (
	"time"
)

// EventType represents the type of event that can be sent via webhook.
type EventType string

const (
	// Agent lifecycle events
	EventAgentSpawned     EventType = "agent.spawned"
	EventAgentSpawnFailed EventType = "agent.spawn_failed"

	// Reconciliation events
	EventTickFailed EventType = "tick.failed"

	// Workspace events
	EventWorkspaceCleaned       EventType = "workspace.cleaned"
	EventWorkspaceCleanupFailed EventType = "workspace.cleanup_failed"
)

// AllEventTypes returns all supported event types.
func AllEventTypes() []EventType {
	return []EventType{
		EventAgentSpawned,
		EventAgentSpawnFailed,
		EventTickFailed,
		EventWorkspaceCleaned,
		EventWorkspaceCleanupFailed,
	}
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Config holds configuration for outbound webhooks.
type Config struct {
	// Enabled controls whether webhooks are active
	Enabled bool `yaml:"enabled"`

	// Endpoints is the list of webhook endpoints to deliver events to
	Endpoints []*EndpointConfig `yaml:"endpoints"`

	// Defaults applied to all endpoints unless overridden
	Defaults *EndpointDefaults `yaml:"defaults,omitempty"`
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Name identifies the endpoint in logs
	Name string `yaml:"name"`

	// URL is the destination URL for webhook delivery
	URL string `yaml:"url"`

	// Secret is used for HMAC-SHA256 signature generation
	// Can use environment variable syntax: ${FORGE_WEBHOOK_SECRET}
	Secret string `yaml:"secret"`

	// Events is the list of event types this endpoint subscribes to
	// Empty means all events
	Events []EventType `yaml:"events,omitempty"`

	// Enabled controls whether this endpoint is active
	Enabled bool `yaml:"enabled"`

	// Timeout for HTTP requests (default: 10s)
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Retry configuration
	Retry *RetryConfig `yaml:"retry,omitempty"`

	// Headers to include in webhook requests
	Headers map[string]string `yaml:"headers,omitempty"`
}

// EndpointDefaults holds default values for webhook endpoints.
type EndpointDefaults struct {
	Timeout time.Duration `yaml:"timeout"`
	Retry   *RetryConfig  `yaml:"retry,omitempty"`
}

// RetryConfig defines retry behavior for failed webhook deliveries.
type RetryConfig struct {
	// MaxAttempts is the maximum number of delivery attempts (default: 3)
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the delay before the first retry (default: 1s)
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay is the maximum delay between retries (default: 30s)
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier is the exponential backoff multiplier (default: 2.0)
	Multiplier float64 `yaml:"multiplier"`
}

const defaultTimeout = 10 * time.Second

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   false,
		Endpoints: []*EndpointConfig{},
		Defaults: &EndpointDefaults{
			Timeout: defaultTimeout,
			Retry:   DefaultRetryConfig(),
		},
	}
}

// DefaultRetryConfig returns default retry settings.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// SubscribesTo returns true if the endpoint subscribes to the given event type.
func (e *EndpointConfig) SubscribesTo(eventType EventType) bool {
	if len(e.Events) == 0 {
		return true // Empty means all events
	}
	for _, et := range e.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// GetTimeout returns the effective timeout for this endpoint.
func (e *EndpointConfig) GetTimeout(defaults *EndpointDefaults) time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	if defaults != nil && defaults.Timeout > 0 {
		return defaults.Timeout
	}
	return defaultTimeout
}

// GetRetry returns the effective retry config for this endpoint.
func (e *EndpointConfig) GetRetry(defaults *EndpointDefaults) *RetryConfig {
	retry := DefaultRetryConfig()
	switch {
	case e.Retry != nil:
		retry = e.Retry
	case defaults != nil && defaults.Retry != nil:
		retry = defaults.Retry
	}
	if retry.MaxAttempts < 1 {
		r := *retry
		r.MaxAttempts = 1
		retry = &r
	}
	return retry
}

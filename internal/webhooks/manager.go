package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dorkalev/forge-control/internal/autopilot"
	"github.com/dorkalev/forge-control/internal/worktree"
)

// Manager handles webhook delivery to configured endpoints.
type Manager struct {
	config     *Config
	httpClient *http.Client
	logger     *slog.Logger
	mu         sync.RWMutex

	// ctx bounds background deliveries started by the notify methods.
	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup

	// Metrics
	deliveries     int64
	failures       int64
	retries        int64
	lastDeliveryAt time.Time
}

// DeliveryResult represents the result of a webhook delivery attempt.
type DeliveryResult struct {
	Endpoint   string
	Success    bool
	StatusCode int
	Attempts   int
	Error      error
	Duration   time.Duration
}

// NewManager creates a new webhook manager with the given configuration.
func NewManager(config *Config, logger *slog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:     config,
		httpClient: &http.Client{},
		logger:     logger.With("component", "webhooks"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Dispatch sends an event to all subscribed endpoints and waits for every
// delivery to finish.
func (m *Manager) Dispatch(ctx context.Context, event *Event) []DeliveryResult {
	if !m.config.Enabled {
		return nil
	}

	var (
		results []DeliveryResult
		resMu   sync.Mutex
		wg      sync.WaitGroup
	)

	for _, endpoint := range m.config.Endpoints {
		if !endpoint.Enabled || !endpoint.SubscribesTo(event.Type) {
			continue
		}

		wg.Add(1)
		go func(ep *EndpointConfig) {
			defer wg.Done()
			result := m.deliver(ctx, ep, event)
			resMu.Lock()
			results = append(results, result)
			resMu.Unlock()
		}(endpoint)
	}

	wg.Wait()
	return results
}

// deliver sends an event to a single endpoint with retry logic.
func (m *Manager) deliver(ctx context.Context, endpoint *EndpointConfig, event *Event) DeliveryResult {
	startTime := time.Now()
	retryConfig := endpoint.GetRetry(m.config.Defaults)
	timeout := endpoint.GetTimeout(m.config.Defaults)

	result := DeliveryResult{
		Endpoint: endpoint.Name,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal event: %w", err)
		result.Duration = time.Since(startTime)
		return result
	}

	signature := sign(payload, endpoint.Secret)

	delay := retryConfig.InitialDelay
	for attempt := 1; attempt <= retryConfig.MaxAttempts; attempt++ {
		result.Attempts = attempt

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
		if err != nil {
			cancel()
			result.Error = fmt.Errorf("failed to create request: %w", err)
			break
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forge-Event", string(event.Type))
		req.Header.Set("X-Forge-Delivery", event.ID)
		req.Header.Set("X-Forge-Timestamp", event.Timestamp.Format(time.RFC3339))
		req.Header.Set("User-Agent", "forge-webhooks/1.0")
		if signature != "" {
			req.Header.Set("X-Forge-Signature", signature)
		}
		for k, v := range endpoint.Headers {
			req.Header.Set(k, v)
		}

		resp, err := m.httpClient.Do(req)
		cancel()

		if err != nil {
			result.Error = err
			m.logger.Warn("webhook delivery failed",
				"endpoint", endpoint.Name,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()

			result.StatusCode = resp.StatusCode

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				result.Success = true
				result.Error = nil
				result.Duration = time.Since(startTime)
				m.recordSuccess()
				m.logger.Debug("webhook delivered",
					"endpoint", endpoint.Name,
					"event", event.Type,
					"status", resp.StatusCode,
				)
				return result
			}

			result.Error = fmt.Errorf("unexpected status code: %d", resp.StatusCode)
			m.logger.Warn("webhook delivery failed",
				"endpoint", endpoint.Name,
				"attempt", attempt,
				"status", resp.StatusCode,
			)
		}

		if attempt >= retryConfig.MaxAttempts {
			break
		}

		m.recordRetry()
		select {
		case <-ctx.Done():
			result.Error = ctx.Err()
			result.Duration = time.Since(startTime)
			m.recordFailure()
			return result
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * retryConfig.Multiplier)
		if retryConfig.MaxDelay > 0 && delay > retryConfig.MaxDelay {
			delay = retryConfig.MaxDelay
		}
	}

	result.Duration = time.Since(startTime)
	m.recordFailure()
	m.logger.Error("webhook delivery exhausted retries",
		"endpoint", endpoint.Name,
		"event", event.Type,
		"attempts", result.Attempts,
		"error", result.Error,
	)

	return result
}

// sign generates an HMAC-SHA256 signature for the payload.
func sign(payload []byte, secret string) string {
	if secret == "" {
		return ""
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a payload.
// Receivers use it to check the X-Forge-Signature header.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(sign(payload, secret)))
}

// TickFinished turns a tick report into events and delivers them in the
// background. It never blocks the caller.
func (m *Manager) TickFinished(report *autopilot.TickReport) {
	var events []*Event
	for _, s := range report.Spawned {
		if s.Error != "" {
			events = append(events, NewEvent(EventAgentSpawnFailed, &AgentSpawnFailedData{
				TickID:     report.ID,
				PRNumber:   s.PRNumber,
				Branch:     s.Branch,
				Identifier: s.Identifier,
				Session:    s.Session,
				Error:      s.Error,
			}))
			continue
		}
		events = append(events, NewEvent(EventAgentSpawned, &AgentSpawnedData{
			TickID:         report.ID,
			PRNumber:       s.PRNumber,
			Branch:         s.Branch,
			Identifier:     s.Identifier,
			Session:        s.Session,
			Path:           s.Path,
			WorktreeReused: s.WorktreeReused,
			SessionReused:  s.SessionReused,
		}))
	}
	if report.Error != "" {
		events = append(events, NewEvent(EventTickFailed, &TickFailedData{
			TickID:     report.ID,
			DurationMS: report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
			Error:      report.Error,
		}))
	}
	m.dispatchAsync(events)
}

// CleanupFinished delivers the outcome of a cleanup in the background.
// Refused cleanups carry the violation in Errors.
func (m *Manager) CleanupFinished(identifier string, out *worktree.CleanupOutcome) {
	if out == nil {
		return
	}
	eventType := EventWorkspaceCleaned
	if !out.OK {
		eventType = EventWorkspaceCleanupFailed
	}
	m.dispatchAsync([]*Event{NewEvent(eventType, &WorkspaceCleanupData{
		Branch:     out.Branch,
		Path:       out.Path,
		Identifier: identifier,
		Errors:     out.Errors,
		Warnings:   out.Warnings,
	})})
}

func (m *Manager) dispatchAsync(events []*Event) {
	if len(events) == 0 || !m.IsEnabled() {
		return
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		for _, event := range events {
			m.Dispatch(m.ctx, event)
		}
	}()
}

// Close waits for background deliveries. When ctx expires first, the
// remaining deliveries are cancelled.
func (m *Manager) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return fmt.Errorf("webhook deliveries cancelled: %w", ctx.Err())
	}
}

// Stats returns current webhook delivery statistics.
func (m *Manager) Stats() (deliveries, failures, retries int64, lastDelivery time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deliveries, m.failures, m.retries, m.lastDeliveryAt
}

func (m *Manager) recordSuccess() {
	m.mu.Lock()
	m.deliveries++
	m.lastDeliveryAt = time.Now()
	m.mu.Unlock()
}

func (m *Manager) recordFailure() {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
}

func (m *Manager) recordRetry() {
	m.mu.Lock()
	m.retries++
	m.mu.Unlock()
}

// IsEnabled returns whether webhooks are enabled.
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled
}

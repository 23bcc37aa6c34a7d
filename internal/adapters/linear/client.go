package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dorkalev/forge-control/internal/logging"
)

const (
	linearAPIURL = "https://api.linear.app/graphql"
)

// Client is a Linear API client
type Client struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
	log        *slog.Logger

	mu             sync.Mutex
	doneStateCache map[string]string // team ID -> completed workflow state ID
}

// NewClient creates a new Linear client
func NewClient(apiKey string) *Client {
	return NewClientWithURL(apiKey, linearAPIURL)
}

// NewClientWithURL creates a Linear client against a custom endpoint (for testing)
func NewClientWithURL(apiKey, apiURL string) *Client {
	if apiURL == "" {
		apiURL = linearAPIURL
	}
	return &Client{
		apiKey: apiKey,
		apiURL: apiURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log:            logging.WithComponent("linear"),
		doneStateCache: make(map[string]string),
	}
}

// Issue represents a Linear issue
type Issue struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	State      State  `json:"state"`
	Team       Team   `json:"team"`
}

// State represents an issue state
type State struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Team represents a Linear team
type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key"`
}

// GraphQLRequest represents a GraphQL request
type GraphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// GraphQLResponse represents a GraphQL response
type GraphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// GraphQLError represents a GraphQL error
type GraphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

func (e GraphQLError) notFound() bool {
	return strings.EqualFold(e.Extensions.Code, "NOT_FOUND") ||
		strings.Contains(strings.ToLower(e.Message), "not found")
}

// errNotFound marks a GraphQL response whose only problem is a missing entity.
type errNotFound struct{ msg string }

func (e *errNotFound) Error() string { return "GraphQL error: " + e.msg }

// Execute executes a GraphQL query
func (c *Client) Execute(ctx context.Context, query string, variables map[string]interface{}, result interface{}) error {
	reqBody := GraphQLRequest{
		Query:     query,
		Variables: variables,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var gqlResp GraphQLResponse
	if resp.StatusCode != http.StatusOK {
		// Linear answers unknown entities with 400 and a GraphQL error body.
		if json.Unmarshal(respBody, &gqlResp) == nil && len(gqlResp.Errors) > 0 && gqlResp.Errors[0].notFound() {
			return &errNotFound{msg: gqlResp.Errors[0].Message}
		}
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if len(gqlResp.Errors) > 0 {
		if gqlResp.Errors[0].notFound() {
			return &errNotFound{msg: gqlResp.Errors[0].Message}
		}
		return fmt.Errorf("GraphQL error: %s", gqlResp.Errors[0].Message)
	}

	if result != nil {
		if err := json.Unmarshal(gqlResp.Data, result); err != nil {
			return fmt.Errorf("failed to parse data: %w", err)
		}
	}

	return nil
}

// GetIssue fetches an issue by ID or human identifier ("ENG-123").
// It returns nil, nil when the issue does not exist.
func (c *Client) GetIssue(ctx context.Context, id string) (*Issue, error) {
	query := `
		query GetIssue($id: String!) {
			issue(id: $id) {
				id
				identifier
				title
				url
				state {
					id
					name
					type
				}
				team {
					id
					name
					key
				}
			}
		}
	`

	var result struct {
		Issue *Issue `json:"issue"`
	}

	if err := c.Execute(ctx, query, map[string]interface{}{"id": id}, &result); err != nil {
		var nf *errNotFound
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}

	return result.Issue, nil
}

// UpdateIssueState updates an issue's state
func (c *Client) UpdateIssueState(ctx context.Context, issueID, stateID string) error {
	mutation := `
		mutation UpdateIssue($id: String!, $stateId: String!) {
			issueUpdate(id: $id, input: { stateId: $stateId }) {
				success
			}
		}
	`

	var result struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	if err := c.Execute(ctx, mutation, map[string]interface{}{
		"id":      issueID,
		"stateId": stateID,
	}, &result); err != nil {
		return err
	}
	if !result.IssueUpdate.Success {
		return fmt.Errorf("issueUpdate for %s reported failure", issueID)
	}
	return nil
}

// doneStateID returns the first workflow state of type completed for a team,
// caching the answer per team.
func (c *Client) doneStateID(ctx context.Context, teamID string) (string, error) {
	c.mu.Lock()
	if id, ok := c.doneStateCache[teamID]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	query := `
		query DoneState($teamId: ID!) {
			workflowStates(filter: { team: { id: { eq: $teamId } }, type: { eq: "completed" } }) {
				nodes { id name type position }
			}
		}
	`
	var result struct {
		WorkflowStates struct {
			Nodes []struct {
				ID       string  `json:"id"`
				Name     string  `json:"name"`
				Type     string  `json:"type"`
				Position float64 `json:"position"`
			} `json:"nodes"`
		} `json:"workflowStates"`
	}
	if err := c.Execute(ctx, query, map[string]interface{}{"teamId": teamID}, &result); err != nil {
		return "", err
	}

	var (
		best    string
		bestPos float64
	)
	for _, n := range result.WorkflowStates.Nodes {
		if n.Type != string(StateTypeCompleted) {
			continue
		}
		if best == "" || n.Position < bestPos {
			best, bestPos = n.ID, n.Position
		}
	}
	if best == "" {
		return "", fmt.Errorf("team %s has no completed workflow state", teamID)
	}

	c.mu.Lock()
	c.doneStateCache[teamID] = best
	c.mu.Unlock()
	return best, nil
}

// TransitionToDone moves the issue to its team's completed state. Issues
// already completed are left alone.
func (c *Client) TransitionToDone(ctx context.Context, identifier string) error {
	issue, err := c.GetIssue(ctx, identifier)
	if err != nil {
		return fmt.Errorf("fetch issue %s: %w", identifier, err)
	}
	if issue == nil {
		return fmt.Errorf("issue %s not found", identifier)
	}
	if StateType(issue.State.Type) == StateTypeCompleted {
		c.log.Debug("issue already completed", "issue", identifier, "state", issue.State.Name)
		return nil
	}

	stateID, err := c.doneStateID(ctx, issue.Team.ID)
	if err != nil {
		return fmt.Errorf("resolve done state for %s: %w", identifier, err)
	}
	if err := c.UpdateIssueState(ctx, issue.ID, stateID); err != nil {
		return fmt.Errorf("transition %s to done: %w", identifier, err)
	}

	c.log.Info("issue transitioned to done", "issue", identifier, "from", issue.State.Name)
	return nil
}

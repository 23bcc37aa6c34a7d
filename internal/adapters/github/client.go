package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dorkalev/forge-control/internal/logging"
)

const (
	githubAPIURL = "https://api.github.com"

	perPage  = 100
	maxPages = 10
)

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Client is a GitHub API client scoped to one repository
type Client struct {
	token      string
	owner      string
	repo       string
	httpClient *http.Client
	baseURL    string // For testing - defaults to githubAPIURL
	retry      RetryOptions
	log        *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL points the client at a different API root (GitHub Enterprise, tests).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithRetryOptions overrides the transport-level retry policy.
func WithRetryOptions(opts RetryOptions) Option {
	return func(c *Client) {
		c.retry = opts
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a new GitHub client for owner/repo
func NewClient(token, owner, repo string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		owner:   owner,
		repo:    repo,
		baseURL: githubAPIURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: DefaultRetryOptions(),
		log:   logging.WithComponent("github"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientWithBaseURL creates a new GitHub client with a custom base URL (for testing)
func NewClientWithBaseURL(token, owner, repo, baseURL string) *Client {
	return NewClient(token, owner, repo, WithBaseURL(baseURL))
}

// Repo returns "owner/name".
func (c *Client) Repo() string {
	return c.owner + "/" + c.repo
}

// doRequest performs an HTTP GET against the GitHub API
func (c *Client) doRequest(ctx context.Context, method, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// listPulls pages through /pulls with the given query until a short page.
func (c *Client) listPulls(ctx context.Context, query url.Values) ([]*PullRequest, error) {
	query.Set("per_page", strconv.Itoa(perPage))

	var all []*PullRequest
	for page := 1; page <= maxPages; page++ {
		query.Set("page", strconv.Itoa(page))
		path := fmt.Sprintf("/repos/%s/%s/pulls?%s", url.PathEscape(c.owner), url.PathEscape(c.repo), query.Encode())

		batch, err := WithRetry(ctx, func() ([]*PullRequest, error) {
			var result []*PullRequest
			if err := c.doRequest(ctx, http.MethodGet, path, &result); err != nil {
				return nil, err
			}
			return result, nil
		}, c.retry)
		if err != nil {
			return nil, err
		}

		all = append(all, batch...)
		if len(batch) < perPage {
			return all, nil
		}
	}

	c.log.Warn("pull request listing truncated", "repo", c.Repo(), "pages", maxPages)
	return all, nil
}

// ListOpenPullRequests lists open pull requests targeting base, in the order
// GitHub returns them (newest first).
func (c *Client) ListOpenPullRequests(ctx context.Context, base string) ([]*PullRequest, error) {
	q := url.Values{}
	q.Set("state", StateOpen)
	if base != "" {
		q.Set("base", base)
	}
	prs, err := c.listPulls(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list open pull requests: %w", err)
	}
	return prs, nil
}

// ListPullRequestsForBranch lists pull requests in any state whose head is
// branch in this repository.
func (c *Client) ListPullRequestsForBranch(ctx context.Context, branch string) ([]*PullRequest, error) {
	q := url.Values{}
	q.Set("state", StateAll)
	q.Set("head", c.owner+":"+branch)
	prs, err := c.listPulls(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list pull requests for %s: %w", branch, err)
	}
	return prs, nil
}

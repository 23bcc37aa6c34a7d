package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dorkalev/forge-control/internal/config"
	"github.com/dorkalev/forge-control/internal/gateway"
)

// apiClient talks to a running "forge serve".
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// apiError is a non-2xx response from the server.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func newAPIClient(cfg *config.Config) *apiClient {
	c := &apiClient{
		baseURL:    serverURL(cfg.Gateway, serverAddr),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	if auth := cfg.Gateway.Auth; auth != nil && auth.Type == gateway.AuthTypeAPIToken {
		c.token = auth.Token
	}
	return c
}

// serverURL resolves the base URL from an explicit address or the gateway
// config. A wildcard bind host is reached through loopback.
func serverURL(gw *gateway.Config, addr string) string {
	if addr == "" {
		host := gw.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, strconv.Itoa(gw.Port))
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// do sends body as JSON and decodes a 2xx response into out. Non-2xx
// responses and 207 become *apiError, and out still receives the body for
// 207 and 412 so callers can render partial results.
func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("is forge serve running at %s? %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	partial := resp.StatusCode == http.StatusMultiStatus || resp.StatusCode == http.StatusPreconditionFailed
	if out != nil && len(data) > 0 && (resp.StatusCode < 300 || partial) {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode >= 300 || resp.StatusCode == http.StatusMultiStatus {
		return resp.StatusCode, &apiError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	return resp.StatusCode, nil
}

func errorMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}

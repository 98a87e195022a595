// Package runtime provides an HTTP client for the agent runtime.
//
// The runtime is driven as a black box over its HTTP API: health, provider
// catalog, session creation, prompting, and aborts. Streaming output does
// not flow through this client; spawned workers push chunks to the bridge.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/logger"
)

const maxErrorBodyBytes = 2048

// Client communicates with one agent runtime instance via HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a runtime client for the given base URL
// (e.g. http://127.0.0.1:39001).
func NewClient(baseURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // prompts are long-running
		},
		logger: log.WithComponent("runtime-client"),
	}
}

// BaseURL returns the runtime base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Health checks if the runtime is responsive. Used by the readiness probe
// and the periodic health checker; kept deliberately cheap.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// Providers fetches the runtime's configured provider and model catalog.
func (c *Client) Providers(ctx context.Context) (*ProvidersResponse, error) {
	var out ProvidersResponse
	if err := c.getJSON(ctx, "/config/providers", &out); err != nil {
		return nil, fmt.Errorf("failed to fetch providers: %w", err)
	}
	return &out, nil
}

// CreateSession creates a session inside the runtime and returns its id.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	var out sessionResponse
	if err := c.postJSON(ctx, "/session", req, &out); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("runtime returned empty session id")
	}
	return out.ID, nil
}

// CreateAgentSession creates a child session under an existing session,
// bound to a named agent. Used by the subagent backend.
func (c *Client) CreateAgentSession(ctx context.Context, parentSessionID, agent string) (string, error) {
	req := CreateSessionRequest{ParentID: parentSessionID, Agent: agent}
	var out sessionResponse
	if err := c.postJSON(ctx, "/session", req, &out); err != nil {
		return "", fmt.Errorf("failed to create agent session: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("runtime returned empty session id")
	}
	return out.ID, nil
}

// Prompt sends a prompt into a session and blocks until the terminal
// response. Incremental output reaches the orchestrator through the bridge
// while this call is in flight.
func (c *Client) Prompt(ctx context.Context, sessionID string, req PromptRequest) (*PromptResult, error) {
	path := fmt.Sprintf("/session/%s/message", sessionID)
	var out PromptResult
	if err := c.postJSON(ctx, path, req, &out); err != nil {
		return nil, fmt.Errorf("prompt failed: %w", err)
	}
	return &out, nil
}

// Abort cancels the in-flight prompt of a session.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/session/%s/abort", sessionID)
	if err := c.postJSON(ctx, path, struct{}{}, nil); err != nil {
		return fmt.Errorf("abort failed: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("runtime request failed",
			zap.String("path", req.URL.Path),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response (status %d, body: %s): %w",
			resp.StatusCode, truncateBody(respBody), err)
	}
	return nil
}

func truncateBody(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		return string(body[:maxErrorBodyBytes]) + "..."
	}
	return string(body)
}

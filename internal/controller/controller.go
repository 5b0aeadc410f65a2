// Package controller implements the client side of the optional
// experiment controller API (spec §6): a node registers itself, long-polls
// until the controller releases the start signal, then reports back when
// it finishes its configured rounds. Grounded on the do/doJSON
// request-helper shape of internal/daemon/client.go, adapted from a
// Unix-socket transport to a plain net/http.Client since the controller
// is a remote coordination service rather than a local daemon.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nebula-fl/corenode/pkg/model"
)

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Node     model.NodeID `json:"node"`
	RunID    string       `json:"run_id"`
	Scenario string       `json:"scenario"`
}

// RegisterResponse is the body returned by POST /register.
type RegisterResponse struct {
	Accepted bool `json:"accepted"`
}

// WaitResponse is the body returned by GET /wait once the controller
// releases the scenario start.
type WaitResponse struct {
	Started bool  `json:"started"`
	Round   int32 `json:"round"`
}

// FinishedRequest is the body of POST /finished.
type FinishedRequest struct {
	Scenario string       `json:"scenario"`
	Node     model.NodeID `json:"node"`
	RunID    string       `json:"run_id"`
}

// ErrorResponse is the envelope an error HTTP status carries.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Client talks to one controller base URL on behalf of a single node.
type Client struct {
	httpClient *http.Client
	baseURL    string
	node       model.NodeID
	runID      string
}

// New creates a Client. runID identifies this node's run across the
// register/wait/finished calls; an empty runID makes New generate one
// with uuid.NewString().
func New(baseURL string, node model.NodeID, runID string) *Client {
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		node:       node,
		runID:      runID,
	}
}

// RunID returns the run identifier this client registers and reports
// under, useful for correlating with a crash dump.
func (c *Client) RunID() string {
	return c.runID
}

// do sends an HTTP request and returns the decoded body on success.
func (c *Client) do(ctx context.Context, method, path string, body any, target any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("controller: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("controller: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("controller: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("controller: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("controller: %s", errResp.Error)
		}
		return fmt.Errorf("controller: %s %s returned HTTP %d", method, path, resp.StatusCode)
	}

	if target != nil && len(data) > 0 {
		if err := json.Unmarshal(data, target); err != nil {
			return fmt.Errorf("controller: decode response: %w", err)
		}
	}
	return nil
}

// Register announces this node's presence for scenario before any round
// runs.
func (c *Client) Register(ctx context.Context, scenario string) (*RegisterResponse, error) {
	req := RegisterRequest{Node: c.node, RunID: c.runID, Scenario: scenario}
	var resp RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Wait long-polls GET /wait until the controller signals the scenario
// has started or ctx is cancelled. Each unsuccessful poll backs off
// before retrying; a 204/empty body is treated as "not started yet".
func (c *Client) Wait(ctx context.Context, pollInterval time.Duration) (*WaitResponse, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	for {
		var resp WaitResponse
		if err := c.do(ctx, http.MethodGet, "/wait", nil, &resp); err != nil {
			return nil, err
		}
		if resp.Started {
			return &resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Finished reports that this node has completed scenario.
func (c *Client) Finished(ctx context.Context, scenario string) error {
	req := FinishedRequest{Scenario: scenario, Node: c.node, RunID: c.runID}
	return c.do(ctx, http.MethodPost, "/finished", req, nil)
}

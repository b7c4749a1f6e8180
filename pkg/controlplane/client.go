// Package controlplane implements the HTTP client the runner uses to talk
// to the control plane: registration, trigger polling, liveness pings,
// offline notification, and session log streaming. Every request carries
// the agent identifier and bearer token headers.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"roost/pkg/protocol"
)

// DefaultRequestTimeout bounds a single control-plane round trip.
const DefaultRequestTimeout = 65 * time.Second

// Client talks to the control plane over HTTP.
type Client struct {
	baseURL string
	agentID string
	token   string
	client  *http.Client
}

// New constructs a client for the given base URL and credentials.
func New(baseURL, agentID, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		agentID: agentID,
		token:   token,
		client:  &http.Client{Timeout: DefaultRequestTimeout},
	}
}

// NewWithHTTPClient constructs a client with a caller-supplied http.Client
// (for tests that need short timeouts or a test server transport).
func NewWithHTTPClient(baseURL, agentID, token string, hc *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		agentID: agentID,
		token:   token,
		client:  hc,
	}
}

// Register announces the agent to the control plane. A failure here is
// fatal to the caller: an unregistered agent has no useful role.
func (c *Client) Register(ctx context.Context, p protocol.RegisterPayload) error {
	if err := c.post(ctx, "/agents", p); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	return nil
}

// pollResponse wraps the nullable trigger returned by GET /poll.
type pollResponse struct {
	Trigger *protocol.Trigger `json:"trigger"`
}

// Poll asks the control plane for one trigger. A nil trigger with a nil
// error means the server had nothing; the caller decides how to wait.
// since is an opaque cursor the server uses to suppress already-delivered
// tasks_finished triggers.
func (c *Client) Poll(ctx context.Context, since time.Time) (*protocol.Trigger, error) {
	u := c.baseURL + "/poll"
	if !since.IsZero() {
		u += "?since=" + url.QueryEscape(strconv.FormatInt(since.UnixMilli(), 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read poll response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("poll", resp.StatusCode, body)
	}

	var pr pollResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return pr.Trigger, nil
}

// Ping sends a liveness/activity heartbeat. Best-effort at call sites.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.post(ctx, "/ping", struct{}{}); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close marks the agent offline. Called during shutdown; transport errors
// are the caller's to swallow.
func (c *Client) Close(ctx context.Context) error {
	if err := c.post(ctx, "/close", struct{}{}); err != nil {
		return fmt.Errorf("close agent: %w", err)
	}
	return nil
}

// PushSessionLogs forwards a batch of subprocess output lines.
func (c *Client) PushSessionLogs(ctx context.Context, p protocol.SessionLogPayload) error {
	if err := c.post(ctx, "/session-logs", p); err != nil {
		return fmt.Errorf("push session logs: %w", err)
	}
	return nil
}

// post marshals payload and POSTs it to path, treating any non-2xx status
// as an error.
func (c *Client) post(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return httpError(path, resp.StatusCode, body)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("X-Agent-ID", c.agentID)
	req.Header.Set("Authorization", "Bearer "+c.token)
}

func httpError(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Errorf("%s: unexpected status %d", op, status)
	}
	return fmt.Errorf("%s: unexpected status %d: %s", op, status, msg)
}

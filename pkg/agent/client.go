package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"crew/pkg/protocol"
)

// DefaultClientTimeout bounds agent API calls that do not hit the completion
// backend. Step calls carry their own longer deadline via context.
const DefaultClientTimeout = 10 * time.Second

// Client talks to one agent process over its loopback HTTP API. The zero
// value is not usable; construct with NewClient or NewClientURL.
type Client struct {
	role    string
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the agent serving on the given loopback
// port.
func NewClient(role string, port int) *Client {
	return NewClientURL(role, fmt.Sprintf("http://127.0.0.1:%d", port))
}

// NewClientURL returns a client with an explicit base URL. Tests point this
// at an httptest server.
func NewClientURL(role, baseURL string) *Client {
	return &Client{
		role:    role,
		baseURL: baseURL,
		http:    &http.Client{Timeout: DefaultClientTimeout},
	}
}

// Role returns the role this client addresses.
func (c *Client) Role() string { return c.role }

// Status fetches the agent's current status. This is also the health probe,
// so callers pass a short context deadline.
func (c *Client) Status(ctx context.Context) (protocol.StatusResponse, error) {
	var out protocol.StatusResponse
	err := c.get(ctx, protocol.PathStatus, &out)
	return out, err
}

// Assign hands the agent a task. A busy agent answers HTTP 409, surfaced as
// AlreadyBusyError so callers queue instead of dropping.
func (c *Client) Assign(ctx context.Context, task protocol.Task) (protocol.StatusResponse, error) {
	var out protocol.StatusResponse
	err := c.post(ctx, protocol.PathAssign, protocol.AssignRequest{Task: task}, &out)
	return out, err
}

// Step feeds one input into the agent's conversation and waits for the
// reply. The context should carry the caller's step deadline; the agent's
// own backend timeout still applies underneath.
func (c *Client) Step(ctx context.Context, input, source string) (protocol.StepResponse, error) {
	var out protocol.StepResponse
	err := c.post(ctx, protocol.PathStep, protocol.StepRequest{Input: input, Source: source}, &out)
	return out, err
}

// History fetches the agent's most recent conversation turns.
func (c *Client) History(ctx context.Context, limit int) (protocol.HistoryResponse, error) {
	path := protocol.PathHistory
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out protocol.HistoryResponse
	err := c.get(ctx, path, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &protocol.AgentUnreachableError{Role: c.role, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError rebuilds a typed error from the agent's ErrorResponse. A 409
// naming a held task means the agent is busy, which callers handle by
// queueing.
func (c *Client) decodeError(resp *http.Response) error {
	var body protocol.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		body = protocol.ErrorResponse{
			Error: fmt.Sprintf("agent %s answered HTTP %d", c.role, resp.StatusCode),
			Kind:  protocol.KindProcess,
			Role:  c.role,
		}
	}
	if resp.StatusCode == http.StatusConflict && body.TaskID != "" {
		return &protocol.AlreadyBusyError{Role: orDefault(body.Role, c.role), TaskID: body.TaskID}
	}
	return &protocol.RemoteError{Status: resp.StatusCode, Resp: body}
}

func orDefault(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"crew/pkg/protocol"
)

// ErrDaemonDown marks control API calls that could not reach the daemon.
// The CLI falls back to read-only registry access when it sees this.
var ErrDaemonDown = errors.New("daemon not reachable")

// ControlClient talks to the orchestrator daemon's control API.
type ControlClient struct {
	baseURL string
	http    *http.Client
}

// NewControlClient returns a client for the daemon on the given control
// port.
func NewControlClient(port int) *ControlClient {
	if port == 0 {
		port = DefaultControlPort
	}
	return NewControlClientURL(fmt.Sprintf("http://127.0.0.1:%d", port))
}

// NewControlClientURL returns a client with an explicit base URL. Tests
// point this at an httptest server.
func NewControlClientURL(baseURL string) *ControlClient {
	return &ControlClient{baseURL: baseURL, http: &http.Client{}}
}

// Status fetches the aggregate daemon status.
func (c *ControlClient) Status(ctx context.Context) (protocol.ControlStatus, error) {
	var out protocol.ControlStatus
	err := c.call(ctx, http.MethodGet, protocol.PathAPIStatus, nil, &out)
	return out, err
}

// Agents lists all agent records with live detail.
func (c *ControlClient) Agents(ctx context.Context) ([]protocol.AgentSummary, error) {
	var out []protocol.AgentSummary
	err := c.call(ctx, http.MethodGet, protocol.PathAPIAgents, nil, &out)
	return out, err
}

// CreateAgent asks the daemon to create an agent record.
func (c *ControlClient) CreateAgent(ctx context.Context, req protocol.CreateAgentRequest) (protocol.AgentSummary, error) {
	var out protocol.AgentSummary
	err := c.call(ctx, http.MethodPost, protocol.PathAPIAgents, req, &out)
	return out, err
}

// StartAgent starts the agent process for a role.
func (c *ControlClient) StartAgent(ctx context.Context, role string) (protocol.AgentSummary, error) {
	return c.lifecycle(ctx, role, "start")
}

// StopAgent stops the agent process for a role.
func (c *ControlClient) StopAgent(ctx context.Context, role string) (protocol.AgentSummary, error) {
	return c.lifecycle(ctx, role, "stop")
}

// RestartAgent restarts the agent process for a role.
func (c *ControlClient) RestartAgent(ctx context.Context, role string) (protocol.AgentSummary, error) {
	return c.lifecycle(ctx, role, "restart")
}

func (c *ControlClient) lifecycle(ctx context.Context, role, verb string) (protocol.AgentSummary, error) {
	var out protocol.AgentSummary
	path := fmt.Sprintf("%s/%s/%s", protocol.PathAPIAgents, role, verb)
	err := c.call(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

// RemoveAgent deletes an agent record, stopping its process first.
func (c *ControlClient) RemoveAgent(ctx context.Context, role string) error {
	path := fmt.Sprintf("%s/%s", protocol.PathAPIAgents, role)
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

// CreateTask creates a task and routes it to its role's agent or queue.
func (c *ControlClient) CreateTask(ctx context.Context, req protocol.CreateTaskRequest) (protocol.CreateTaskResponse, error) {
	var out protocol.CreateTaskResponse
	err := c.call(ctx, http.MethodPost, protocol.PathAPITasks, req, &out)
	return out, err
}

// Requeue returns a blocked or failed task to its queue.
func (c *ControlClient) Requeue(ctx context.Context, taskID string) (protocol.Task, error) {
	var out protocol.Task
	path := fmt.Sprintf("%s/%s/requeue", protocol.PathAPITasks, taskID)
	err := c.call(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

// Sync triggers one synchronizer cycle.
func (c *ControlClient) Sync(ctx context.Context) (protocol.SyncResponse, error) {
	var out protocol.SyncResponse
	err := c.call(ctx, http.MethodPost, protocol.PathAPISync, nil, &out)
	return out, err
}

func (c *ControlClient) call(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er protocol.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
			er = protocol.ErrorResponse{
				Error: fmt.Sprintf("control API answered HTTP %d", resp.StatusCode),
				Kind:  protocol.KindProcess,
			}
		}
		return &protocol.RemoteError{Status: resp.StatusCode, Resp: er}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

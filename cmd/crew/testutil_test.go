package main

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"crew/pkg/protocol"

	"github.com/spf13/cobra"
)

// fakeControl implements controlAPI with scripted answers and recorded
// calls.
type fakeControl struct {
	mu    sync.Mutex
	calls []string

	status    protocol.ControlStatus
	statusErr error
	agents    []protocol.AgentSummary
	summary   protocol.AgentSummary
	lifeErr   error
	taskResp  protocol.CreateTaskResponse
	taskErr   error
	taskReqs  []protocol.CreateTaskRequest
	requeued  protocol.Task
	syncResp  protocol.SyncResponse
	syncErr   error
}

func (f *fakeControl) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeControl) Status(context.Context) (protocol.ControlStatus, error) {
	f.record("status")
	return f.status, f.statusErr
}

func (f *fakeControl) Agents(context.Context) ([]protocol.AgentSummary, error) {
	f.record("agents")
	return f.agents, nil
}

func (f *fakeControl) CreateAgent(_ context.Context, req protocol.CreateAgentRequest) (protocol.AgentSummary, error) {
	f.record("create " + req.Role)
	return f.summary, f.lifeErr
}

func (f *fakeControl) StartAgent(_ context.Context, role string) (protocol.AgentSummary, error) {
	f.record("start " + role)
	return f.summary, f.lifeErr
}

func (f *fakeControl) StopAgent(_ context.Context, role string) (protocol.AgentSummary, error) {
	f.record("stop " + role)
	return f.summary, f.lifeErr
}

func (f *fakeControl) RestartAgent(_ context.Context, role string) (protocol.AgentSummary, error) {
	f.record("restart " + role)
	return f.summary, f.lifeErr
}

func (f *fakeControl) RemoveAgent(_ context.Context, role string) error {
	f.record("remove " + role)
	return f.lifeErr
}

func (f *fakeControl) CreateTask(_ context.Context, req protocol.CreateTaskRequest) (protocol.CreateTaskResponse, error) {
	f.record("task " + req.Role)
	f.mu.Lock()
	f.taskReqs = append(f.taskReqs, req)
	f.mu.Unlock()
	return f.taskResp, f.taskErr
}

func (f *fakeControl) Requeue(_ context.Context, taskID string) (protocol.Task, error) {
	f.record("requeue " + taskID)
	return f.requeued, nil
}

func (f *fakeControl) Sync(context.Context) (protocol.SyncResponse, error) {
	f.record("sync")
	return f.syncResp, f.syncErr
}

// runCommand executes cmd with args and returns its combined output.
func runCommand(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

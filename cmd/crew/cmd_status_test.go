package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"crew/pkg/orchestrator"
	"crew/pkg/protocol"
)

func sampleStatus() protocol.ControlStatus {
	return protocol.ControlStatus{
		Running: true,
		PID:     1234,
		Agents: []protocol.AgentSummary{
			{
				Role: "backend", Name: "Alex", Port: 8301, Status: protocol.AgentRunning,
				Phase: protocol.PhaseWorking, TaskID: "0f8fad5b-d9cb-469f-a165-70867728950e",
				TaskTitle: "Add health endpoint", Branch: "crew/backend", QueueDepth: 2,
			},
			{
				Role: "qa", Name: "Quinn", Port: 8302, Status: protocol.AgentStopped,
				Branch: "crew/qa",
			},
		},
		Tasks: protocol.TaskCounts{Queued: 2, InProgress: 1, Completed: 4},
	}
}

func TestStatusJSONIsMachineReadable(t *testing.T) {
	t.Parallel()

	control := &fakeControl{status: sampleStatus()}
	out, err := runCommand(t, newStatusCmdWithClient(control), "--json")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}

	var decoded protocol.ControlStatus
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if !decoded.Running || len(decoded.Agents) != 2 || decoded.Tasks.Completed != 4 {
		t.Errorf("decoded status = %+v", decoded)
	}
}

func TestStatusFallsBackWhenDaemonDownAndNoState(t *testing.T) {
	t.Setenv("CREW_HOME", t.TempDir())

	control := &fakeControl{statusErr: fmt.Errorf("control: %w", orchestrator.ErrDaemonDown)}
	out, err := runCommand(t, newStatusCmdWithClient(control))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "crew is not running") {
		t.Errorf("output = %q, want a not-running notice", out)
	}
}

func TestRenderStatusListsAgentsAndQueue(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	renderStatus(&buf, sampleStatus(), Theme{})
	out := buf.String()

	for _, want := range []string{
		"crew daemon running (PID 1234)",
		"2 queued, 1 in progress",
		"ROLE", "backend", "Alex", "running",
		"0f8fad5b Add health endpoint",
		"crew/qa",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderStatusEmptyRegistryHint(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	renderStatus(&buf, protocol.ControlStatus{Running: true}, Theme{})
	if !strings.Contains(buf.String(), "crew create") {
		t.Errorf("empty listing should point at 'crew create':\n%s", buf.String())
	}
}

func TestTruncateCell(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"short", 12, "short"},
		{"exactly-12ch", 12, "exactly-12ch"},
		{"a-name-that-overflows", 12, "a-name-th..."},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := truncateCell(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("truncateCell(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestTaskCell(t *testing.T) {
	t.Parallel()

	if got := taskCell(protocol.AgentSummary{}); got != "-" {
		t.Errorf("idle task cell = %q, want -", got)
	}
	got := taskCell(protocol.AgentSummary{TaskID: "0f8fad5b-d9cb", TaskTitle: "Fix login"})
	if got != "0f8fad5b Fix login" {
		t.Errorf("task cell = %q", got)
	}
}

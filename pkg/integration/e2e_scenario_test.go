package integration_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"crew/pkg/agent"
	"crew/pkg/llm"
	"crew/pkg/protocol"
	"crew/pkg/team"
)

// Scenario: create a backend agent, assign a task, have the backend answer
// with a done marker, and watch the task land in completed with the
// conversation and token bookkeeping recorded.
func TestCreateAssignCompleteEndToEnd(t *testing.T) {
	t.Parallel()
	h := newCrewHarness(t, 19310)
	h.backend.set(replyWith("Added GET /health with a liveness probe. TASK COMPLETE"))
	ctx := context.Background()

	rec, err := h.orch.Create(ctx, team.RoleBackend, "Alex", "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A second create for the same role must fail without touching ports.
	var dup *protocol.DuplicateRoleError
	if _, err := h.orch.Create(ctx, team.RoleBackend, "Blake", "", nil); !errors.As(err, &dup) {
		t.Fatalf("second Create error = %v, want DuplicateRoleError", err)
	}
	recs, err := h.orch.Registry().List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].Port != rec.Port {
		t.Fatalf("registry after duplicate create = %+v, want the single original record", recs)
	}

	if err := h.orch.Start(ctx, "backend"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := h.orch.CreateTask(ctx, protocol.CreateTaskRequest{
		Role:   "backend",
		Title:  "Add health endpoint",
		Origin: protocol.OriginManual,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if resp.Queued {
		t.Fatalf("task queued, want direct dispatch to the idle agent")
	}

	waitFor(t, func() bool {
		task, err := h.orch.Tasks().Task(ctx, resp.TaskID)
		return err == nil && task.State == protocol.TaskCompleted
	}, 5*time.Second)

	task, err := h.orch.Tasks().Task(ctx, resp.TaskID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if task.PromptTokens == 0 || task.CompletionTokens == 0 {
		t.Errorf("token usage = %d/%d, want both recorded", task.PromptTokens, task.CompletionTokens)
	}
	if task.CompletedAt == "" {
		t.Error("CompletedAt not set on completed task")
	}

	turns, err := h.orch.Tasks().RecentTurns(ctx, "backend", 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) < 2 {
		t.Fatalf("got %d turns, want at least the task input and the agent reply", len(turns))
	}

	// The agent is idle again, over its real status endpoint.
	status, err := agent.NewClient("backend", rec.Port).Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Phase != protocol.PhaseIdle {
		t.Errorf("phase after completion = %s, want idle", status.Phase)
	}
}

// Scenario: stopping an agent mid-task fails the task with
// agent_terminated; a restart comes back idle, not resumed.
func TestStopMidTaskFailsThenRestartsIdle(t *testing.T) {
	t.Parallel()
	h := newCrewHarness(t, 19320)
	h.backend.set(blockUntilCancelled)
	ctx := context.Background()

	rec, err := h.orch.Create(ctx, team.RoleBackend, "Alex", "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.orch.Start(ctx, "backend"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := h.orch.CreateTask(ctx, protocol.CreateTaskRequest{
		Role:   "backend",
		Title:  "Long running refactor",
		Origin: protocol.OriginManual,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// The backend call is in flight: the agent is wedged mid-step.
	waitFor(t, func() bool { return h.backend.calls() >= 1 }, 5*time.Second)

	if err := h.orch.Stop(ctx, "backend"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	task, err := h.orch.Tasks().Task(ctx, resp.TaskID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if task.State != protocol.TaskFailed {
		t.Fatalf("task state after stop = %s, want failed", task.State)
	}
	if task.FailReason != protocol.ReasonAgentTerminated {
		t.Errorf("fail reason = %q, want %q", task.FailReason, protocol.ReasonAgentTerminated)
	}

	// Stop is idempotent.
	if err := h.orch.Stop(ctx, "backend"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	h.backend.set(func(context.Context, int, llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: "TASK COMPLETE"}, nil
	})
	if err := h.orch.Start(ctx, "backend"); err != nil {
		t.Fatalf("restart: %v", err)
	}

	status, err := agent.NewClient("backend", rec.Port).Status(ctx)
	if err != nil {
		t.Fatalf("Status after restart: %v", err)
	}
	if status.Phase != protocol.PhaseIdle {
		t.Errorf("phase after restart = %s, want a fresh idle agent", status.Phase)
	}
	if status.Task != nil {
		t.Errorf("restarted agent carries task %s, want none", status.Task.ID)
	}
}

// Scenario: a task blocked on a backend timeout is requeued by the operator
// and lands back on the same still-running agent, which drops its stale
// hold and runs it to completion.
func TestRequeueBlockedTaskRedispatches(t *testing.T) {
	t.Parallel()
	h := newCrewHarness(t, 19340)
	h.backend.set(blockUntilCancelled)
	ctx := context.Background()

	rec, err := h.orch.Create(ctx, team.RoleBackend, "Alex", "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.orch.Start(ctx, "backend"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := h.orch.CreateTask(ctx, protocol.CreateTaskRequest{
		Role:   "backend",
		Title:  "Flaky backend job",
		Origin: protocol.OriginManual,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// Wait until the step timeout has blocked both the row and the agent.
	client := agent.NewClient("backend", rec.Port)
	waitFor(t, func() bool {
		task, terr := h.orch.Tasks().Task(ctx, resp.TaskID)
		if terr != nil || task.State != protocol.TaskBlocked {
			return false
		}
		status, serr := client.Status(ctx)
		return serr == nil && status.Phase == protocol.PhaseBlocked
	}, 10*time.Second)

	h.backend.set(replyWith("Backend is reachable again, job done. TASK COMPLETE"))

	if err := h.orch.Requeue(ctx, resp.TaskID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	// The redispatch must not wedge on the agent's stale hold.
	waitFor(t, func() bool {
		task, terr := h.orch.Tasks().Task(ctx, resp.TaskID)
		return terr == nil && task.State == protocol.TaskCompleted
	}, 10*time.Second)

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Phase != protocol.PhaseIdle {
		t.Errorf("phase after requeued completion = %s, want idle", status.Phase)
	}
}

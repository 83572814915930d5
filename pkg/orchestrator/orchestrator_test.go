package orchestrator //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"crew/pkg/agent"
	"crew/pkg/protocol"
	"crew/pkg/team"
)

func quickConfig() Config {
	return Config{
		PortBase:       18301,
		PortCount:      4,
		StartupTimeout: 2 * time.Second,
		HealthTimeout:  200 * time.Millisecond,
	}
}

func TestCreateAllocatesLowestFreePort(t *testing.T) {
	o, _, spaces, _ := newTestOrchestrator(t, quickConfig())
	ctx := context.Background()

	backend, err := o.Create(ctx, team.RoleBackend, "", "", nil)
	if err != nil {
		t.Fatalf("Create(backend) = %v", err)
	}
	if backend.Port != 18301 {
		t.Errorf("backend port = %d, want 18301", backend.Port)
	}
	if backend.Workspace != "/work/backend" || backend.Branch != "crew/backend" {
		t.Errorf("workspace/branch = %q/%q", backend.Workspace, backend.Branch)
	}

	qa, err := o.Create(ctx, team.RoleQA, "", "", nil)
	if err != nil {
		t.Fatalf("Create(qa) = %v", err)
	}
	if qa.Port != 18302 {
		t.Errorf("qa port = %d, want 18302", qa.Port)
	}
	if len(spaces.prepared) != 2 {
		t.Errorf("prepared workspaces = %v", spaces.prepared)
	}
}

func TestCreateDuplicateRoleLeavesNoExtraPort(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, quickConfig())
	ctx := context.Background()

	if _, err := o.Create(ctx, team.RoleBackend, "", "", nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := o.Create(ctx, team.RoleBackend, "", "", nil)
	var dup *protocol.DuplicateRoleError
	if !errors.As(err, &dup) {
		t.Fatalf("second create error = %v, want DuplicateRoleError", err)
	}

	used, err := o.reg.UsedPorts(ctx)
	if err != nil {
		t.Fatalf("UsedPorts: %v", err)
	}
	if len(used) != 1 {
		t.Errorf("ports in registry = %d, want 1", len(used))
	}
}

func TestCreateWorkspaceFailureReleasesEverything(t *testing.T) {
	o, _, spaces, _ := newTestOrchestrator(t, quickConfig())
	spaces.prepareErr = fmt.Errorf("clone failed")
	ctx := context.Background()

	_, err := o.Create(ctx, team.RoleBackend, "", "", nil)
	var wsErr *protocol.WorkspaceInitError
	if !errors.As(err, &wsErr) {
		t.Fatalf("error = %v, want WorkspaceInitError", err)
	}

	if _, err := o.reg.Get(ctx, "backend"); err == nil {
		t.Error("registry record survived a failed create")
	}
	used, _ := o.reg.UsedPorts(ctx)
	if len(used) != 0 {
		t.Errorf("ports still reserved after failed create: %v", used)
	}

	spaces.prepareErr = nil
	rec, err := o.Create(ctx, team.RoleBackend, "", "", nil)
	if err != nil {
		t.Fatalf("retry create: %v", err)
	}
	if rec.Port != 18301 {
		t.Errorf("retry port = %d, want the released 18301", rec.Port)
	}
}

func TestCreateWorkspaceRecordingFailureReleasesRecord(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, quickConfig())
	ctx := context.Background()

	// Fail the workspace update after the record is reserved.
	if _, err := o.reg.db.ExecContext(ctx, `
		CREATE TRIGGER reject_workspace BEFORE UPDATE OF workspace ON agents
		WHEN NEW.workspace != '' BEGIN SELECT RAISE(ABORT, 'disk full'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	if _, err := o.Create(ctx, team.RoleBackend, "", "", nil); err == nil {
		t.Fatal("create should fail when the workspace cannot be recorded")
	}

	// The half-made record must not survive holding the role and port.
	if _, err := o.reg.Get(ctx, "backend"); err == nil {
		t.Error("registry record survived a failed create")
	}
	used, _ := o.reg.UsedPorts(ctx)
	if len(used) != 0 {
		t.Errorf("ports still reserved after failed create: %v", used)
	}

	if _, err := o.reg.db.ExecContext(ctx, `DROP TRIGGER reject_workspace`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	rec, err := o.Create(ctx, team.RoleBackend, "", "", nil)
	if err != nil {
		t.Fatalf("retry create: %v", err)
	}
	if rec.Port != 18301 {
		t.Errorf("retry port = %d, want the released 18301", rec.Port)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	o, procs, _, _ := newTestOrchestrator(t, quickConfig())
	ctx := context.Background()

	rec, err := o.Create(ctx, team.RoleBackend, "", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != protocol.AgentStopped {
		t.Errorf("status after create = %s, want stopped", rec.Status)
	}

	if err := o.Start(ctx, "backend"); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, _ = o.reg.Get(ctx, "backend")
	if rec.Status != protocol.AgentRunning || rec.PID == 0 {
		t.Errorf("after start: status=%s pid=%d", rec.Status, rec.PID)
	}

	// A second start must not spawn a second process.
	if err := o.Start(ctx, "backend"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if procs.spawnCount() != 1 {
		t.Errorf("spawns = %d, want 1", procs.spawnCount())
	}

	if err := o.Stop(ctx, "backend"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	rec, _ = o.reg.Get(ctx, "backend")
	if rec.Status != protocol.AgentStopped || rec.PID != 0 {
		t.Errorf("after stop: status=%s pid=%d", rec.Status, rec.PID)
	}

	// Stop is idempotent.
	if err := o.Stop(ctx, "backend"); err != nil {
		t.Fatalf("stop again: %v", err)
	}

	if err := o.Stop(ctx, "frontend"); err == nil {
		t.Error("stop of unknown role succeeded")
	}
}

func TestStopFailsInFlightTask(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, quickConfig())
	ctx := context.Background()

	if _, err := o.Create(ctx, team.RoleBackend, "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.Start(ctx, "backend"); err != nil {
		t.Fatalf("start: %v", err)
	}

	task := protocol.Task{ID: "t1", Title: "build the API", Role: "backend"}
	if err := o.tasks.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := o.tasks.Transition(ctx, "t1", protocol.TaskInProgress, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if err := o.Stop(ctx, "backend"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got, err := o.tasks.Task(ctx, "t1")
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if got.State != protocol.TaskFailed {
		t.Errorf("task state after stop = %s, want failed", got.State)
	}
	if got.FailReason != protocol.ReasonAgentTerminated {
		t.Errorf("fail reason = %q, want %q", got.FailReason, protocol.ReasonAgentTerminated)
	}
}

func TestStartFailsWhenAgentNeverAnswers(t *testing.T) {
	cfg := quickConfig()
	cfg.StartupTimeout = 300 * time.Millisecond
	o, procs, _, agents := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	if _, err := o.Create(ctx, team.RoleBackend, "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	o.clientFor("backend", 0)
	agents["backend"].setStatusErr(&protocol.AgentUnreachableError{Role: "backend", Reason: "refused"})

	if err := o.Start(ctx, "backend"); err == nil {
		t.Fatal("start succeeded with unreachable agent")
	}
	rec, _ := o.reg.Get(ctx, "backend")
	if rec.Status != protocol.AgentStopped || rec.PID != 0 {
		t.Errorf("after failed start: status=%s pid=%d", rec.Status, rec.PID)
	}
	if len(procs.kills) != 1 {
		t.Errorf("kills = %v, want the stuck process reaped", procs.kills)
	}
}

func TestRemoveFreesRoleAndWorkspace(t *testing.T) {
	o, _, spaces, _ := newTestOrchestrator(t, quickConfig())
	ctx := context.Background()

	if _, err := o.Create(ctx, team.RoleBackend, "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.Start(ctx, "backend"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Remove(ctx, "backend"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	var noSuch *protocol.NoSuchAgentError
	if _, err := o.reg.Get(ctx, "backend"); !errors.As(err, &noSuch) {
		t.Errorf("record still present after remove: %v", err)
	}
	if len(spaces.removed) != 1 {
		t.Errorf("removed workspaces = %v", spaces.removed)
	}

	// Role and port can be reused.
	rec, err := o.Create(ctx, team.RoleBackend, "", "", nil)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if rec.Port != 18301 {
		t.Errorf("recreate port = %d, want 18301", rec.Port)
	}
}

func TestReattachKeepsLiveAgentAndFlipsStale(t *testing.T) {
	o, procs, _, _ := newTestOrchestrator(t, quickConfig())
	ctx := context.Background()

	for _, role := range []team.Role{team.RoleBackend, team.RoleQA} {
		if _, err := o.Create(ctx, role, "", "", nil); err != nil {
			t.Fatalf("create %s: %v", role, err)
		}
		if err := o.Start(ctx, role.String()); err != nil {
			t.Fatalf("start %s: %v", role, err)
		}
	}

	qa, _ := o.reg.Get(ctx, "qa")
	procs.markDead(qa.PID)

	// A fresh daemon sees the same registry.
	if err := o.Reattach(ctx); err != nil {
		t.Fatalf("reattach: %v", err)
	}

	backend, _ := o.reg.Get(ctx, "backend")
	if backend.Status != protocol.AgentRunning {
		t.Errorf("live agent status = %s, want running", backend.Status)
	}
	qa, _ = o.reg.Get(ctx, "qa")
	if qa.Status != protocol.AgentStopped || qa.PID != 0 {
		t.Errorf("stale agent: status=%s pid=%d, want stopped/0", qa.Status, qa.PID)
	}
	if procs.spawnCount() != 2 {
		t.Errorf("reattach spawned processes: %d spawns", procs.spawnCount())
	}
}

func TestCreateTaskDispatchesToIdleAgent(t *testing.T) {
	o, _, _, agents := newTestOrchestrator(t, quickConfig())
	ctx := context.Background()

	if _, err := o.Create(ctx, team.RoleBackend, "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.Start(ctx, "backend"); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := o.CreateTask(ctx, protocol.CreateTaskRequest{Title: "ship it", Role: "backend"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if resp.Queued || resp.State != protocol.TaskInProgress {
		t.Errorf("resp = %+v, want immediate dispatch", resp)
	}
	if agents["backend"].assignedCount() != 1 {
		t.Errorf("assigned = %d, want 1", agents["backend"].assignedCount())
	}
}

func TestCreateTaskQueuesWhenAgentBusy(t *testing.T) {
	o, _, _, agents := newTestOrchestrator(t, quickConfig())
	ctx := context.Background()

	if _, err := o.Create(ctx, team.RoleBackend, "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.Start(ctx, "backend"); err != nil {
		t.Fatalf("start: %v", err)
	}
	agents["backend"].setStatus(protocol.StatusResponse{Role: "backend", Phase: protocol.PhaseWorking})

	resp, err := o.CreateTask(ctx, protocol.CreateTaskRequest{Title: "next job", Role: "backend"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if !resp.Queued || resp.State != protocol.TaskQueued {
		t.Errorf("resp = %+v, want queued", resp)
	}
	if agents["backend"].assignedCount() != 0 {
		t.Errorf("assigned = %d, want 0", agents["backend"].assignedCount())
	}

	// Agent returns to idle; the pump drains the queue.
	agents["backend"].setStatus(protocol.StatusResponse{Role: "backend", Phase: protocol.PhaseIdle})
	o.pumpAll(ctx)
	if agents["backend"].assignedCount() != 1 {
		t.Errorf("assigned after pump = %d, want 1", agents["backend"].assignedCount())
	}
	task, err := o.tasks.Task(ctx, resp.TaskID)
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if task.State != protocol.TaskQueued {
		t.Errorf("task state = %s, want still queued until the agent transitions it", task.State)
	}
}

func TestCreateTaskUnknownRole(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, quickConfig())
	_, err := o.CreateTask(context.Background(), protocol.CreateTaskRequest{Title: "x", Role: "frontend"})
	var noSuch *protocol.NoSuchAgentError
	if !errors.As(err, &noSuch) {
		t.Fatalf("error = %v, want NoSuchAgentError", err)
	}
}

func TestRequeueReturnsTaskToQueue(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, quickConfig())
	ctx := context.Background()

	if _, err := o.Create(ctx, team.RoleBackend, "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	task := protocol.Task{ID: "t1", Title: "retry me", Role: "backend"}
	if err := o.tasks.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	mustTransition(t, o.tasks, "t1", protocol.TaskInProgress, "")
	mustTransition(t, o.tasks, "t1", protocol.TaskFailed, "agent gave up")

	if err := o.Requeue(ctx, "t1"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	got, _ := o.tasks.Task(ctx, "t1")
	if got.State != protocol.TaskQueued {
		t.Errorf("state = %s, want queued", got.State)
	}

	if err := o.Requeue(ctx, "missing"); !errors.Is(err, agent.ErrTaskNotFound) {
		t.Errorf("requeue missing = %v, want ErrTaskNotFound", err)
	}
}

func TestRequeueRedispatchesPastBlockedHold(t *testing.T) {
	o, _, _, agents := newTestOrchestrator(t, quickConfig())
	ctx := context.Background()

	if _, err := o.Create(ctx, team.RoleBackend, "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.Start(ctx, "backend"); err != nil {
		t.Fatalf("start: %v", err)
	}

	task := protocol.Task{ID: "t1", Title: "stuck job", Role: "backend"}
	if err := o.tasks.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	mustTransition(t, o.tasks, "t1", protocol.TaskInProgress, "")
	mustTransition(t, o.tasks, "t1", protocol.TaskBlocked, protocol.ReasonBackendTimeout)

	// The agent still reports the blocked hold; the requeued task must be
	// offered anyway so the agent can release it.
	agents["backend"].setStatus(protocol.StatusResponse{
		Role:  "backend",
		Phase: protocol.PhaseBlocked,
		Task:  &protocol.Task{ID: "t1", State: protocol.TaskBlocked},
	})

	if err := o.Requeue(ctx, "t1"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if got := agents["backend"].assignedCount(); got != 1 {
		t.Errorf("assigned after requeue = %d, want 1", got)
	}
}

func TestPumpLeavesGenuinelyBlockedAgentAlone(t *testing.T) {
	o, _, _, agents := newTestOrchestrator(t, quickConfig())
	ctx := context.Background()

	if _, err := o.Create(ctx, team.RoleBackend, "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.Start(ctx, "backend"); err != nil {
		t.Fatalf("start: %v", err)
	}
	agents["backend"].setStatus(protocol.StatusResponse{
		Role:  "backend",
		Phase: protocol.PhaseBlocked,
		Task:  &protocol.Task{ID: "t0", State: protocol.TaskBlocked},
	})
	agents["backend"].setAssignErr(&protocol.AlreadyBusyError{Role: "backend", TaskID: "t0"})

	if err := o.tasks.CreateTask(ctx, protocol.Task{ID: "t1", Title: "waiting", Role: "backend"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	o.pumpAll(ctx)
	got, _ := o.tasks.Task(ctx, "t1")
	if got.State != protocol.TaskQueued {
		t.Errorf("state = %s, want still queued behind the busy agent", got.State)
	}
}

func mustTransition(t *testing.T, store *agent.Store, id string, next protocol.TaskState, reason string) {
	t.Helper()
	if err := store.Transition(context.Background(), id, next, reason); err != nil {
		t.Fatalf("transition %s -> %s: %v", id, next, err)
	}
}

func TestStatusAggregatesAgentsAndTasks(t *testing.T) {
	o, _, _, agents := newTestOrchestrator(t, quickConfig())
	ctx := context.Background()

	if _, err := o.Create(ctx, team.RoleBackend, "Iris", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.Start(ctx, "backend"); err != nil {
		t.Fatalf("start: %v", err)
	}
	agents["backend"].setStatus(protocol.StatusResponse{
		Role:         "backend",
		Phase:        protocol.PhaseWorking,
		PromptTokens: 1200,
		Task:         &protocol.Task{ID: "t9", Title: "wire the cache", State: protocol.TaskInProgress},
	})
	if err := o.tasks.CreateTask(ctx, protocol.Task{ID: "tq", Title: "queued one", Role: "backend"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	status, err := o.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running || len(status.Agents) != 1 {
		t.Fatalf("status = %+v", status)
	}
	a := status.Agents[0]
	if a.Name != "Iris" || a.Phase != protocol.PhaseWorking || a.TaskID != "t9" {
		t.Errorf("summary = %+v", a)
	}
	if a.PromptTokens != 1200 {
		t.Errorf("prompt tokens = %d, want 1200", a.PromptTokens)
	}
	if a.QueueDepth != 1 {
		t.Errorf("queue depth = %d, want 1", a.QueueDepth)
	}
	if status.Tasks.Queued != 1 {
		t.Errorf("task counts = %+v", status.Tasks)
	}
}

func TestRunStopsGroupOnShutdown(t *testing.T) {
	o, procs, _, _ := newTestOrchestrator(t, quickConfig())
	ctx := context.Background()

	if _, err := o.Create(ctx, team.RoleBackend, "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.Start(ctx, "backend"); err != nil {
		t.Fatalf("start: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- o.Run(runCtx) }()

	waitFor(t, func() bool {
		rec, err := o.reg.Get(ctx, "backend")
		return err == nil && rec.Status == protocol.AgentRunning
	}, 2*time.Second)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	rec, _ := o.reg.Get(ctx, "backend")
	if rec.Status != protocol.AgentStopped {
		t.Errorf("status after shutdown = %s, want stopped", rec.Status)
	}
	if len(procs.kills) == 0 {
		t.Error("shutdown killed nothing")
	}
}

func TestRunDetachLeavesAgentsRunning(t *testing.T) {
	cfg := quickConfig()
	cfg.DetachAgents = true
	o, procs, _, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	if _, err := o.Create(ctx, team.RoleBackend, "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.Start(ctx, "backend"); err != nil {
		t.Fatalf("start: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- o.Run(runCtx) }()
	waitFor(t, func() bool {
		rec, err := o.reg.Get(ctx, "backend")
		return err == nil && rec.Status == protocol.AgentRunning
	}, 2*time.Second)
	cancel()
	<-done

	rec, _ := o.reg.Get(ctx, "backend")
	if rec.Status != protocol.AgentRunning || rec.PID == 0 {
		t.Errorf("detached agent: status=%s pid=%d, want still running", rec.Status, rec.PID)
	}
	if len(procs.kills) != 0 {
		t.Errorf("detach killed agents: %v", procs.kills)
	}
}

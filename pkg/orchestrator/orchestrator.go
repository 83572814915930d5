// Package orchestrator implements the crew supervisor: the sole owner of
// agent lifecycle, port allocation, workspace preparation, and the per-role
// task queues. It spawns one agent subprocess per role, health-checks the
// group over their loopback APIs, and dispatches queued tasks as agents
// return to idle.
//
// The orchestrator holds no conversation state of its own. Task rows and
// turns live in the shared database; agents own their transitions while the
// orchestrator owns registry rows and queue order.
package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crew/pkg/agent"
	"crew/pkg/eventlog"
	"crew/pkg/protocol"
	"crew/pkg/team"
)

// --- Interfaces for testability ---

// ProcessManager spawns and terminates agent subprocesses.
type ProcessManager interface {
	Spawn(role string) (*os.Process, error)
	Kill(role string, pid int) error
	Alive(pid int) bool
	Wait()
}

// WorkspaceManager prepares and removes per-role agent workspaces.
type WorkspaceManager interface {
	Prepare(ctx context.Context, profile team.Profile, agentName string) (path, branch string, err error)
	Remove(ctx context.Context, path string) error
	Prune(ctx context.Context) error
}

// AgentAPI is the slice of the agent HTTP client the orchestrator needs.
type AgentAPI interface {
	Status(ctx context.Context) (protocol.StatusResponse, error)
	Assign(ctx context.Context, task protocol.Task) (protocol.StatusResponse, error)
}

// --- Config ---

// Config holds orchestrator configuration.
type Config struct {
	CrewHome       string        // state directory, used for agent log files
	RepoRoot       string        // target repository for agent worktrees
	BaseBranch     string        // branch agent branches are cut from (default main)
	PortBase       int           // first agent port (default 8301)
	PortCount      int           // size of the port range (default 16)
	HealthInterval time.Duration // health probe period (default 4s, clamped to 3..5s)
	HealthTimeout  time.Duration // per-probe deadline (default 1s)
	MaxHealthFails int           // consecutive failures before unhealthy (default 3)
	MaxRestarts    int           // auto-restarts since last manual start (default 3)
	StartupTimeout time.Duration // readiness deadline for a started agent (default 10s)
	QueueInterval  time.Duration // queue pump period (default 2s)
	DetachAgents   bool          // leave agents running on daemon shutdown
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaseBranch == "" {
		out.BaseBranch = "main"
	}
	if out.PortBase == 0 {
		out.PortBase = 8301
	}
	if out.PortCount == 0 {
		out.PortCount = 16
	}
	if out.HealthInterval == 0 {
		out.HealthInterval = 4 * time.Second
	}
	if out.HealthInterval < 3*time.Second {
		out.HealthInterval = 3 * time.Second
	}
	if out.HealthInterval > 5*time.Second {
		out.HealthInterval = 5 * time.Second
	}
	if out.HealthTimeout == 0 {
		out.HealthTimeout = time.Second
	}
	if out.MaxHealthFails == 0 {
		out.MaxHealthFails = 3
	}
	if out.MaxRestarts == 0 {
		out.MaxRestarts = 3
	}
	if out.StartupTimeout == 0 {
		out.StartupTimeout = 10 * time.Second
	}
	if out.QueueInterval == 0 {
		out.QueueInterval = 2 * time.Second
	}
	return out
}

// --- Orchestrator ---

// Orchestrator supervises the agent group. Lifecycle operations on different
// roles run concurrently; operations on the same role serialize behind a
// per-agent lock.
type Orchestrator struct {
	cfg     Config
	db      *sql.DB
	reg     *Registry
	tasks   *agent.Store
	procs   ProcessManager
	spaces  WorkspaceManager
	events  *eventlog.Logger
	catalog *team.Catalog

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// clientFor builds the API client for an agent port. Tests point it at
	// httptest servers.
	clientFor func(role string, port int) AgentAPI

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates an Orchestrator. It does not touch the registry or spawn
// anything; call Run, or the lifecycle methods directly.
func New(cfg Config, db *sql.DB, procs ProcessManager, spaces WorkspaceManager, catalog *team.Catalog) *Orchestrator {
	if catalog == nil {
		catalog = team.Builtin()
	}
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		db:      db,
		reg:     NewRegistry(db),
		tasks:   agent.NewStore(db),
		procs:   procs,
		spaces:  spaces,
		events:  eventlog.NewLogger(db, "orchestrator"),
		catalog: catalog,
		locks:   make(map[string]*sync.Mutex),
		clientFor: func(role string, port int) AgentAPI {
			return agent.NewClient(role, port)
		},
		nowFunc: time.Now,
	}
}

// Registry exposes the agent registry for read-only callers.
func (o *Orchestrator) Registry() *Registry { return o.reg }

// Tasks exposes the task store for read-only callers.
func (o *Orchestrator) Tasks() *agent.Store { return o.tasks }

// AgentBranch reports the git branch assigned to a role's agent.
func (o *Orchestrator) AgentBranch(ctx context.Context, role string) (string, error) {
	rec, err := o.reg.Get(ctx, role)
	if err != nil {
		return "", err
	}
	return rec.Branch, nil
}

// lockFor returns the per-agent lock for a role, creating it on first use.
func (o *Orchestrator) lockFor(role string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lk, ok := o.locks[role]
	if !ok {
		lk = &sync.Mutex{}
		o.locks[role] = lk
	}
	return lk
}

// Create allocates an agent record for a role: lowest free port from the
// reserved range, a fresh worktree and branch, and the charter file. The
// record is inserted before workspace preparation to reserve the role and
// port; a git or registry failure removes it again so a failed create
// leaves nothing behind.
func (o *Orchestrator) Create(ctx context.Context, role team.Role, name, model string, modelOpts map[string]any) (Record, error) {
	profile, ok := o.catalog.Get(role)
	if !ok {
		return Record{}, &protocol.NoSuchAgentError{Role: role.String()}
	}
	if name == "" {
		name = profile.DisplayName
	}
	if model == "" {
		model = profile.Model
	}

	lk := o.lockFor(role.String())
	lk.Lock()
	defer lk.Unlock()

	rec, err := o.reserve(ctx, role.String(), name, model, modelOpts)
	if err != nil {
		return Record{}, err
	}

	path, branch, err := o.spaces.Prepare(ctx, profile, name)
	if err != nil {
		_ = o.reg.Delete(ctx, role.String())
		return Record{}, &protocol.WorkspaceInitError{Role: role.String(), Path: path, Err: err}
	}

	if err := o.reg.SetWorkspace(ctx, role.String(), path, branch); err != nil {
		_ = o.reg.Delete(ctx, role.String())
		return Record{}, err
	}
	rec.Workspace = path
	rec.Branch = branch

	o.logEvent(ctx, "agent_created", role.String(), "", fmt.Sprintf("port=%d branch=%s", rec.Port, branch))
	return rec, nil
}

// reserve inserts the record with an allocated port under the allocation
// lock, so concurrent creates for different roles cannot pick the same port.
func (o *Orchestrator) reserve(ctx context.Context, role, name, model string, modelOpts map[string]any) (Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	used, err := o.reg.UsedPorts(ctx)
	if err != nil {
		return Record{}, err
	}
	port, err := allocatePort(o.cfg.PortBase, o.cfg.PortCount, used)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Role:         role,
		Name:         name,
		Port:         port,
		Model:        model,
		ModelOptions: modelOpts,
		Status:       protocol.AgentStopped,
	}
	if err := o.reg.Insert(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Start spawns the agent process for a role and waits for its API to come
// up. Starting an agent that is already running is a no-op. A manual start
// resets the auto-restart budget.
func (o *Orchestrator) Start(ctx context.Context, role string) error {
	lk := o.lockFor(role)
	lk.Lock()
	defer lk.Unlock()

	if err := o.startLocked(ctx, role); err != nil {
		return err
	}
	return o.reg.ResetRestarts(ctx, role)
}

func (o *Orchestrator) startLocked(ctx context.Context, role string) error {
	rec, err := o.reg.Get(ctx, role)
	if err != nil {
		return err
	}
	if rec.PID != 0 && o.procs.Alive(rec.PID) {
		return nil
	}

	if err := o.reg.SetStatus(ctx, role, protocol.AgentStarting); err != nil {
		return err
	}
	proc, err := o.procs.Spawn(role)
	if err != nil {
		_ = o.reg.SetStatus(ctx, role, protocol.AgentStopped)
		return err
	}
	if err := o.reg.SetPID(ctx, role, proc.Pid, protocol.AgentStarting); err != nil {
		return err
	}

	if err := o.waitReady(ctx, role, rec.Port); err != nil {
		_ = o.procs.Kill(role, proc.Pid)
		_ = o.reg.SetPID(ctx, role, 0, protocol.AgentStopped)
		return err
	}

	if err := o.reg.SetPID(ctx, role, proc.Pid, protocol.AgentRunning); err != nil {
		return err
	}
	_ = o.reg.Heartbeat(ctx, role)
	o.logEvent(ctx, "agent_started", role, "", fmt.Sprintf("pid=%d port=%d", proc.Pid, rec.Port))
	return nil
}

// waitReady polls the agent's status endpoint until it answers or the
// startup deadline passes.
func (o *Orchestrator) waitReady(ctx context.Context, role string, port int) error {
	client := o.clientFor(role, port)
	deadline := o.nowFunc().Add(o.cfg.StartupTimeout)
	for {
		probeCtx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
		_, err := client.Status(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		if o.nowFunc().After(deadline) {
			return fmt.Errorf("agent %s not ready within %s", role, o.cfg.StartupTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Stop terminates the agent process for a role. Stop is idempotent; an
// already-stopped agent returns nil. Any in-flight task is marked failed
// before the kill so the books are right even if the process needs SIGKILL.
func (o *Orchestrator) Stop(ctx context.Context, role string) error {
	lk := o.lockFor(role)
	lk.Lock()
	defer lk.Unlock()
	return o.stopLocked(ctx, role)
}

func (o *Orchestrator) stopLocked(ctx context.Context, role string) error {
	rec, err := o.reg.Get(ctx, role)
	if err != nil {
		return err
	}
	if rec.PID == 0 && rec.Status == protocol.AgentStopped {
		return nil
	}

	if task, err := o.tasks.ActiveTask(ctx, role); err == nil && task != nil {
		if terr := o.tasks.Transition(ctx, task.ID, protocol.TaskFailed, protocol.ReasonAgentTerminated); terr == nil {
			o.logEvent(ctx, "task_failed", role, task.ID, protocol.ReasonAgentTerminated)
		}
	}

	if err := o.procs.Kill(role, rec.PID); err != nil {
		return err
	}
	if err := o.reg.SetPID(ctx, role, 0, protocol.AgentStopped); err != nil {
		return err
	}
	o.logEvent(ctx, "agent_stopped", role, "", "")
	return nil
}

// Restart stops and starts the agent, resetting the auto-restart budget the
// way a manual start does.
func (o *Orchestrator) Restart(ctx context.Context, role string) error {
	lk := o.lockFor(role)
	lk.Lock()
	defer lk.Unlock()

	if err := o.stopLocked(ctx, role); err != nil {
		return err
	}
	if err := o.startLocked(ctx, role); err != nil {
		return err
	}
	return o.reg.ResetRestarts(ctx, role)
}

// Remove stops the agent if needed, removes its worktree, and deletes the
// registry record, freeing the role and port.
func (o *Orchestrator) Remove(ctx context.Context, role string) error {
	lk := o.lockFor(role)
	lk.Lock()
	defer lk.Unlock()

	rec, err := o.reg.Get(ctx, role)
	if err != nil {
		return err
	}
	if err := o.stopLocked(ctx, role); err != nil {
		return err
	}
	if rec.Workspace != "" {
		if err := o.spaces.Remove(ctx, rec.Workspace); err != nil {
			o.logEvent(ctx, "workspace_remove_failed", role, "", err.Error())
		}
	}
	if err := o.reg.Delete(ctx, role); err != nil {
		return err
	}
	o.logEvent(ctx, "agent_removed", role, "", "")
	return nil
}

// CreateTask persists a new task for a role and dispatches it immediately
// when the role's agent is idle. A busy or stopped agent leaves the task in
// the role's FIFO queue for the pump.
func (o *Orchestrator) CreateTask(ctx context.Context, req protocol.CreateTaskRequest) (protocol.CreateTaskResponse, error) {
	if _, err := o.reg.Get(ctx, req.Role); err != nil {
		return protocol.CreateTaskResponse{}, err
	}
	task := protocol.Task{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		Origin:      req.Origin,
		Role:        req.Role,
	}
	if err := o.tasks.CreateTask(ctx, task); err != nil {
		return protocol.CreateTaskResponse{}, err
	}
	o.logEvent(ctx, "task_created", req.Role, task.ID, task.Title)

	dispatched := o.tryDispatch(ctx, req.Role)
	state := protocol.TaskQueued
	if dispatched == task.ID {
		state = protocol.TaskInProgress
	}
	return protocol.CreateTaskResponse{
		TaskID: task.ID,
		State:  state,
		Queued: state == protocol.TaskQueued,
	}, nil
}

// Requeue returns a blocked or failed task to its role's queue. The pump
// picks it up like any other queued task.
func (o *Orchestrator) Requeue(ctx context.Context, taskID string) error {
	if err := o.tasks.Requeue(ctx, taskID); err != nil {
		return err
	}
	task, err := o.tasks.Task(ctx, taskID)
	if err == nil {
		o.logEvent(ctx, "task_requeued", task.Role, taskID, "")
		o.tryDispatch(ctx, task.Role)
	}
	return nil
}

// Status assembles the aggregate view: every registry record, enriched with
// live phase and token counts for agents that answer their status endpoint,
// plus task counts across all roles.
func (o *Orchestrator) Status(ctx context.Context) (protocol.ControlStatus, error) {
	recs, err := o.reg.List(ctx)
	if err != nil {
		return protocol.ControlStatus{}, err
	}

	out := protocol.ControlStatus{Running: true, PID: os.Getpid()}
	for _, rec := range recs {
		summary := summarize(rec)
		if rec.Status == protocol.AgentRunning && rec.PID != 0 {
			probeCtx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
			status, err := o.clientFor(rec.Role, rec.Port).Status(probeCtx)
			cancel()
			if err == nil {
				summary.Phase = status.Phase
				summary.PromptTokens = status.PromptTokens
				summary.CompletionTokens = status.CompletionTokens
				if status.Task != nil {
					summary.TaskID = status.Task.ID
					summary.TaskTitle = status.Task.Title
					summary.TaskState = status.Task.State
				}
			}
		}
		if depth, err := o.tasks.QueueDepth(ctx, rec.Role); err == nil {
			summary.QueueDepth = depth
		}
		out.Agents = append(out.Agents, summary)
	}

	counts, err := o.tasks.Counts(ctx)
	if err != nil {
		return protocol.ControlStatus{}, err
	}
	out.Tasks = counts
	return out, nil
}

func summarize(rec Record) protocol.AgentSummary {
	return protocol.AgentSummary{
		Role:          rec.Role,
		Name:          rec.Name,
		Port:          rec.Port,
		PID:           rec.PID,
		Status:        rec.Status,
		Branch:        rec.Branch,
		Workspace:     rec.Workspace,
		Restarts:      rec.Restarts,
		LastHeartbeat: rec.LastHeartbeat,
	}
}

// Reattach reconciles the registry with reality after a daemon restart.
// Records whose process is alive and answering keep their status without a
// second spawn; stale records flip to stopped. In-flight tasks of stale
// agents stay in_progress and are adopted by the agent when it next starts.
func (o *Orchestrator) Reattach(ctx context.Context) error {
	recs, err := o.reg.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.PID == 0 {
			continue
		}
		lk := o.lockFor(rec.Role)
		lk.Lock()
		if o.procs.Alive(rec.PID) && o.probeOnce(ctx, rec) {
			_ = o.reg.SetStatus(ctx, rec.Role, protocol.AgentRunning)
			_ = o.reg.Heartbeat(ctx, rec.Role)
			o.logEvent(ctx, "agent_reattached", rec.Role, "", fmt.Sprintf("pid=%d", rec.PID))
		} else {
			_ = o.reg.SetPID(ctx, rec.Role, 0, protocol.AgentStopped)
			o.logEvent(ctx, "agent_stale", rec.Role, "", fmt.Sprintf("pid=%d", rec.PID))
		}
		lk.Unlock()
	}
	return nil
}

func (o *Orchestrator) probeOnce(ctx context.Context, rec Record) bool {
	probeCtx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
	defer cancel()
	_, err := o.clientFor(rec.Role, rec.Port).Status(probeCtx)
	return err == nil
}

// Run initializes the schema, re-attaches to surviving agents, and drives
// the health loop and queue pump until ctx is cancelled. Shutdown stops the
// whole agent group unless DetachAgents leaves it running for the next
// daemon to re-attach.
func (o *Orchestrator) Run(ctx context.Context) error {
	if _, err := o.db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	if o.spaces != nil {
		_ = o.spaces.Prune(ctx)
	}
	if err := o.Reattach(ctx); err != nil {
		return err
	}

	go o.healthLoop(ctx)
	go o.queueLoop(ctx)

	<-ctx.Done()

	if !o.cfg.DetachAgents {
		o.stopAll()
	}
	o.procs.Wait()
	return nil
}

// stopAll terminates every registered agent concurrently. Runs with a fresh
// context because the run context is already cancelled.
func (o *Orchestrator) stopAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recs, err := o.reg.List(ctx)
	if err != nil {
		return
	}
	var g errgroup.Group
	for _, rec := range recs {
		g.Go(func() error {
			return o.Stop(ctx, rec.Role)
		})
	}
	_ = g.Wait()
}

// logEvent records an audit event, best-effort.
func (o *Orchestrator) logEvent(ctx context.Context, kind, role, taskID, detail string) {
	if o.events == nil {
		return
	}
	_ = o.events.Log(ctx, kind, role, taskID, detail)
}

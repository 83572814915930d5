package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crew/pkg/eventlog"
	"crew/pkg/llm"
	"crew/pkg/protocol"
	"crew/pkg/team"
)

// DefaultStepTimeout bounds a single completion backend attempt.
const DefaultStepTimeout = 2 * time.Minute

// DefaultMaxAttempts is the number of backend attempts per step, including
// the first.
const DefaultMaxAttempts = 3

// maxPendingSteps bounds the serial step queue. Steps are paced by humans
// and the queue pump, so hitting the bound means something upstream is
// misbehaving.
const maxPendingSteps = 32

// SourceAssign marks the auto-enqueued first step of a fresh assignment.
const SourceAssign = "assign"

// Config holds the assembled dependencies of a single agent.
type Config struct {
	Profile      team.Profile
	Name         string
	Workspace    string
	Branch       string
	Roster       []team.Profile // other roles online, for delegation hints
	ModelOptions map[string]any
	Store        *Store
	Backend      llm.CompletionBackend
	Events       *eventlog.Logger // optional audit trail
	Detector     DoneDetector     // nil selects the profile's marker detector
	StepTimeout  time.Duration    // per backend attempt
	MaxAttempts  int              // backend attempts per step
	Backoff      llm.Backoff      // zero value selects llm.DefaultBackoff
}

// Agent is a single role worker. At most one task is active at a time; all
// steps flow through one worker goroutine so a step arriving while another
// is in flight queues rather than interleaves.
type Agent struct {
	cfg      Config
	role     string
	detector DoneDetector
	steps    chan stepRequest

	mu               sync.Mutex
	phase            protocol.AgentPhase
	task             *protocol.Task
	turns            int
	promptTokens     int
	completionTokens int
	startedAt        time.Time

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

type stepRequest struct {
	input  string
	source string
	reply  chan stepOutcome // nil for the auto-enqueued assignment step
}

type stepOutcome struct {
	resp protocol.StepResponse
	err  error
}

// New creates an Agent from cfg. The agent does nothing until Run is called.
func New(cfg Config) (*Agent, error) {
	if err := cfg.Profile.Validate(); err != nil {
		return nil, fmt.Errorf("agent profile: %w", err)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("agent %s: store is required", cfg.Profile.Role)
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("agent %s: backend is required", cfg.Profile.Role)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Profile.DisplayName
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff == (llm.Backoff{}) {
		cfg.Backoff = llm.DefaultBackoff
	}
	detector := cfg.Detector
	if detector == nil {
		detector = NewMarkerDetector(cfg.Profile.Markers())
	}

	return &Agent{
		cfg:      cfg,
		role:     string(cfg.Profile.Role),
		detector: detector,
		steps:    make(chan stepRequest, maxPendingSteps),
		phase:    protocol.PhaseIdle,
		nowFunc:  time.Now,
	}, nil
}

// Role returns the agent's role name.
func (a *Agent) Role() string { return a.role }

// Run is the agent's main loop: restore state, then drain the step queue
// until ctx is cancelled. Cancelling ctx aborts any in-flight backend call.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.restore(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-a.steps:
			out := a.step(ctx, req.input, req.source)
			if req.reply != nil {
				req.reply <- out
			}
		}
	}
}

// restore seeds the status counters and adopts any task the previous
// process left in flight. A crash leaves the row in_progress; the task is
// put on hold rather than resumed blind, and the next input picks it up. A
// cleanly stopped agent restarts idle because stop already failed the task.
func (a *Agent) restore(ctx context.Context) error {
	turns, prompt, completion, err := a.cfg.Store.RoleStats(ctx, a.role)
	if err != nil {
		return fmt.Errorf("agent restore: %w", err)
	}

	adopted, err := a.cfg.Store.AdoptOrphan(ctx, a.role)
	if err != nil {
		return fmt.Errorf("agent restore: %w", err)
	}

	a.mu.Lock()
	a.turns = turns
	a.promptTokens = prompt
	a.completionTokens = completion
	a.startedAt = a.nowFunc()
	if adopted != nil {
		a.task = adopted
		a.phase = protocol.PhaseBlocked
	}
	a.mu.Unlock()

	if adopted != nil {
		a.logEvent(ctx, "task_adopted", adopted.ID, protocol.ReasonAgentRestarted)
		a.appendTurn(ctx, protocol.Turn{
			Role:    a.role,
			TaskID:  adopted.ID,
			Speaker: protocol.SpeakerSystem,
			Content: fmt.Sprintf("Agent restarted while task %q was in progress. The task is on hold; send the next instruction to resume.", adopted.Title),
		})
	}
	return nil
}

// Assign accepts a queued task. Legal only while idle; busy agents reject
// with AlreadyBusyError so the caller queues instead of dropping. The task
// description is auto-enqueued as the first step input.
func (a *Agent) Assign(ctx context.Context, task protocol.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.releaseStaleHoldLocked(ctx)

	if a.phase != protocol.PhaseIdle {
		busy := &protocol.AlreadyBusyError{Role: a.role}
		if a.task != nil {
			busy.TaskID = a.task.ID
		}
		return busy
	}

	if err := a.cfg.Store.Transition(ctx, task.ID, protocol.TaskInProgress, ""); err != nil {
		return err
	}
	fresh, err := a.cfg.Store.Task(ctx, task.ID)
	if err != nil {
		return err
	}

	a.task = &fresh
	a.phase = protocol.PhaseAssigned
	a.logEvent(ctx, "task_assigned", fresh.ID, fresh.Title)

	input := fresh.Description
	if input == "" {
		input = fresh.Title
	}
	input = fmt.Sprintf("New task: %s\n\n%s", fresh.Title, input)

	select {
	case a.steps <- stepRequest{input: input, source: SourceAssign}:
	default:
		// The row already moved to in_progress; put it back so the
		// assignment leaves nothing half-done.
		a.task = nil
		a.phase = protocol.PhaseIdle
		if rerr := a.cfg.Store.ReleaseAssignment(ctx, fresh.ID); rerr != nil {
			return fmt.Errorf("agent %s: step queue full; release %s: %w", a.role, fresh.ID, rerr)
		}
		return fmt.Errorf("agent %s: step queue full", a.role)
	}
	return nil
}

// releaseStaleHoldLocked drops a held blocked task whose row a requeue has
// already taken back, returning the agent to idle so the queue can
// redispatch. Caller holds a.mu.
func (a *Agent) releaseStaleHoldLocked(ctx context.Context) {
	if a.phase != protocol.PhaseBlocked || a.task == nil {
		return
	}
	held, err := a.cfg.Store.Task(ctx, a.task.ID)
	if err != nil || held.State == protocol.TaskBlocked || held.State == protocol.TaskInProgress {
		return
	}
	a.logEvent(ctx, "task_detached", a.task.ID, fmt.Sprintf("held task is %s", held.State))
	a.task = nil
	a.phase = protocol.PhaseIdle
}

// Step feeds one input into the agent's exchange and waits for the reply.
// Requests are served strictly in arrival order.
func (a *Agent) Step(ctx context.Context, input, source string) (protocol.StepResponse, error) {
	req := stepRequest{input: input, source: source, reply: make(chan stepOutcome, 1)}
	select {
	case a.steps <- req:
	default:
		return protocol.StepResponse{}, fmt.Errorf("agent %s: step queue full", a.role)
	}

	select {
	case <-ctx.Done():
		return protocol.StepResponse{}, ctx.Err()
	case out := <-req.reply:
		return out.resp, out.err
	}
}

// Status reports the agent's phase, active task, and lifetime counters.
// It must stay cheap: the orchestrator polls it as the health check.
func (a *Agent) Status() protocol.StatusResponse {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp := protocol.StatusResponse{
		Role:             a.role,
		Name:             a.cfg.Name,
		Phase:            a.phase,
		Turns:            a.turns,
		PromptTokens:     a.promptTokens,
		CompletionTokens: a.completionTokens,
	}
	if !a.startedAt.IsZero() {
		resp.UptimeSeconds = int64(a.nowFunc().Sub(a.startedAt).Seconds())
	}
	if a.task != nil {
		task := *a.task
		resp.Task = &task
	}
	return resp
}

// History returns the last limit turns in chronological order.
func (a *Agent) History(ctx context.Context, limit int) ([]protocol.Turn, error) {
	if limit <= 0 {
		limit = DefaultWindowTurns
	}
	return a.cfg.Store.RecentTurns(ctx, a.role, limit)
}

// step runs one exchange: record the input, call the backend over the
// windowed context, record the reply, settle the task state.
func (a *Agent) step(ctx context.Context, input, source string) stepOutcome {
	a.mu.Lock()
	task := a.task
	phase := a.phase
	a.mu.Unlock()

	taskID := ""
	if task != nil {
		taskID = task.ID
	}

	// The first step of an assignment summarizes what came before the task.
	var summary string
	if source == SourceAssign {
		prior, err := a.cfg.Store.RecentTurns(ctx, a.role, DefaultWindowTurns)
		if err == nil {
			summary = Summarize(prior)
		}
	}

	speaker := protocol.SpeakerHuman
	if source == SourceAssign {
		speaker = protocol.SpeakerSystem
	}
	a.appendTurn(ctx, protocol.Turn{
		Role:    a.role,
		TaskID:  taskID,
		Speaker: speaker,
		Content: input,
	})

	// Input on a blocked task resumes it before the backend call.
	if task != nil && phase == protocol.PhaseBlocked {
		if err := a.cfg.Store.Transition(ctx, task.ID, protocol.TaskInProgress, ""); err != nil {
			// A requeue raced the unblock; release the stale hold and treat
			// this as plain conversation.
			a.detachTask(ctx, task.ID, err)
			task = nil
			taskID = ""
		}
	}
	if task != nil {
		a.setWorking(task.ID)
	}

	result, err := a.complete(ctx, task, summary)
	if err != nil {
		return stepOutcome{err: a.settleFailure(ctx, task, err)}
	}
	reply := result.Content

	a.appendTurn(ctx, protocol.Turn{
		Role:       a.role,
		TaskID:     taskID,
		Speaker:    protocol.SpeakerAgent,
		Content:    reply,
		TokenCount: result.CompletionTokens,
	})
	a.addTokens(ctx, taskID, result.PromptTokens, result.CompletionTokens)

	resp := protocol.StepResponse{TaskID: taskID, Reply: reply}
	if task != nil {
		if a.detector.Done(reply) {
			if err := a.cfg.Store.Transition(ctx, task.ID, protocol.TaskCompleted, ""); err != nil {
				return stepOutcome{err: err}
			}
			a.logEvent(ctx, "task_completed", task.ID, "")
			a.clearTask()
			resp.TaskState = protocol.TaskCompleted
		} else {
			resp.TaskState = protocol.TaskInProgress
		}
	}

	a.mu.Lock()
	resp.Phase = a.phase
	a.mu.Unlock()
	return stepOutcome{resp: resp}
}

// complete calls the backend with bounded retry. Transient failures back
// off and retry up to MaxAttempts; timeouts and fatal errors return
// immediately.
func (a *Agent) complete(ctx context.Context, task *protocol.Task, summary string) (*llm.Response, error) {
	window, err := a.cfg.Store.RecentTurns(ctx, a.role, DefaultWindowTurns)
	if err != nil {
		return nil, err
	}

	opts := team.PromptOpts{
		Profile:        a.cfg.Profile,
		AgentName:      a.cfg.Name,
		Roster:         a.cfg.Roster,
		Workspace:      a.cfg.Workspace,
		Branch:         a.cfg.Branch,
		HistorySummary: summary,
	}
	if task != nil {
		opts.TaskTitle = task.Title
	}

	req := llm.Request{
		Model:    a.cfg.Profile.Model,
		System:   team.SystemPrompt(opts),
		Messages: Window(window),
		Options:  a.cfg.ModelOptions,
	}

	var resp *llm.Response
	err = llm.Retry(ctx, a.cfg.MaxAttempts, a.cfg.Backoff, func() error {
		attempt, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout)
		defer cancel()
		r, err := a.cfg.Backend.Complete(attempt, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// settleFailure maps a failed backend exchange onto the task machine.
// Timeouts and exhausted transient retries block the task (the recorded
// input makes it resumable); fatal backend errors fail it. A cancelled run
// context means the agent is stopping and the orchestrator owns the task;
// errors from outside the backend (e.g. a store read) leave the task in
// progress so the next step can retry.
func (a *Agent) settleFailure(ctx context.Context, task *protocol.Task, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var backendErr *protocol.BackendError
	if task == nil || (!errors.As(err, &backendErr) && !errors.Is(err, context.DeadlineExceeded)) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		a.block(ctx, task.ID, protocol.ReasonBackendTimeout)
	case llm.Transient(err):
		a.block(ctx, task.ID, protocol.ReasonBackendUnavailable)
	default:
		reason := err.Error()
		if terr := a.cfg.Store.Transition(ctx, task.ID, protocol.TaskFailed, reason); terr != nil {
			return terr
		}
		a.logEvent(ctx, "task_failed", task.ID, reason)
		a.appendTurn(ctx, protocol.Turn{
			Role:    a.role,
			TaskID:  task.ID,
			Speaker: protocol.SpeakerSystem,
			Content: fmt.Sprintf("Task failed: %s", protocol.OperatorMessage(a.role, task.ID, err)),
		})
		a.clearTask()
	}
	return err
}

// block puts the active task on hold with the given reason.
func (a *Agent) block(ctx context.Context, taskID, reason string) {
	if err := a.cfg.Store.Transition(ctx, taskID, protocol.TaskBlocked, reason); err != nil {
		return
	}
	a.logEvent(ctx, "task_blocked", taskID, reason)
	a.appendTurn(ctx, protocol.Turn{
		Role:    a.role,
		TaskID:  taskID,
		Speaker: protocol.SpeakerSystem,
		Content: fmt.Sprintf("Backend unavailable (%s). Task on hold; send the next instruction to resume.", reason),
	})

	a.mu.Lock()
	a.phase = protocol.PhaseBlocked
	if a.task != nil {
		a.task.State = protocol.TaskBlocked
		a.task.BlockedReason = reason
	}
	a.mu.Unlock()
}

// setWorking marks the named task in progress in memory.
func (a *Agent) setWorking(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase.CanMove(protocol.PhaseWorking) {
		a.phase = protocol.PhaseWorking
	}
	if a.task != nil && a.task.ID == taskID {
		a.task.State = protocol.TaskInProgress
		a.task.BlockedReason = ""
	}
}

// clearTask returns the agent to idle after a terminal task outcome.
func (a *Agent) clearTask() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.task = nil
	a.phase = protocol.PhaseIdle
}

// detachTask releases a task that was taken away under the agent, e.g. by a
// requeue racing an unblock.
func (a *Agent) detachTask(ctx context.Context, taskID string, cause error) {
	a.logEvent(ctx, "task_detached", taskID, cause.Error())
	a.clearTask()
}

// appendTurn records a turn and bumps the status counters. Persistence
// failures are swallowed; losing one turn is better than wedging the step.
func (a *Agent) appendTurn(ctx context.Context, turn protocol.Turn) {
	if _, err := a.cfg.Store.AppendTurn(ctx, turn); err != nil {
		return
	}
	a.mu.Lock()
	a.turns++
	a.mu.Unlock()
}

// addTokens accumulates token usage on the task row and the counters.
func (a *Agent) addTokens(ctx context.Context, taskID string, prompt, completion int) {
	if taskID != "" {
		_ = a.cfg.Store.AddTaskTokens(ctx, taskID, prompt, completion)
	}
	a.mu.Lock()
	a.promptTokens += prompt
	a.completionTokens += completion
	a.mu.Unlock()
}

func (a *Agent) logEvent(ctx context.Context, kind, taskID, detail string) {
	if a.cfg.Events == nil {
		return
	}
	_ = a.cfg.Events.Log(ctx, kind, a.role, taskID, detail)
}

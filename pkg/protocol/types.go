package protocol

import "fmt"

// AgentStatus represents the lifecycle status of an agent process as tracked
// in the orchestrator registry.
type AgentStatus string

// Agent status constants.
const (
	AgentStopped   AgentStatus = "stopped"
	AgentStarting  AgentStatus = "starting"
	AgentRunning   AgentStatus = "running"
	AgentUnhealthy AgentStatus = "unhealthy" // failed health checks, restart pending
	AgentDegraded  AgentStatus = "degraded"  // restart budget exhausted, operator action required
)

// TaskState represents the persisted state of a task.
type TaskState string

// Task state constants.
const (
	TaskQueued     TaskState = "queued"
	TaskInProgress TaskState = "in_progress"
	TaskBlocked    TaskState = "blocked"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// taskTransitions is the forward-only task state graph. Requeueing a blocked
// or failed task is the single human-triggered exception, handled by
// CanRequeue rather than listed here.
var taskTransitions = map[TaskState][]TaskState{
	TaskQueued:     {TaskInProgress, TaskFailed},
	TaskInProgress: {TaskBlocked, TaskCompleted, TaskFailed},
	TaskBlocked:    {TaskInProgress, TaskFailed},
	TaskCompleted:  {},
	TaskFailed:     {},
}

// CanTransition reports whether a task may move from s to next.
func (s TaskState) CanTransition(next TaskState) bool {
	for _, allowed := range taskTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// CanRequeue reports whether a task in state s may be returned to the queue
// by explicit operator action.
func CanRequeue(s TaskState) bool {
	return s == TaskBlocked || s == TaskFailed
}

// ValidTaskState reports whether s is a known task state.
func ValidTaskState(s TaskState) bool {
	_, ok := taskTransitions[s]
	return ok
}

// AgentPhase represents the position of an agent in its work cycle. Terminal
// task outcomes (completed, failed) return the agent to PhaseIdle so the next
// queued task can be picked up.
type AgentPhase string

// Agent phase constants.
const (
	PhaseIdle     AgentPhase = "idle"
	PhaseAssigned AgentPhase = "assigned" // task accepted, first step not yet begun
	PhaseWorking  AgentPhase = "working"
	PhaseBlocked  AgentPhase = "blocked" // waiting for unblocking input
)

// CanMove reports whether the agent phase may move from p to next.
// PhaseAssigned may fall straight back to PhaseIdle when the first backend
// call fails with a non-transient error.
func (p AgentPhase) CanMove(next AgentPhase) bool {
	switch p {
	case PhaseIdle:
		return next == PhaseAssigned
	case PhaseAssigned:
		return next == PhaseWorking || next == PhaseIdle
	case PhaseWorking:
		return next == PhaseWorking || next == PhaseBlocked || next == PhaseIdle
	case PhaseBlocked:
		return next == PhaseWorking || next == PhaseIdle
	default:
		return false
	}
}

// Speaker identifies the author of a conversation turn.
type Speaker string

// Speaker constants.
const (
	SpeakerHuman  Speaker = "human"
	SpeakerAgent  Speaker = "agent"
	SpeakerSystem Speaker = "system"
)

// Reason strings recorded on blocked and failed tasks.
const (
	ReasonBackendTimeout     = "backend_timeout"
	ReasonBackendUnavailable = "backend_unavailable"
	ReasonAgentTerminated    = "agent_terminated"
	ReasonAgentRestarted     = "agent_restarted"
)

// Task origin constants. Issue-sourced tasks use OriginIssue to encode the
// issue number.
const (
	OriginManual = "manual"
	OriginChat   = "chat"
)

// OriginIssue encodes a tracker issue number as a task origin.
func OriginIssue(number int) string {
	return fmt.Sprintf("issue:%d", number)
}

// ParseIssueOrigin extracts the issue number from an issue origin string.
// Returns false for manual and chat origins.
func ParseIssueOrigin(origin string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(origin, "issue:%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// Task is the canonical task record exchanged between components.
type Task struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	Origin           string    `json:"origin"`
	Role             string    `json:"role"`
	State            TaskState `json:"state"`
	BlockedReason    string    `json:"blocked_reason,omitempty"`
	FailReason       string    `json:"fail_reason,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CreatedAt        string    `json:"created_at,omitempty"`
	StartedAt        string    `json:"started_at,omitempty"`
	CompletedAt      string    `json:"completed_at,omitempty"`
}

// Turn is one conversation exchange unit belonging to a single agent.
type Turn struct {
	ID         int64   `json:"id"`
	Role       string  `json:"role"`
	TaskID     string  `json:"task_id,omitempty"`
	Speaker    Speaker `json:"speaker"`
	Content    string  `json:"content"`
	TokenCount int     `json:"token_count"`
	CreatedAt  string  `json:"created_at"`
}

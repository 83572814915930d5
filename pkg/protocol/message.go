package protocol

// Agent API paths, served by every agent process on its allocated port.
const (
	PathStatus  = "/status"
	PathAssign  = "/assign"
	PathStep    = "/step"
	PathHistory = "/history"
)

// Control API paths, served by the orchestrator daemon on the control port.
const (
	PathAPIStatus = "/api/status"
	PathAPIAgents = "/api/agents"
	PathAPITasks  = "/api/tasks"
	PathAPISync   = "/api/sync"
	PathAPIEvents = "/api/events"
)

// StatusResponse is the agent's answer to GET /status. It doubles as the
// health check payload, so it must stay cheap to produce.
type StatusResponse struct {
	Role             string     `json:"role"`
	Name             string     `json:"name"`
	Phase            AgentPhase `json:"phase"`
	Task             *Task      `json:"task,omitempty"`
	Turns            int        `json:"turns"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	UptimeSeconds    int64      `json:"uptime_seconds"`
}

// AssignRequest asks an agent to take on a task. Rejected with
// AlreadyBusyError semantics (HTTP 409) unless the agent is idle.
type AssignRequest struct {
	Task Task `json:"task"`
}

// StepRequest feeds one input message into the agent's active exchange.
type StepRequest struct {
	Input  string `json:"input"`
	Source string `json:"source,omitempty"` // chat, issue, operator
}

// StepResponse carries the agent's reply and resulting state.
type StepResponse struct {
	TaskID    string     `json:"task_id,omitempty"`
	Reply     string     `json:"reply"`
	Phase     AgentPhase `json:"phase"`
	TaskState TaskState  `json:"task_state,omitempty"`
}

// HistoryResponse is the agent's answer to GET /history.
type HistoryResponse struct {
	Role  string `json:"role"`
	Turns []Turn `json:"turns"`
}

// ErrorResponse is the JSON error body used by both the agent API and the
// control API. Kind, role, and task follow the operator-visible error
// contract.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   Kind   `json:"kind"`
	Role   string `json:"role,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

// CreateAgentRequest asks the orchestrator to create an agent record.
type CreateAgentRequest struct {
	Role         string         `json:"role"`
	Name         string         `json:"name"`
	Model        string         `json:"model,omitempty"`
	ModelOptions map[string]any `json:"model_options,omitempty"`
}

// AgentSummary is one agent's line in the aggregate status listing.
type AgentSummary struct {
	Role             string      `json:"role"`
	Name             string      `json:"name"`
	Port             int         `json:"port"`
	PID              int         `json:"pid,omitempty"`
	Status           AgentStatus `json:"status"`
	Phase            AgentPhase  `json:"phase,omitempty"`
	TaskID           string      `json:"task_id,omitempty"`
	TaskTitle        string      `json:"task_title,omitempty"`
	TaskState        TaskState   `json:"task_state,omitempty"`
	Branch           string      `json:"branch"`
	Workspace        string      `json:"workspace"`
	QueueDepth       int         `json:"queue_depth"`
	Restarts         int         `json:"restarts"`
	LastHeartbeat    string      `json:"last_heartbeat,omitempty"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
}

// TaskCounts aggregates task states for the status listing.
type TaskCounts struct {
	Queued     int `json:"queued"`
	InProgress int `json:"in_progress"`
	Blocked    int `json:"blocked"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// ControlStatus is the machine-readable aggregate returned by GET /api/status
// and printed by the status command with --json.
type ControlStatus struct {
	Running bool           `json:"running"` // daemon reachable
	PID     int            `json:"pid,omitempty"`
	Agents  []AgentSummary `json:"agents"`
	Tasks   TaskCounts     `json:"tasks"`
}

// CreateTaskRequest asks the orchestrator to create and route a task.
type CreateTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Role        string `json:"role"`
	Origin      string `json:"origin,omitempty"`
}

// CreateTaskResponse reports the routed task. Queued is true when the target
// agent was busy and the task joined the role's FIFO queue.
type CreateTaskResponse struct {
	TaskID string    `json:"task_id"`
	State  TaskState `json:"state"`
	Queued bool      `json:"queued"`
}

// SyncResponse reports the outcome of a sync-now request. Started is false
// when a cycle was already running (single-flight).
type SyncResponse struct {
	Started bool   `json:"started"`
	Detail  string `json:"detail,omitempty"`
}

package protocol

// AgentRow represents a row in the agents SQLite table.
// One row per agent, keyed by role; the registry survives daemon restarts.
type AgentRow struct {
	Role           string `json:"role"`
	Name           string `json:"name"`
	Port           int    `json:"port"`
	PID            int    `json:"pid"`
	Workspace      string `json:"workspace"`
	Branch         string `json:"branch"`
	Model          string `json:"model"`
	ModelOptions   string `json:"model_options"`
	Status         string `json:"status"`
	HealthFailures int    `json:"health_failures"`
	Restarts       int    `json:"restarts"`
	LastHeartbeat  string `json:"last_heartbeat"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// TaskRow represents a row in the tasks SQLite table.
type TaskRow struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Description      string `json:"description"`
	Origin           string `json:"origin"`
	Role             string `json:"role"`
	State            string `json:"state"`
	BlockedReason    string `json:"blocked_reason"`
	FailReason       string `json:"fail_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	Seq              int64  `json:"seq"`
	CreatedAt        string `json:"created_at"`
	StartedAt        string `json:"started_at"`
	CompletedAt      string `json:"completed_at"`
}

// Task converts the row to the canonical Task record.
func (r TaskRow) Task() Task {
	return Task{
		ID:               r.ID,
		Title:            r.Title,
		Description:      r.Description,
		Origin:           r.Origin,
		Role:             r.Role,
		State:            TaskState(r.State),
		BlockedReason:    r.BlockedReason,
		FailReason:       r.FailReason,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		CreatedAt:        r.CreatedAt,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
	}
}

// EventRow represents a row in the events SQLite table.
type EventRow struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Source    string `json:"source"`
	Role      string `json:"role"`
	TaskID    string `json:"task_id"`
	Detail    string `json:"detail"`
	CreatedAt string `json:"created_at"`
}

// SyncStateRow represents the single row in the sync_state SQLite table.
type SyncStateRow struct {
	LastSeenUpdate string `json:"last_seen_update"`
	ListETag       string `json:"list_etag"`
	UpdatedAt      string `json:"updated_at"`
}

// IssueMapRow represents a row in the issue_map SQLite table.
// Maps a tracker issue onto its task; reported_state and pr_number make
// progress reporting idempotent.
type IssueMapRow struct {
	IssueNumber    int    `json:"issue_number"`
	TaskID         string `json:"task_id"`
	IssueUpdatedAt string `json:"issue_updated_at"`
	ReportedState  string `json:"reported_state"`
	PRNumber       int    `json:"pr_number"`
	CreatedAt      string `json:"created_at"`
}

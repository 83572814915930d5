// Package agent implements a single role worker: one conversation stream,
// at most one active task, a serial step queue, and a loopback HTTP API.
// The orchestrator runs one agent process per role; this package also
// provides the shared task and turn store both sides persist through.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"crew/pkg/protocol"
)

// ErrTaskNotFound marks lookups of task ids with no row. Callers branch on
// it with errors.Is.
var ErrTaskNotFound = errors.New("task not found")

// Store persists tasks and conversation turns in the shared crew database.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewStore creates a Store backed by the given SQLite database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

const taskColumns = `id, title, description, origin, role, state,
	blocked_reason, fail_reason, prompt_tokens, completion_tokens,
	created_at, COALESCE(started_at, ''), COALESCE(completed_at, '')`

// CreateTask inserts a queued task at the tail of its role's queue.
func (s *Store) CreateTask(ctx context.Context, t protocol.Task) error {
	if t.Origin == "" {
		t.Origin = protocol.OriginManual
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, description, origin, role, state, seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks), ?)`,
		t.ID, t.Title, t.Description, t.Origin, t.Role, protocol.TaskQueued,
		protocol.FormatTime(s.nowFunc()),
	)
	if err != nil {
		return fmt.Errorf("task insert: %w", err)
	}
	return nil
}

// Task returns the task with the given id.
func (s *Store) Task(ctx context.Context, id string) (protocol.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Task{}, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return protocol.Task{}, fmt.Errorf("task select: %w", err)
	}
	return t, nil
}

// RefreshMeta updates a task's title and description from its tracker issue.
// Completed and failed tasks are immutable; the refresh is silently skipped
// for them.
func (s *Store) RefreshMeta(ctx context.Context, id, title, description string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?
		 WHERE id = ? AND state NOT IN (?, ?)`,
		title, description, id, protocol.TaskCompleted, protocol.TaskFailed)
	if err != nil {
		return fmt.Errorf("task refresh: %w", err)
	}
	return nil
}

// Transition moves a task to next, enforcing the forward-only graph. The
// update is guarded on the observed current state so a concurrent writer
// cannot be silently overwritten.
func (s *Store) Transition(ctx context.Context, id string, next protocol.TaskState, reason string) error {
	cur, err := s.Task(ctx, id)
	if err != nil {
		return err
	}
	if !cur.State.CanTransition(next) {
		return &protocol.InvalidTransitionError{TaskID: id, From: cur.State, To: next}
	}

	now := protocol.FormatTime(s.nowFunc())
	var res sql.Result
	switch next {
	case protocol.TaskInProgress:
		res, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET state = ?, blocked_reason = '',
			 started_at = COALESCE(started_at, ?) WHERE id = ? AND state = ?`,
			next, now, id, cur.State)
	case protocol.TaskBlocked:
		res, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET state = ?, blocked_reason = ? WHERE id = ? AND state = ?`,
			next, reason, id, cur.State)
	case protocol.TaskCompleted:
		res, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET state = ?, completed_at = ? WHERE id = ? AND state = ?`,
			next, now, id, cur.State)
	case protocol.TaskFailed:
		res, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET state = ?, fail_reason = ?, completed_at = ? WHERE id = ? AND state = ?`,
			next, reason, now, id, cur.State)
	default:
		return &protocol.InvalidTransitionError{TaskID: id, From: cur.State, To: next}
	}
	if err != nil {
		return fmt.Errorf("task transition: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task transition: %w", err)
	}
	if affected == 0 {
		// Lost a race; report against the fresh state.
		fresh, ferr := s.Task(ctx, id)
		if ferr != nil {
			return ferr
		}
		return &protocol.InvalidTransitionError{TaskID: id, From: fresh.State, To: next}
	}
	return nil
}

// Requeue returns a blocked or failed task to the tail of its role's queue.
// This is the single human-triggered exception to forward-only transitions.
func (s *Store) Requeue(ctx context.Context, id string) error {
	cur, err := s.Task(ctx, id)
	if err != nil {
		return err
	}
	if !protocol.CanRequeue(cur.State) {
		return &protocol.InvalidTransitionError{TaskID: id, From: cur.State, To: protocol.TaskQueued}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, blocked_reason = '', fail_reason = '',
		 started_at = NULL, completed_at = NULL,
		 seq = (SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks)
		 WHERE id = ? AND state = ?`,
		protocol.TaskQueued, id, cur.State)
	if err != nil {
		return fmt.Errorf("task requeue: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task requeue: %w", err)
	}
	if affected == 0 {
		fresh, ferr := s.Task(ctx, id)
		if ferr != nil {
			return ferr
		}
		return &protocol.InvalidTransitionError{TaskID: id, From: fresh.State, To: protocol.TaskQueued}
	}
	return nil
}

// ReleaseAssignment returns a task that moved to in_progress but was never
// stepped back to queued, keeping its queue position. Used when an
// assignment fails after the row has already moved.
func (s *Store) ReleaseAssignment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, started_at = NULL WHERE id = ? AND state = ?`,
		protocol.TaskQueued, id, protocol.TaskInProgress)
	if err != nil {
		return fmt.Errorf("task release: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task release: %w", err)
	}
	if affected == 0 {
		fresh, ferr := s.Task(ctx, id)
		if ferr != nil {
			return ferr
		}
		return &protocol.InvalidTransitionError{TaskID: id, From: fresh.State, To: protocol.TaskQueued}
	}
	return nil
}

// ActiveTask returns the in_progress task for role, or nil when there is none.
func (s *Store) ActiveTask(ctx context.Context, role string) (*protocol.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE role = ? AND state = ? LIMIT 1`,
		role, protocol.TaskInProgress)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active task select: %w", err)
	}
	return &t, nil
}

// AdoptOrphan marks an in_progress task for role as blocked with reason
// agent_restarted. Called at agent startup: an in-flight row at that point
// means the previous process died without the orchestrator failing the task.
// Returns the adopted task, or nil when there was nothing to adopt.
func (s *Store) AdoptOrphan(ctx context.Context, role string) (*protocol.Task, error) {
	orphan, err := s.ActiveTask(ctx, role)
	if err != nil || orphan == nil {
		return nil, err
	}
	if err := s.Transition(ctx, orphan.ID, protocol.TaskBlocked, protocol.ReasonAgentRestarted); err != nil {
		return nil, err
	}
	adopted, err := s.Task(ctx, orphan.ID)
	if err != nil {
		return nil, err
	}
	return &adopted, nil
}

// NextQueued returns the oldest queued task for role, or nil when the queue
// is empty.
func (s *Store) NextQueued(ctx context.Context, role string) (*protocol.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE role = ? AND state = ?
		 ORDER BY seq ASC LIMIT 1`,
		role, protocol.TaskQueued)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next queued select: %w", err)
	}
	return &t, nil
}

// QueueDepth returns the number of queued tasks for role.
func (s *Store) QueueDepth(ctx context.Context, role string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE role = ? AND state = ?`,
		role, protocol.TaskQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Counts aggregates task states across all roles.
func (s *Store) Counts(ctx context.Context) (protocol.TaskCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return protocol.TaskCounts{}, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()

	var counts protocol.TaskCounts
	for rows.Next() {
		var state protocol.TaskState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return protocol.TaskCounts{}, fmt.Errorf("task counts scan: %w", err)
		}
		switch state {
		case protocol.TaskQueued:
			counts.Queued = n
		case protocol.TaskInProgress:
			counts.InProgress = n
		case protocol.TaskBlocked:
			counts.Blocked = n
		case protocol.TaskCompleted:
			counts.Completed = n
		case protocol.TaskFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return protocol.TaskCounts{}, fmt.Errorf("task counts: %w", err)
	}
	return counts, nil
}

// ListOpts filters a task listing. Zero fields mean no filter.
type ListOpts struct {
	Role  string
	State protocol.TaskState
	Limit int
}

// Tasks lists tasks in creation order, newest last.
func (s *Store) Tasks(ctx context.Context, opts ListOpts) ([]protocol.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if opts.Role != "" {
		query += ` AND role = ?`
		args = append(args, opts.Role)
	}
	if opts.State != "" {
		query += ` AND state = ?`
		args = append(args, opts.State)
	}
	query += ` ORDER BY seq ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("task list: %w", err)
	}
	defer rows.Close()

	var tasks []protocol.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("task list scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task list: %w", err)
	}
	return tasks, nil
}

// AddTaskTokens accumulates backend token usage on the task row.
func (s *Store) AddTaskTokens(ctx context.Context, id string, prompt, completion int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET prompt_tokens = prompt_tokens + ?,
		 completion_tokens = completion_tokens + ? WHERE id = ?`,
		prompt, completion, id)
	if err != nil {
		return fmt.Errorf("task tokens: %w", err)
	}
	return nil
}

// AppendTurn records one conversation turn. Returns the turn id.
func (s *Store) AppendTurn(ctx context.Context, turn protocol.Turn) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (role, task_id, speaker, content, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		turn.Role, turn.TaskID, turn.Speaker, turn.Content, turn.TokenCount,
		protocol.FormatTime(s.nowFunc()),
	)
	if err != nil {
		return 0, fmt.Errorf("turn insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("turn last insert id: %w", err)
	}
	return id, nil
}

// RecentTurns returns the last limit turns for role in chronological order.
func (s *Store) RecentTurns(ctx context.Context, role string, limit int) ([]protocol.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, COALESCE(task_id, ''), speaker, content, token_count, created_at
		 FROM turns WHERE role = ? ORDER BY id DESC LIMIT ?`,
		role, limit)
	if err != nil {
		return nil, fmt.Errorf("turns select: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// SearchTurns runs a full-text search over role's conversation history,
// most relevant first.
func (s *Store) SearchTurns(ctx context.Context, role, query string, limit int) ([]protocol.Turn, error) {
	fts := protocol.FTSQuery(query)
	if fts == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.role, COALESCE(t.task_id, ''), t.speaker, t.content, t.token_count, t.created_at
		 FROM turns_fts JOIN turns t ON t.id = turns_fts.rowid
		 WHERE turns_fts MATCH ? AND t.role = ?
		 ORDER BY bm25(turns_fts) LIMIT ?`,
		fts, role, limit)
	if err != nil {
		return nil, fmt.Errorf("turns search: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

// RoleStats returns the turn count and token totals for role, used to seed
// the in-memory status counters at agent startup.
func (s *Store) RoleStats(ctx context.Context, role string) (turns, promptTokens, completionTokens int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE role = ?`, role).Scan(&turns)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("turn count: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		 FROM tasks WHERE role = ?`, role).Scan(&promptTokens, &completionTokens)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("token totals: %w", err)
	}
	return turns, promptTokens, completionTokens, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (protocol.Task, error) {
	var t protocol.Task
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Origin, &t.Role, &t.State,
		&t.BlockedReason, &t.FailReason, &t.PromptTokens, &t.CompletionTokens,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	)
	return t, err
}

func scanTurns(rows *sql.Rows) ([]protocol.Turn, error) {
	var turns []protocol.Turn
	for rows.Next() {
		var turn protocol.Turn
		err := rows.Scan(&turn.ID, &turn.Role, &turn.TaskID, &turn.Speaker,
			&turn.Content, &turn.TokenCount, &turn.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("turn scan: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

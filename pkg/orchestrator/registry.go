package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crew/pkg/protocol"
)

// Record is one agent's row in the lifecycle registry. The orchestrator is
// the sole writer; agent processes and the CLI read it.
type Record struct {
	Role           string
	Name           string
	Port           int
	PID            int
	Workspace      string
	Branch         string
	Model          string
	ModelOptions   map[string]any
	Status         protocol.AgentStatus
	HealthFailures int
	Restarts       int
	LastHeartbeat  string
	CreatedAt      string
	UpdatedAt      string
}

// Registry persists agent records in the shared crew database.
type Registry struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewRegistry creates a Registry backed by the given SQLite database.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, nowFunc: time.Now}
}

const recordColumns = `role, name, port, pid, workspace, branch, model,
	model_options, status, health_failures, restarts,
	COALESCE(last_heartbeat, ''), created_at, updated_at`

// Insert adds a new agent record. A role that already has a record is
// rejected with DuplicateRoleError before any write.
func (r *Registry) Insert(ctx context.Context, rec Record) error {
	if _, err := r.Get(ctx, rec.Role); err == nil {
		return &protocol.DuplicateRoleError{Role: rec.Role}
	}
	opts, err := encodeModelOptions(rec.ModelOptions)
	if err != nil {
		return err
	}
	now := protocol.FormatTime(r.nowFunc())
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO agents (role, name, port, pid, workspace, branch, model,
		 model_options, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Role, rec.Name, rec.Port, rec.PID, rec.Workspace, rec.Branch,
		rec.Model, opts, string(rec.Status), now, now,
	)
	if err != nil {
		return fmt.Errorf("agent insert: %w", err)
	}
	return nil
}

// Get returns the record for a role, or NoSuchAgentError.
func (r *Registry) Get(ctx context.Context, role string) (Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM agents WHERE role = ?`, role)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, &protocol.NoSuchAgentError{Role: role}
	}
	if err != nil {
		return Record{}, fmt.Errorf("agent select: %w", err)
	}
	return rec, nil
}

// List returns all agent records ordered by role.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM agents ORDER BY role`)
	if err != nil {
		return nil, fmt.Errorf("agent list: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("agent scan: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return recs, nil
}

// Delete removes the record for a role.
func (r *Registry) Delete(ctx context.Context, role string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE role = ?`, role)
	if err != nil {
		return fmt.Errorf("agent delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &protocol.NoSuchAgentError{Role: role}
	}
	return nil
}

// UsedPorts returns the set of ports held by existing records.
func (r *Registry) UsedPorts(ctx context.Context) (map[int]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT port FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("port query: %w", err)
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, fmt.Errorf("port scan: %w", err)
		}
		used[port] = true
	}
	return used, rows.Err()
}

// SetStatus updates an agent's lifecycle status.
func (r *Registry) SetStatus(ctx context.Context, role string, status protocol.AgentStatus) error {
	return r.update(ctx, role, `status = ?`, string(status))
}

// SetPID records the live process id along with the new status. A stopped
// agent records pid 0.
func (r *Registry) SetPID(ctx context.Context, role string, pid int, status protocol.AgentStatus) error {
	return r.update(ctx, role, `pid = ?, status = ?`, pid, string(status))
}

// SetWorkspace records the prepared worktree path and branch.
func (r *Registry) SetWorkspace(ctx context.Context, role, path, branch string) error {
	return r.update(ctx, role, `workspace = ?, branch = ?`, path, branch)
}

// Heartbeat records a successful health probe and clears the consecutive
// failure counter.
func (r *Registry) Heartbeat(ctx context.Context, role string) error {
	return r.update(ctx, role, `last_heartbeat = ?, health_failures = 0`,
		protocol.FormatTime(r.nowFunc()))
}

// HealthFailure increments the consecutive failure counter and returns the
// new value.
func (r *Registry) HealthFailure(ctx context.Context, role string) (int, error) {
	if err := r.update(ctx, role, `health_failures = health_failures + 1`); err != nil {
		return 0, err
	}
	rec, err := r.Get(ctx, role)
	if err != nil {
		return 0, err
	}
	return rec.HealthFailures, nil
}

// AddRestart increments the auto-restart counter and returns the new value.
func (r *Registry) AddRestart(ctx context.Context, role string) (int, error) {
	if err := r.update(ctx, role, `restarts = restarts + 1`); err != nil {
		return 0, err
	}
	rec, err := r.Get(ctx, role)
	if err != nil {
		return 0, err
	}
	return rec.Restarts, nil
}

// ResetRestarts clears the auto-restart counter. Manual starts call this so
// the restart budget counts from the operator's last intervention.
func (r *Registry) ResetRestarts(ctx context.Context, role string) error {
	return r.update(ctx, role, `restarts = 0, health_failures = 0`)
}

func (r *Registry) update(ctx context.Context, role, set string, args ...any) error {
	args = append(args, protocol.FormatTime(r.nowFunc()), role)
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents SET `+set+`, updated_at = ? WHERE role = ?`, args...)
	if err != nil {
		return fmt.Errorf("agent update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &protocol.NoSuchAgentError{Role: role}
	}
	return nil
}

func encodeModelOptions(opts map[string]any) (string, error) {
	if len(opts) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("encode model options: %w", err)
	}
	return string(data), nil
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var opts, status string
	err := row.Scan(&rec.Role, &rec.Name, &rec.Port, &rec.PID, &rec.Workspace,
		&rec.Branch, &rec.Model, &opts, &status, &rec.HealthFailures,
		&rec.Restarts, &rec.LastHeartbeat, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.Status = protocol.AgentStatus(status)
	if opts != "" && opts != "{}" {
		if err := json.Unmarshal([]byte(opts), &rec.ModelOptions); err != nil {
			return Record{}, fmt.Errorf("decode model options: %w", err)
		}
	}
	return rec, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Package eventlog records and reads the audit trail in the shared crew
// database. Every lifecycle action, task transition, routed or dropped chat
// message, and sync write lands in the events table; the reader side serves
// the logs command and the control API.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
)

// Logger appends audit events for one component. Writes are best effort;
// callers typically discard the returned error rather than fail the
// operation that produced the event.
type Logger struct {
	db     *sql.DB
	source string
}

// NewLogger creates a Logger that stamps every event with the given source,
// e.g. "orchestrator", "agent:backend", "bridge", "forge".
func NewLogger(db *sql.DB, source string) *Logger {
	return &Logger{db: db, source: source}
}

// Log appends one event. Role, taskID, and detail may be empty.
func (l *Logger) Log(ctx context.Context, kind, role, taskID, detail string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (kind, source, role, task_id, detail) VALUES (?, ?, ?, ?, ?)`,
		kind, l.source, role, taskID, detail)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

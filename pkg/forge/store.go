package forge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// mapping is one row of the issue-to-task map. ReportedState is the last
// task state reflected back to the tracker; Closed marks issues the
// synchronizer is finished with.
type mapping struct {
	Issue          int
	TaskID         string
	IssueUpdatedAt string
	ReportedState  string
	PRNumber       int
	Closed         bool
}

// syncStore persists the synchronizer cursor and the issue map in the shared
// crew database.
type syncStore struct {
	db *sql.DB
}

const mappingColumns = `issue_number, task_id, issue_updated_at,
	reported_state, pr_number, closed`

// cursor loads the sync cursor. A database with no cycle run yet yields
// empty strings.
func (s *syncStore) cursor(ctx context.Context) (lastSeen, etag string, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_seen_update, list_etag FROM sync_state WHERE id = 1`)
	err = row.Scan(&lastSeen, &etag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("cursor select: %w", err)
	}
	return lastSeen, etag, nil
}

func (s *syncStore) saveCursor(ctx context.Context, lastSeen, etag string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (id, last_seen_update, list_etag, updated_at)
		 VALUES (1, ?, ?, datetime('now'))
		 ON CONFLICT(id) DO UPDATE SET
		   last_seen_update = excluded.last_seen_update,
		   list_etag = excluded.list_etag,
		   updated_at = excluded.updated_at`,
		lastSeen, etag)
	if err != nil {
		return fmt.Errorf("cursor save: %w", err)
	}
	return nil
}

// lookup returns the mapping for an issue, or nil when the issue has never
// been imported.
func (s *syncStore) lookup(ctx context.Context, issue int) (*mapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM issue_map WHERE issue_number = ?`, issue)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mapping select: %w", err)
	}
	return &m, nil
}

// insert records a fresh issue-to-task binding.
func (s *syncStore) insert(ctx context.Context, m mapping) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issue_map (issue_number, task_id, issue_updated_at,
		 reported_state, pr_number, closed)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.Issue, m.TaskID, m.IssueUpdatedAt, m.ReportedState, m.PRNumber, m.Closed)
	if err != nil {
		return fmt.Errorf("mapping insert: %w", err)
	}
	return nil
}

// open returns every mapping not yet closed, ordered by issue number.
func (s *syncStore) open(ctx context.Context) ([]mapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mappingColumns+` FROM issue_map WHERE closed = 0 ORDER BY issue_number`)
	if err != nil {
		return nil, fmt.Errorf("mapping list: %w", err)
	}
	defer rows.Close()

	var out []mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("mapping scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mapping rows: %w", err)
	}
	return out, nil
}

func (s *syncStore) setIssueStamp(ctx context.Context, issue int, updatedAt string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE issue_map SET issue_updated_at = ? WHERE issue_number = ?`,
		updatedAt, issue)
	if err != nil {
		return fmt.Errorf("mapping stamp: %w", err)
	}
	return nil
}

func (s *syncStore) setReportedState(ctx context.Context, issue int, state string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE issue_map SET reported_state = ? WHERE issue_number = ?`,
		state, issue)
	if err != nil {
		return fmt.Errorf("mapping state: %w", err)
	}
	return nil
}

func (s *syncStore) setPRNumber(ctx context.Context, issue, pr int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE issue_map SET pr_number = ? WHERE issue_number = ?`,
		pr, issue)
	if err != nil {
		return fmt.Errorf("mapping pr: %w", err)
	}
	return nil
}

func (s *syncStore) markClosed(ctx context.Context, issue int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE issue_map SET closed = 1 WHERE issue_number = ?`, issue)
	if err != nil {
		return fmt.Errorf("mapping close: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMapping(s scanner) (mapping, error) {
	var m mapping
	err := s.Scan(&m.Issue, &m.TaskID, &m.IssueUpdatedAt,
		&m.ReportedState, &m.PRNumber, &m.Closed)
	return m, err
}

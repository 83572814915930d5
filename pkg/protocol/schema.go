package protocol

// SchemaDDL defines the SQLite schema for the crew state database.
// Tables: agents, tasks, turns, turns_fts (FTS5), events, sync_state,
// issue_map. Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Lifecycle registry: one row per agent, keyed by role
CREATE TABLE IF NOT EXISTS agents (
    role TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    port INTEGER NOT NULL UNIQUE,
    pid INTEGER NOT NULL DEFAULT 0,
    workspace TEXT NOT NULL,
    branch TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    model_options TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'stopped',
    health_failures INTEGER NOT NULL DEFAULT 0,
    restarts INTEGER NOT NULL DEFAULT 0,
    last_heartbeat TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Tasks across all agents; seq orders the per-role FIFO queue
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    origin TEXT NOT NULL DEFAULT 'manual',
    role TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'queued',
    blocked_reason TEXT NOT NULL DEFAULT '',
    fail_reason TEXT NOT NULL DEFAULT '',
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    seq INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    started_at TEXT,
    completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_role_state ON tasks(role, state);

-- Append-only conversation log, one stream per role
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY,
    role TEXT NOT NULL,
    task_id TEXT,
    speaker TEXT NOT NULL,
    content TEXT NOT NULL,
    token_count INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_turns_role ON turns(role, id);

-- FTS5 full-text index over conversation turns for history search
CREATE VIRTUAL TABLE IF NOT EXISTS turns_fts USING fts5(
    content,
    content=turns,
    content_rowid=id
);

-- Triggers to keep the FTS index in sync with turns
CREATE TRIGGER IF NOT EXISTS turns_ai AFTER INSERT ON turns BEGIN
    INSERT INTO turns_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS turns_ad AFTER DELETE ON turns BEGIN
    INSERT INTO turns_fts(turns_fts, rowid, content) VALUES ('delete', old.id, old.content);
END;

CREATE TRIGGER IF NOT EXISTS turns_au AFTER UPDATE ON turns BEGIN
    INSERT INTO turns_fts(turns_fts, rowid, content) VALUES ('delete', old.id, old.content);
    INSERT INTO turns_fts(rowid, content) VALUES (new.id, new.content);
END;

-- Audit trail: lifecycle actions, transitions, routed and dropped messages
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    kind TEXT NOT NULL,
    source TEXT NOT NULL,
    role TEXT,
    task_id TEXT,
    detail TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Synchronizer cursor (single row)
CREATE TABLE IF NOT EXISTS sync_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    last_seen_update TEXT NOT NULL DEFAULT '',
    list_etag TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Tracker issue to task mapping; reported_state deduplicates progress writes
-- and closed marks issues the synchronizer has finished with
CREATE TABLE IF NOT EXISTS issue_map (
    issue_number INTEGER PRIMARY KEY,
    task_id TEXT NOT NULL,
    issue_updated_at TEXT NOT NULL DEFAULT '',
    reported_state TEXT NOT NULL DEFAULT '',
    pr_number INTEGER NOT NULL DEFAULT 0,
    closed INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

package protocol

// SchemaDDL defines the SQLite schema for the Butler state database.
// Tables: tasks, hash_cache, fallback_writes, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Durable task queue: survives process restarts for crash recovery
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    state TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    not_before TEXT,
    result TEXT,
    last_error TEXT,
    enqueued_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks (state, enqueued_at);

-- Per-file content fingerprints for change classification after restart
CREATE TABLE IF NOT EXISTS hash_cache (
    path TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL,
    last_seen TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Overflow store for writes that lost the contention race with the editor
CREATE TABLE IF NOT EXISTS fallback_writes (
    id TEXT PRIMARY KEY,
    original_target TEXT NOT NULL,
    content TEXT NOT NULL,
    mode TEXT NOT NULL DEFAULT 'append',
    source_label TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    origin_timestamp TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Daemon audit log: lifecycle events for status/logs tooling
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    path TEXT,
    task_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_type ON events (type, created_at);
`

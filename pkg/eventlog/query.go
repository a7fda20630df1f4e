// Package eventlog records and queries the daemon's audit trail in the
// events table of the state database. The daemon writes through Writer;
// CLI commands read through Reader, which opens its own read-only
// connection so `butler logs` never blocks a running daemon.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"butler/pkg/protocol"
)

// QueryOpts specifies filter criteria for querying audit events.
type QueryOpts struct {
	// EventType filters to a specific type (e.g., "task_failed")
	EventType string

	// Source filters to a specific emitter (e.g., "taskqueue", "vault")
	Source string

	// TaskID filters to events about one task
	TaskID string

	// After filters events created at or after this time
	After *time.Time

	// Before filters events created at or before this time
	Before *time.Time

	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// Reader provides read-only access to the audit log.
type Reader struct {
	db *sql.DB
}

// NewReader opens the state database in read-only mode with WAL.
// Returns an error if the database doesn't exist or cannot be opened.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	// Read-only with WAL so queries never block the daemon's writers.
	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Reader{db: db}, nil
}

// Close releases the database connection. Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query retrieves audit events matching the given criteria, newest
// first. Returns an empty slice if nothing matches.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]protocol.Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []protocol.Event
	for rows.Next() {
		var e protocol.Event
		var path, taskID, payload sql.NullString

		err := rows.Scan(&e.ID, &e.Type, &e.Source, &path, &taskID, &payload, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Path = path.String
		e.TaskID = taskID.String
		e.Payload = payload.String

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, source, path, task_id, payload, created_at FROM events WHERE 1=1"

	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}

	if opts.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, opts.Source)
	}

	if opts.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, opts.TaskID)
	}

	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(time.RFC3339))
	}

	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format(time.RFC3339))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}

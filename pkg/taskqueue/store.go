// Package taskqueue is the durable work queue behind the daemon. Tasks
// live in the tasks table of the state database so a crash mid-run
// loses nothing: on startup every row still marked running is returned
// to pending and picked up again. Execution is at-least-once; handlers
// are expected to tolerate a replay.
package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"butler/pkg/protocol"
)

// timeFormat is how timestamps are stored in the tasks table.
const timeFormat = time.RFC3339

// Store provides typed access to the tasks table.
type Store struct {
	db *sql.DB

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewStore wraps an already-open state database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

func (s *Store) now() string {
	return s.nowFunc().UTC().Format(timeFormat)
}

// Enqueue inserts a new pending task and returns its ID. The payload
// is stored as JSON; maxAttempts <= 0 falls back to the schema default.
func (s *Store) Enqueue(ctx context.Context, kind string, payload map[string]any, maxAttempts int) (string, error) {
	if kind == "" {
		return "", fmt.Errorf("enqueue: empty kind")
	}
	raw := []byte("{}")
	if len(payload) > 0 {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("enqueue %s: marshal payload: %w", kind, err)
		}
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	id := uuid.NewString()
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, kind, payload, state, attempts, max_attempts, not_before, enqueued_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, kind, string(raw), protocol.TaskPending, maxAttempts, now, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return id, nil
}

// RecoverRunning returns every task left in the running state by a
// previous process to pending, immediately eligible. Returns how many
// rows were recovered.
func (s *Store) RecoverRunning(ctx context.Context) (int, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, not_before = ?, updated_at = ? WHERE state = ?`,
		protocol.TaskPending, now, now, protocol.TaskRunning)
	if err != nil {
		return 0, fmt.Errorf("recover running tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover running tasks: %w", err)
	}
	return int(n), nil
}

// ReleaseDeferred flips deferred tasks back to pending so the next
// worker pass re-consults the throttle gate. Returns how many were
// released.
func (s *Store) ReleaseDeferred(ctx context.Context) (int, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, not_before = ?, updated_at = ? WHERE state = ?`,
		protocol.TaskPending, now, now, protocol.TaskDeferred)
	if err != nil {
		return 0, fmt.Errorf("release deferred tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release deferred tasks: %w", err)
	}
	return int(n), nil
}

// NextPending returns the oldest eligible pending task without claiming
// it, or nil when nothing is eligible. The caller decides whether the
// task may run and then claims it with ClaimPending; the gap between
// the two is closed by ClaimPending's state guard.
func (s *Store) NextPending(ctx context.Context) (*protocol.Task, error) {
	var t protocol.Task
	var notBefore, result, lastErr sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, payload, state, attempts, max_attempts, not_before, result, last_error, enqueued_at, updated_at
		 FROM tasks
		 WHERE state = ? AND (not_before IS NULL OR not_before <= ?)
		 ORDER BY enqueued_at, id
		 LIMIT 1`,
		protocol.TaskPending, s.now()).
		Scan(&t.ID, &t.Kind, &t.Payload, &t.State, &t.Attempts, &t.MaxAttempts,
			&notBefore, &result, &lastErr, &t.EnqueuedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending task: %w", err)
	}
	t.NotBefore = notBefore.String
	t.Result = result.String
	t.LastError = lastErr.String
	return &t, nil
}

// ClaimPending moves one pending task to running. Returns false when
// the row is no longer pending: another worker won it, or it was
// deferred in the meantime.
func (s *Store) ClaimPending(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		protocol.TaskRunning, s.now(), id, protocol.TaskPending)
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", id, err)
	}
	return n > 0, nil
}

// MarkSucceeded finishes a task, consuming the attempt that ran it.
func (s *Store) MarkSucceeded(ctx context.Context, id, result string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, attempts = attempts + 1, result = ?, updated_at = ? WHERE id = ?`,
		protocol.TaskSucceeded, result, s.now(), id)
	if err != nil {
		return fmt.Errorf("mark task %s succeeded: %w", id, err)
	}
	return nil
}

// MarkRetry records a failed attempt and schedules the task to run
// again no earlier than notBefore.
func (s *Store) MarkRetry(ctx context.Context, id, lastError string, notBefore time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, attempts = attempts + 1, last_error = ?, not_before = ?, updated_at = ? WHERE id = ?`,
		protocol.TaskPending, lastError, notBefore.UTC().Format(timeFormat), s.now(), id)
	if err != nil {
		return fmt.Errorf("mark task %s for retry: %w", id, err)
	}
	return nil
}

// MarkFailed records the final failed attempt; the task will not run
// again.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		protocol.TaskFailed, lastError, s.now(), id)
	if err != nil {
		return fmt.Errorf("mark task %s failed: %w", id, err)
	}
	return nil
}

// MarkDeferred parks a still-pending task because the machine is under
// pressure. The attempt is NOT consumed: deferral is the system's
// fault, not the task's. A row that already left pending is untouched.
func (s *Store) MarkDeferred(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, last_error = ?, updated_at = ? WHERE id = ? AND state = ?`,
		protocol.TaskDeferred, reason, s.now(), id, protocol.TaskPending)
	if err != nil {
		return fmt.Errorf("mark task %s deferred: %w", id, err)
	}
	return nil
}

// Get returns one task by ID, or nil if absent.
func (s *Store) Get(ctx context.Context, id string) (*protocol.Task, error) {
	var t protocol.Task
	var notBefore, result, lastErr sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, payload, state, attempts, max_attempts, not_before, result, last_error, enqueued_at, updated_at
		 FROM tasks WHERE id = ?`, id).
		Scan(&t.ID, &t.Kind, &t.Payload, &t.State, &t.Attempts, &t.MaxAttempts,
			&notBefore, &result, &lastErr, &t.EnqueuedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	t.NotBefore = notBefore.String
	t.Result = result.String
	t.LastError = lastErr.String
	return &t, nil
}

// Counts returns the number of tasks per state, for status output.
func (s *Store) Counts(ctx context.Context) (map[protocol.TaskState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[protocol.TaskState]int)
	for rows.Next() {
		var state protocol.TaskState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("count tasks: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// StarvedSince returns unfinished tasks enqueued at or before cutoff,
// oldest first. Used to surface work the throttle gate keeps deferring.
func (s *Store) StarvedSince(ctx context.Context, cutoff time.Time) ([]protocol.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, attempts, state, enqueued_at FROM tasks
		 WHERE state IN (?, ?) AND enqueued_at <= ?
		 ORDER BY enqueued_at`,
		protocol.TaskPending, protocol.TaskDeferred, cutoff.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("query starved tasks: %w", err)
	}
	defer rows.Close()

	var tasks []protocol.Task
	for rows.Next() {
		var t protocol.Task
		if err := rows.Scan(&t.ID, &t.Kind, &t.Attempts, &t.State, &t.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan starved task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

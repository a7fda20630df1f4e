package safewrite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"butler/pkg/protocol"
)

// FallbackStore is the durable overflow for writes that lost the
// contention race. Entries stay until the reconciler delivers them to
// their original targets.
type FallbackStore struct {
	db *sql.DB

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewFallbackStore wraps an already-open state database.
func NewFallbackStore(db *sql.DB) *FallbackStore {
	return &FallbackStore{db: db, nowFunc: time.Now}
}

// Add records undelivered content for later reconciliation and returns
// the entry ID.
func (f *FallbackStore) Add(ctx context.Context, target, content string, mode protocol.WriteMode, sourceLabel string) (string, error) {
	id := uuid.NewString()
	_, err := f.db.ExecContext(ctx,
		`INSERT INTO fallback_writes (id, original_target, content, mode, source_label, retry_count, origin_timestamp)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		id, target, content, mode, sourceLabel, f.nowFunc().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("store fallback write for %s: %w", target, err)
	}
	return id, nil
}

// List returns all undelivered entries, oldest first.
func (f *FallbackStore) List(ctx context.Context) ([]protocol.FallbackWrite, error) {
	rows, err := f.db.QueryContext(ctx,
		`SELECT id, original_target, content, mode, source_label, retry_count, origin_timestamp
		 FROM fallback_writes ORDER BY origin_timestamp, id`)
	if err != nil {
		return nil, fmt.Errorf("list fallback writes: %w", err)
	}
	defer rows.Close()

	var entries []protocol.FallbackWrite
	for rows.Next() {
		var e protocol.FallbackWrite
		if err := rows.Scan(&e.ID, &e.OriginalTarget, &e.Content, &e.Mode,
			&e.SourceLabel, &e.RetryCount, &e.OriginTimestamp); err != nil {
			return nil, fmt.Errorf("scan fallback write: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes a delivered entry.
func (f *FallbackStore) Delete(ctx context.Context, id string) error {
	if _, err := f.db.ExecContext(ctx, `DELETE FROM fallback_writes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete fallback write %s: %w", id, err)
	}
	return nil
}

// IncrementRetry bumps the delivery attempt counter after a failed
// reconciliation pass.
func (f *FallbackStore) IncrementRetry(ctx context.Context, id string) error {
	if _, err := f.db.ExecContext(ctx,
		`UPDATE fallback_writes SET retry_count = retry_count + 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("bump fallback retry %s: %w", id, err)
	}
	return nil
}

// Count returns the number of undelivered entries, for status output.
func (f *FallbackStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := f.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fallback_writes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fallback writes: %w", err)
	}
	return n, nil
}

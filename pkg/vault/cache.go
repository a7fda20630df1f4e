// Package vault watches the note directory for content changes and
// classifies each one as self-originated, no-op, or genuinely external.
// Only external changes reach the event bus; that classification is
// what keeps the daemon's own writes from re-triggering the pipeline.
package vault

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"butler/pkg/protocol"
)

// HashCache persists one content hash per tracked vault file. It is
// the durable half of change classification: after a restart the cache
// tells us which files actually changed while the daemon was down.
type HashCache struct {
	db *sql.DB

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewHashCache wraps an already-open state database.
func NewHashCache(db *sql.DB) *HashCache {
	return &HashCache{db: db, nowFunc: time.Now}
}

// Get returns the cached hash for path, with ok=false when untracked.
func (c *HashCache) Get(ctx context.Context, path string) (string, bool, error) {
	var hash string
	err := c.db.QueryRowContext(ctx,
		`SELECT content_hash FROM hash_cache WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hash cache get %s: %w", path, err)
	}
	return hash, true, nil
}

// Put records the current hash for path.
func (c *HashCache) Put(ctx context.Context, path, hash string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO hash_cache (path, content_hash, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET content_hash = excluded.content_hash, last_seen = excluded.last_seen`,
		path, hash, c.nowFunc().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("hash cache put %s: %w", path, err)
	}
	return nil
}

// Delete forgets a path, used when its file disappears from the vault.
func (c *HashCache) Delete(ctx context.Context, path string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM hash_cache WHERE path = ?`, path); err != nil {
		return fmt.Errorf("hash cache delete %s: %w", path, err)
	}
	return nil
}

// All returns every tracked entry, for the startup reconciliation walk.
func (c *HashCache) All(ctx context.Context) ([]protocol.HashEntry, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT path, content_hash, last_seen FROM hash_cache`)
	if err != nil {
		return nil, fmt.Errorf("hash cache list: %w", err)
	}
	defer rows.Close()

	var entries []protocol.HashEntry
	for rows.Next() {
		var e protocol.HashEntry
		if err := rows.Scan(&e.Path, &e.ContentHash, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("scan hash entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of tracked files, for status output.
func (c *HashCache) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hash_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("hash cache count: %w", err)
	}
	return n, nil
}

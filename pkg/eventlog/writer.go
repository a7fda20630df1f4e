package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Entry is one audit event to append. Type is required; everything
// else is optional context.
type Entry struct {
	Type   string
	Source string
	Path   string
	TaskID string
	Extra  map[string]any
}

// Writer appends audit events to the events table using the daemon's
// shared database handle. Recording is best-effort: a failed insert is
// logged and swallowed so the audit trail can never take down the
// operation it describes.
type Writer struct {
	db  *sql.DB
	log *zap.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewWriter wraps an already-open state database.
func NewWriter(db *sql.DB, log *zap.Logger) *Writer {
	return &Writer{db: db, log: log, nowFunc: time.Now}
}

// Record appends one audit event. Extra is stored as JSON in the
// payload column.
func (w *Writer) Record(ctx context.Context, e Entry) {
	payload := ""
	if len(e.Extra) > 0 {
		raw, err := json.Marshal(e.Extra)
		if err != nil {
			w.log.Warn("marshal audit payload", zap.String("type", e.Type), zap.Error(err))
		} else {
			payload = string(raw)
		}
	}

	_, err := w.db.ExecContext(ctx,
		`INSERT INTO events (type, source, path, task_id, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Type, e.Source, e.Path, e.TaskID, payload,
		w.nowFunc().UTC().Format(time.RFC3339),
	)
	if err != nil {
		w.log.Warn("record audit event",
			zap.String("type", e.Type),
			zap.String("source", e.Source),
			zap.Error(err))
	}
}

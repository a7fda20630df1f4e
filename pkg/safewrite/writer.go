// Package safewrite mutates vault files that an external editor may
// also have open, without relying on advisory locks the editor ignores.
// Each write records the target's mtime, waits out a recency window if
// the file was just touched, re-checks the mtime immediately before
// acting, registers a write receipt for the watcher, then lands the
// content via temp-file-plus-atomic-rename. Persistent contention
// diverts the content to a durable fallback store that a background
// reconciler drains.
package safewrite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"butler/pkg/bus"
	"butler/pkg/config"
	"butler/pkg/eventlog"
	"butler/pkg/protocol"
)

// ErrContended is returned when every attempt found the target mid-edit
// and the content went to the fallback store instead. The content is
// durably persisted; callers must not retry.
var ErrContended = errors.New("safewrite: target contended, content diverted to fallback store")

// Writer implements the safe write protocol against one vault.
type Writer struct {
	log      *zap.Logger
	receipts *Receipts
	locks    *PathLocks
	fallback *FallbackStore
	audit    *eventlog.Writer
	evb      *bus.Bus
	cfg      config.WriteConfig

	// nowFunc and sleepFunc allow tests to control time.
	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewWriter wires the protocol together. The receipts table and lock
// table must be the same instances the vault watcher uses.
func NewWriter(log *zap.Logger, receipts *Receipts, locks *PathLocks, fallback *FallbackStore,
	audit *eventlog.Writer, evb *bus.Bus, cfg config.WriteConfig) *Writer {
	return &Writer{
		log:       log,
		receipts:  receipts,
		locks:     locks,
		fallback:  fallback,
		audit:     audit,
		evb:       evb,
		cfg:       cfg,
		nowFunc:   time.Now,
		sleepFunc: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Write replaces the whole target file with content.
func (w *Writer) Write(ctx context.Context, path, content, sourceLabel string) error {
	return w.write(ctx, path, content, sourceLabel, protocol.WriteReplace)
}

// Append adds text to the end of the target file, creating it if
// absent. The read-compose-write sequence runs entirely inside the
// stability window so a concurrent external edit forces a clean retry
// instead of clobbering.
func (w *Writer) Append(ctx context.Context, path, text, sourceLabel string) error {
	return w.write(ctx, path, text, sourceLabel, protocol.WriteAppend)
}

// composeFor builds the final file content from what is on disk right
// now. Replace ignores the existing content; append splices after it.
func composeFor(mode protocol.WriteMode, payload string) func(existing string) string {
	if mode == protocol.WriteAppend {
		return func(existing string) string {
			if existing == "" {
				return payload
			}
			if existing[len(existing)-1] != '\n' {
				return existing + "\n" + payload
			}
			return existing + payload
		}
	}
	return func(string) string { return payload }
}

// write runs the attempt loop. The per-path lock is held only for the
// duration of each attempt, never across a backoff sleep, so the
// watcher can keep classifying the path (and every other path) while a
// contended write waits. On exhaustion the raw payload (not a stale
// composition) is diverted to the fallback store so delivery can
// re-compose against a fresh read.
func (w *Writer) write(ctx context.Context, path, payload, sourceLabel string, mode protocol.WriteMode) error {
	compose := composeFor(mode, payload)
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		done, err := w.lockedAttempt(path, compose)
		if err != nil {
			return fmt.Errorf("safe write %s: %w", path, err)
		}
		if done {
			if attempt > 1 {
				w.log.Info("write landed after contention",
					zap.String("path", path), zap.Int("attempt", attempt))
			}
			return nil
		}

		w.log.Debug("target unstable, backing off",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", w.cfg.MaxAttempts))
		if attempt < w.cfg.MaxAttempts {
			if err := w.sleepFunc(ctx, w.cfg.RetryInterval.Std()); err != nil {
				return fmt.Errorf("safe write %s: %w", path, err)
			}
		}
	}

	return w.divert(ctx, path, payload, sourceLabel, mode)
}

// lockedAttempt runs one pass of the protocol under the per-path lock.
func (w *Writer) lockedAttempt(path string, compose func(string) string) (bool, error) {
	unlock := w.locks.Lock(path)
	defer unlock()
	return w.attempt(path, compose)
}

// attempt performs one pass of the protocol. done=false means the
// target looked mid-edit and the caller should back off and retry.
func (w *Writer) attempt(path string, compose func(string) string) (done bool, err error) {
	pre, err := statMtime(path)
	if err != nil {
		return false, err
	}

	// A very recent mtime means the editor may still be flushing.
	if pre != nil && w.nowFunc().Sub(*pre) < w.cfg.RecencyWindow.Std() {
		return false, nil
	}

	existing := ""
	if pre != nil {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil // deleted under us, retry
			}
			return false, err
		}
		existing = string(raw)
	}

	content := compose(existing)

	// Double-check: the mtime must not have moved between the read
	// above and the write below.
	cur, err := statMtime(path)
	if err != nil {
		return false, err
	}
	if !mtimeEqual(pre, cur) {
		return false, nil
	}

	// Receipt before rename, so the watcher classifies the resulting
	// notification as self-originated.
	w.receipts.Add(path, HashContent([]byte(content)))

	if err := atomicWrite(path, []byte(content)); err != nil {
		return false, err
	}
	return true, nil
}

// divert persists the content durably when the target never stabilized.
func (w *Writer) divert(ctx context.Context, path, content, sourceLabel string, mode protocol.WriteMode) error {
	id, err := w.fallback.Add(ctx, path, content, mode, sourceLabel)
	if err != nil {
		// Last resort: the state database itself is failing. Append to
		// the overflow note next to the target so nothing is lost.
		w.log.Error("fallback store unavailable, using overflow note",
			zap.String("path", path), zap.Error(err))
		return w.overflowNote(path, content, sourceLabel)
	}

	w.log.Error("write contended, diverted to fallback store",
		zap.String("path", path),
		zap.String("fallback_id", id),
		zap.Int("attempts", w.cfg.MaxAttempts),
		zap.String("source", sourceLabel))
	w.audit.Record(ctx, eventlog.Entry{
		Type:   protocol.AuditWriteFallback,
		Source: "safewrite",
		Path:   path,
		Extra:  map[string]any{"fallback_id": id, "source_label": sourceLabel},
	})
	w.evb.Publish(protocol.EventPipelineError, "safewrite", bus.Payload{
		"stage": "safewrite",
		"error": "write contended, diverted to fallback store",
		"path":  path,
	})
	return fmt.Errorf("safe write %s: %w", path, ErrContended)
}

// overflowNote is the absolute last resort when both the target and the
// state database are unavailable: a plain append next to the target.
func (w *Writer) overflowNote(target, content, sourceLabel string) error {
	note := filepath.Join(filepath.Dir(target), protocol.FallbackNote)
	entry := fmt.Sprintf("\n---\noriginal_target: %s\nsource_label: %s\norigin_timestamp: %s\n---\n%s\n",
		target, sourceLabel, w.nowFunc().UTC().Format(time.RFC3339), content)

	f, err := os.OpenFile(note, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("overflow note %s: %w", note, err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("overflow note %s: %w", note, err)
	}
	return f.Sync()
}

// --- filesystem helpers ---

// statMtime returns the file's mtime, or nil if it does not exist.
func statMtime(path string) (*time.Time, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	mt := fi.ModTime()
	return &mt, nil
}

func mtimeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// atomicWrite lands content at path via a temp file in the same
// directory, fsyncing both the file and the directory so the rename
// survives a crash.
func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

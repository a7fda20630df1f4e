package safewrite

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"butler/pkg/protocol"
)

// ReconcileOnce attempts to deliver every fallback entry to its
// original target with the same stability checks as a live write.
// Delivered entries are removed; the rest get their retry counter
// bumped and wait for the next pass. Returns how many were delivered.
func (w *Writer) ReconcileOnce(ctx context.Context) (int, error) {
	entries, err := w.fallback.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile fallback writes: %w", err)
	}

	delivered := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if err := w.deliver(e); err != nil {
			w.log.Debug("fallback entry still undeliverable",
				zap.String("fallback_id", e.ID),
				zap.String("target", e.OriginalTarget),
				zap.Int("retry_count", e.RetryCount+1),
				zap.Error(err))
			if err := w.fallback.IncrementRetry(ctx, e.ID); err != nil {
				w.log.Error("bump fallback retry", zap.String("fallback_id", e.ID), zap.Error(err))
			}
			continue
		}

		if err := w.fallback.Delete(ctx, e.ID); err != nil {
			// Delete failure means the entry will be delivered again
			// next pass; append mode tolerates that worse than replace,
			// so make it loud.
			w.log.Error("delivered fallback entry but could not remove it",
				zap.String("fallback_id", e.ID), zap.Error(err))
			continue
		}
		delivered++
		w.log.Info("fallback entry delivered",
			zap.String("fallback_id", e.ID),
			zap.String("target", e.OriginalTarget),
			zap.String("source", e.SourceLabel))
	}
	return delivered, nil
}

// deliver runs one bounded-attempt write of a fallback entry. Unlike
// the live path, failure does not re-divert; the entry simply stays in
// the store.
func (w *Writer) deliver(e protocol.FallbackWrite) error {
	done, err := w.lockedAttempt(e.OriginalTarget, composeFor(e.Mode, e.Content))
	if err != nil {
		return err
	}
	if !done {
		return errors.New("target still unstable")
	}
	return nil
}

// FallbackCount exposes the undelivered backlog for status output.
func (w *Writer) FallbackCount(ctx context.Context) (int, error) {
	return w.fallback.Count(ctx)
}

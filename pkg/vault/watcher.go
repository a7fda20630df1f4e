package vault

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"butler/pkg/bus"
	"butler/pkg/eventlog"
	"butler/pkg/protocol"
	"butler/pkg/safewrite"
)

// fallbackPollInterval is the safety-net re-scan cadence when fsnotify
// events get lost (editor swap-file dances, network mounts).
const fallbackPollInterval = 2 * time.Minute

// Watcher observes the vault tree with OS-level notifications and
// publishes file.changed events for genuinely external edits. It shares
// the receipt table and the per-path lock table with the safe write
// path so classification never races a write in flight.
type Watcher struct {
	log      *zap.Logger
	evb      *bus.Bus
	receipts *safewrite.Receipts
	locks    *safewrite.PathLocks
	cache    *HashCache
	audit    *eventlog.Writer
	root     string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewWatcher builds a watcher over root. The receipts and locks must be
// the same instances handed to the safe write path.
func NewWatcher(log *zap.Logger, evb *bus.Bus, receipts *safewrite.Receipts,
	locks *safewrite.PathLocks, cache *HashCache, audit *eventlog.Writer, root string) *Watcher {
	return &Watcher{
		log:      log,
		evb:      evb,
		receipts: receipts,
		locks:    locks,
		cache:    cache,
		audit:    audit,
		root:     root,
		nowFunc:  time.Now,
	}
}

// Start reconciles the persisted cache against the current tree, then
// launches the notification loop. Reconciliation runs before watching
// so changes made while the daemon was down surface exactly once.
// Watches are registered before Start returns; only event handling is
// asynchronous.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Reconcile(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Fall back to pure polling if fsnotify fails
		w.log.Warn("fsnotify unavailable, polling only", zap.Error(err))
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.pollLoop(runCtx)
		}()
		return nil
	}
	if err := w.addWatches(watcher); err != nil {
		w.log.Warn("watch setup failed, polling only", zap.Error(err))
		_ = watcher.Close()
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.pollLoop(runCtx)
		}()
		return nil
	}

	w.wg.Add(1)
	go w.watchLoop(runCtx, watcher)
	return nil
}

// Stop halts the notification loop.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// --- notification loop ---

func (w *Watcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	defer func() { _ = watcher.Close() }()

	// Fallback poll as safety net
	fallbackTicker := time.NewTicker(fallbackPollInterval)
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, watcher, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.log.Warn("watcher error", zap.Error(err))
				w.audit.Record(ctx, eventlog.Entry{
					Type:   protocol.AuditWatcherError,
					Source: "vault",
					Extra:  map[string]any{"error": err.Error()},
				})
			}
		case <-fallbackTicker.C:
			if err := w.Reconcile(ctx); err != nil {
				w.log.Warn("fallback scan failed", zap.Error(err))
			}
		}
	}
}

// pollLoop is the degraded mode when fsnotify is unavailable.
func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(fallbackPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Reconcile(ctx); err != nil {
				w.log.Warn("poll scan failed", zap.Error(err))
			}
		}
	}
}

// addWatches registers the root and every non-hidden subdirectory.
func (w *Watcher) addWatches(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func (w *Watcher) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if hidden(name) {
		return // dotfiles and our own .*.tmp rename sources
	}

	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := watcher.Add(ev.Name); err != nil {
				w.log.Warn("watch new directory", zap.String("path", ev.Name), zap.Error(err))
			}
			if err := w.reconcileDir(ctx, ev.Name); err != nil {
				w.log.Warn("scan new directory", zap.String("path", ev.Name), zap.Error(err))
			}
			return
		}
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if _, err := os.Stat(ev.Name); os.IsNotExist(err) {
			w.dispatch(func() { w.forget(ctx, ev.Name) })
			return
		}
	}

	if !tracked(ev.Name) {
		return
	}
	w.dispatch(func() { w.classify(ctx, ev.Name) })
}

// dispatch runs fn off the notification loop. Classification and
// forgetting both take the per-path lock, which a safe write holds for
// the duration of an attempt; the loop must keep draining events for
// other paths in the meantime.
func (w *Watcher) dispatch(fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// --- classification ---

// classify decides what one change notification means. It runs under
// the per-path lock so a safe write on the same file cannot interleave
// between the hash read and the cache update.
func (w *Watcher) classify(ctx context.Context, path string) {
	unlock := w.locks.Lock(path)
	defer unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			w.forgetLocked(ctx, path)
			return
		}
		w.log.Warn("read changed file", zap.String("path", path), zap.Error(err))
		return
	}
	newHash := safewrite.HashContent(raw)

	oldHash, known, err := w.cache.Get(ctx, path)
	if err != nil {
		w.log.Error("hash cache lookup", zap.String("path", path), zap.Error(err))
		return
	}
	if known && oldHash == newHash {
		return // metadata-only touch, notification noise
	}

	if w.receipts.Match(path, newHash) {
		// Our own write landing. Track it, tell no one.
		if err := w.cache.Put(ctx, path, newHash); err != nil {
			w.log.Error("hash cache update", zap.String("path", path), zap.Error(err))
		}
		w.log.Debug("own write observed", zap.String("path", path))
		return
	}

	// External change. A receipt with a different hash also lands here:
	// dropping a real external edit is worse than one redundant
	// re-index.
	if err := w.cache.Put(ctx, path, newHash); err != nil {
		w.log.Error("hash cache update", zap.String("path", path), zap.Error(err))
		return
	}
	w.log.Info("external change", zap.String("path", path))
	w.audit.Record(ctx, eventlog.Entry{
		Type:   protocol.AuditFileChanged,
		Source: "vault",
		Path:   path,
	})
	w.evb.Publish(protocol.EventFileChanged, "vault", bus.Payload{
		"path":     path,
		"old_hash": oldHash,
		"new_hash": newHash,
		"ts":       w.nowFunc().UTC().Format(time.RFC3339),
	})
}

func (w *Watcher) forget(ctx context.Context, path string) {
	unlock := w.locks.Lock(path)
	defer unlock()
	w.forgetLocked(ctx, path)
}

func (w *Watcher) forgetLocked(ctx context.Context, path string) {
	if err := w.cache.Delete(ctx, path); err != nil {
		w.log.Error("hash cache delete", zap.String("path", path), zap.Error(err))
	}
}

// --- reconciliation ---

// Reconcile walks the tree once and classifies every file whose on-disk
// hash differs from the cache, then forgets cache entries whose files
// are gone. Bounds post-downtime work to actual differences instead of
// re-processing the whole vault.
func (w *Watcher) Reconcile(ctx context.Context) error {
	if err := w.reconcileDir(ctx, w.root); err != nil {
		return err
	}

	entries, err := w.cache.All(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := os.Stat(e.Path); os.IsNotExist(err) {
			w.forget(ctx, e.Path)
		}
	}
	return nil
}

func (w *Watcher) reconcileDir(ctx context.Context, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != dir && hidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if hidden(d.Name()) || !tracked(path) {
			return nil
		}
		w.classify(ctx, path)
		return nil
	})
}

// --- path filters ---

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// tracked limits watching to note files; editors drop all kinds of
// sidecar files in a vault.
func tracked(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt":
		return true
	}
	return false
}

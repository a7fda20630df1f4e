package vault //nolint:testpackage // white-box tests need access to unexported fields

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"butler/pkg/bus"
	"butler/pkg/eventlog"
	"butler/pkg/protocol"
	"butler/pkg/safewrite"
)

type changeRecorder struct {
	mu     sync.Mutex
	events []bus.Payload
}

func (r *changeRecorder) handle(sender string, p bus.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *changeRecorder) countFor(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.events {
		if p["path"] == path {
			n++
		}
	}
	return n
}

func (r *changeRecorder) last() bus.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func newTestWatcher(t *testing.T) (*Watcher, *safewrite.Receipts, *changeRecorder, string) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.ExecContext(context.Background(), protocol.SchemaDDL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	root := t.TempDir()
	evb := bus.New(zap.NewNop())
	rec := &changeRecorder{}
	evb.Subscribe(protocol.EventFileChanged, rec.handle)

	receipts := safewrite.NewReceipts()
	w := NewWatcher(zap.NewNop(), evb, receipts, safewrite.NewPathLocks(),
		NewHashCache(db), eventlog.NewWriter(db, zap.NewNop()), root)
	return w, receipts, rec, root
}

func writeNote(t *testing.T, root, name, content string) string {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write note: %v", err)
	}
	return path
}

func TestClassifyExternalChange(t *testing.T) {
	t.Parallel()

	w, _, rec, root := newTestWatcher(t)
	path := writeNote(t, root, "inbox.md", "first draft")
	ctx := context.Background()

	w.classify(ctx, path)
	if rec.count() != 1 {
		t.Fatalf("expected 1 file.changed, got %d", rec.count())
	}
	p := rec.last()
	if p["path"] != path {
		t.Fatalf("payload path = %v", p["path"])
	}
	if p["old_hash"] != "" {
		t.Fatalf("old_hash for new file = %v", p["old_hash"])
	}
	if p["new_hash"] != safewrite.HashContent([]byte("first draft")) {
		t.Fatalf("new_hash = %v", p["new_hash"])
	}
}

func TestClassifyNoOpOnSameContent(t *testing.T) {
	t.Parallel()

	w, _, rec, root := newTestWatcher(t)
	path := writeNote(t, root, "inbox.md", "stable")
	ctx := context.Background()

	w.classify(ctx, path)
	w.classify(ctx, path) // metadata-only touch: hash unchanged
	if rec.count() != 1 {
		t.Fatalf("expected 1 event for 2 notifications, got %d", rec.count())
	}
}

func TestClassifySuppressesOwnWrite(t *testing.T) {
	t.Parallel()

	w, receipts, rec, root := newTestWatcher(t)
	path := writeNote(t, root, "daily.md", "old")
	ctx := context.Background()
	w.classify(ctx, path)

	// A safe write registers its receipt, then the rename lands.
	receipts.Add(path, safewrite.HashContent([]byte("old\n- butler line\n")))
	writeNote(t, root, "daily.md", "old\n- butler line\n")

	w.classify(ctx, path)
	if rec.count() != 1 {
		t.Fatalf("own write published an event: %d events", rec.count())
	}

	// The cache still advanced: a later identical notification is a no-op,
	// and a later external edit diffs against the new content.
	hash, ok, err := w.cache.Get(ctx, path)
	if err != nil || !ok {
		t.Fatalf("cache get: %v %v", ok, err)
	}
	if hash != safewrite.HashContent([]byte("old\n- butler line\n")) {
		t.Fatalf("cache not advanced after own write: %s", hash)
	}
}

func TestClassifyReceiptHashMismatchIsExternal(t *testing.T) {
	t.Parallel()

	w, receipts, rec, root := newTestWatcher(t)
	path := writeNote(t, root, "daily.md", "old")
	ctx := context.Background()
	w.classify(ctx, path)

	// Receipt outstanding, but the file ends up with different content:
	// the editor won the race. Conservative call: external.
	receipts.Add(path, safewrite.HashContent([]byte("what butler meant to write")))
	writeNote(t, root, "daily.md", "what the user typed")

	w.classify(ctx, path)
	if rec.count() != 2 {
		t.Fatalf("expected mismatch to classify as external, got %d events", rec.count())
	}
}

func TestReconcileDetectsOfflineChanges(t *testing.T) {
	t.Parallel()

	w, _, rec, root := newTestWatcher(t)
	kept := writeNote(t, root, "notes/kept.md", "same")
	changed := writeNote(t, root, "notes/changed.md", "before")
	removed := writeNote(t, root, "notes/removed.md", "doomed")
	ctx := context.Background()

	if err := w.Reconcile(ctx); err != nil {
		t.Fatalf("initial reconcile: %v", err)
	}
	initial := rec.count()
	if initial != 3 {
		t.Fatalf("initial reconcile events = %d, want 3", initial)
	}

	// Daemon goes down; the vault changes underneath it.
	writeNote(t, root, "notes/changed.md", "after")
	if err := os.Remove(removed); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if err := w.Reconcile(ctx); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if rec.count() != initial+1 {
		t.Fatalf("expected exactly 1 new event, got %d", rec.count()-initial)
	}
	if rec.last()["path"] != changed {
		t.Fatalf("changed path = %v", rec.last()["path"])
	}

	if _, ok, _ := w.cache.Get(ctx, removed); ok {
		t.Fatal("removed file still tracked")
	}
	if _, ok, _ := w.cache.Get(ctx, kept); !ok {
		t.Fatal("kept file lost from cache")
	}
}

func TestReconcileSkipsHiddenAndUntracked(t *testing.T) {
	t.Parallel()

	w, _, rec, root := newTestWatcher(t)
	writeNote(t, root, ".obsidian/workspace.json", "{}")
	writeNote(t, root, ".daily.md.123.tmp", "partial")
	writeNote(t, root, "image-cache.bin", "xxxx")
	writeNote(t, root, "real.md", "note")

	if err := w.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected only real.md to surface, got %d events", rec.count())
	}
}

func TestWatcherLockedPathDoesNotStallOthers(t *testing.T) {
	t.Parallel()

	w, _, rec, root := newTestWatcher(t)
	ctx := context.Background()
	busy := writeNote(t, root, "busy.md", "draft")

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()
	if rec.countFor(busy) != 1 {
		t.Fatalf("initial reconcile events for busy.md = %d, want 1", rec.countFor(busy))
	}

	// A safe write attempt holds busy.md's lock; classification for that
	// path must wait, everything else must not.
	unlock := w.locks.Lock(busy)
	released := false
	release := func() {
		if !released {
			released = true
			unlock()
		}
	}
	defer release()

	writeNote(t, root, "busy.md", "external edit under contention")
	free := writeNote(t, root, "free.md", "unrelated note")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && rec.countFor(free) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if rec.countFor(free) == 0 {
		t.Fatal("free.md change not published while another path was locked")
	}
	if rec.countFor(busy) != 1 {
		t.Fatalf("busy.md classified while its lock was held: %d events", rec.countFor(busy))
	}

	// Once the lock is released the parked classification goes through.
	release()
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && rec.countFor(busy) < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if rec.countFor(busy) < 2 {
		t.Fatal("busy.md change never surfaced after the lock was released")
	}
}

func TestWatcherPublishesOnLiveEdit(t *testing.T) {
	t.Parallel()

	w, _, rec, root := newTestWatcher(t)
	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	writeNote(t, root, "live.md", "typed externally")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec.count() >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rec.count() < 1 {
		t.Fatal("no file.changed after live edit")
	}
	if rec.last()["path"] != filepath.Join(root, "live.md") {
		t.Fatalf("path = %v", rec.last()["path"])
	}
}

package taskqueue //nolint:testpackage // white-box tests need access to unexported fields

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"butler/pkg/protocol"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.ExecContext(context.Background(), protocol.SchemaDDL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

// claimOldest does what a worker does: peek the oldest eligible pending
// task and move it to running. Returns nil when nothing is eligible.
func claimOldest(t *testing.T, s *Store) *protocol.Task {
	t.Helper()
	ctx := context.Background()
	task, err := s.NextPending(ctx)
	if err != nil {
		t.Fatalf("next pending: %v", err)
	}
	if task == nil {
		return nil
	}
	ok, err := s.ClaimPending(ctx, task.ID)
	if err != nil {
		t.Fatalf("claim %s: %v", task.ID, err)
	}
	if !ok {
		t.Fatalf("task %s not claimable", task.ID)
	}
	task.State = protocol.TaskRunning
	return task
}

func TestEnqueueAndClaim(t *testing.T) {
	t.Parallel()

	s := NewStore(openTestDB(t))
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "route_note", map[string]any{"text": "hi"}, 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task := claimOldest(t, s)
	if task == nil || task.ID != id {
		t.Fatalf("claimed %+v, want id %s", task, id)
	}
	if task.State != protocol.TaskRunning {
		t.Fatalf("claimed state = %s", task.State)
	}

	// A second claim of the same row reports the lost race.
	ok, err := s.ClaimPending(ctx, id)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if ok {
		t.Fatal("claimed a running task")
	}

	// Nothing else is eligible while the first is running.
	if again := claimOldest(t, s); again != nil {
		t.Fatalf("expected nothing claimable, got %+v", again)
	}
}

func TestClaimOrderIsFIFO(t *testing.T) {
	t.Parallel()

	s := NewStore(openTestDB(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }
	first, _ := s.Enqueue(ctx, "a", nil, 1)
	s.nowFunc = func() time.Time { return base.Add(time.Second) }
	second, _ := s.Enqueue(ctx, "b", nil, 1)

	got, err := s.NextPending(ctx)
	if err != nil || got == nil {
		t.Fatalf("next pending: %v %v", got, err)
	}
	if got.ID != first {
		t.Fatalf("offered %s first, want %s (then %s)", got.ID, first, second)
	}
}

func TestRetryRespectsNotBefore(t *testing.T) {
	t.Parallel()

	s := NewStore(openTestDB(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }
	id, _ := s.Enqueue(ctx, "flaky", nil, 3)

	if task := claimOldest(t, s); task == nil {
		t.Fatal("expected a claim")
	}
	if err := s.MarkRetry(ctx, id, "boom", base.Add(time.Minute)); err != nil {
		t.Fatalf("mark retry: %v", err)
	}

	// Still inside the backoff window: not claimable.
	if got := claimOldest(t, s); got != nil {
		t.Fatalf("claimed %+v before not_before", got)
	}

	// After the window it comes back with the attempt recorded.
	s.nowFunc = func() time.Time { return base.Add(2 * time.Minute) }
	got := claimOldest(t, s)
	if got == nil {
		t.Fatal("expected claim after window")
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError != "boom" {
		t.Fatalf("last_error = %q", got.LastError)
	}
}

func TestRecoverRunning(t *testing.T) {
	t.Parallel()

	s := NewStore(openTestDB(t))
	ctx := context.Background()

	a, _ := s.Enqueue(ctx, "a", nil, 3)
	b, _ := s.Enqueue(ctx, "b", nil, 3)
	if task := claimOldest(t, s); task == nil {
		t.Fatal("expected claim")
	}
	if task := claimOldest(t, s); task == nil {
		t.Fatal("expected second claim")
	}

	// Simulates a fresh process finding rows stuck in running.
	n, err := s.RecoverRunning(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered %d, want 2", n)
	}
	for _, id := range []string{a, b} {
		task, _ := s.Get(ctx, id)
		if task.State != protocol.TaskPending {
			t.Fatalf("task %s state = %s after recovery", id, task.State)
		}
		if task.Attempts != 0 {
			t.Fatalf("recovery must not consume attempts, got %d", task.Attempts)
		}
	}
}

func TestDeferralDoesNotConsumeAttempts(t *testing.T) {
	t.Parallel()

	s := NewStore(openTestDB(t))
	ctx := context.Background()

	id, _ := s.Enqueue(ctx, "heavy", nil, 3)
	if err := s.MarkDeferred(ctx, id, "cpu at 95%"); err != nil {
		t.Fatalf("defer: %v", err)
	}
	got, _ := s.Get(ctx, id)
	if got.State != protocol.TaskDeferred {
		t.Fatalf("state = %s", got.State)
	}
	if got.Attempts != 0 {
		t.Fatalf("deferral consumed an attempt: %d", got.Attempts)
	}

	// Deferred rows are not claimable until released.
	if claimed := claimOldest(t, s); claimed != nil {
		t.Fatalf("claimed deferred task %+v", claimed)
	}

	n, err := s.ReleaseDeferred(ctx)
	if err != nil || n != 1 {
		t.Fatalf("release: n=%d err=%v", n, err)
	}
	claimed := claimOldest(t, s)
	if claimed == nil || claimed.ID != id {
		t.Fatalf("expected released task claimable, got %+v", claimed)
	}
	if claimed.Attempts != 0 {
		t.Fatalf("attempts after defer/release = %d, want 0", claimed.Attempts)
	}

	// Deferral only applies to pending rows: a stale gate decision
	// arriving after the claim leaves the running row alone.
	if err := s.MarkDeferred(ctx, id, "late decision"); err != nil {
		t.Fatalf("late defer: %v", err)
	}
	cur, _ := s.Get(ctx, id)
	if cur.State != protocol.TaskRunning {
		t.Fatalf("deferred a running task: %s", cur.State)
	}
}

func TestCountsAndStarvation(t *testing.T) {
	t.Parallel()

	s := NewStore(openTestDB(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }
	old, _ := s.Enqueue(ctx, "old", nil, 3)
	s.nowFunc = func() time.Time { return base.Add(time.Hour) }
	if _, err := s.Enqueue(ctx, "fresh", nil, 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[protocol.TaskPending] != 2 {
		t.Fatalf("pending = %d, want 2", counts[protocol.TaskPending])
	}

	starved, err := s.StarvedSince(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("starved: %v", err)
	}
	if len(starved) != 1 || starved[0].ID != old {
		t.Fatalf("starved = %+v, want only %s", starved, old)
	}
}

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"butler/pkg/bus"
	"butler/pkg/config"
	"butler/pkg/eventlog"
	"butler/pkg/protocol"
	"butler/pkg/throttle"
)

// ErrTaskNotFound is returned by Status for an ID the store has never
// seen.
var ErrTaskNotFound = errors.New("task not found")

// HandlerFunc executes one task attempt. The returned result string is
// stored on the row; a non-nil error consumes the attempt.
type HandlerFunc func(ctx context.Context, task protocol.Task) (result string, err error)

// HandlerOpts tunes execution of one task kind.
type HandlerOpts struct {
	// Throttled kinds consult the resource gate before every run and
	// move to deferred when the machine is busy.
	Throttled bool
}

// registration pairs a handler with its options.
type registration struct {
	h    HandlerFunc
	opts HandlerOpts
}

// gate is the slice of throttle.Gate the queue needs. Tests swap in a
// canned implementation.
type gate interface {
	Evaluate(ctx context.Context) (throttle.Decision, throttle.Snapshot)
}

// Queue runs tasks from the Store on a small worker pool. Throttled
// kinds consult the gate while still pending: a task the machine is too
// busy for moves straight to deferred, never through running, without
// consuming an attempt, and is released again on the re-evaluation
// tick.
type Queue struct {
	log   *zap.Logger
	store *Store
	gate  gate
	evb   *bus.Bus
	audit *eventlog.Writer
	cfg   config.QueueConfig

	mu       sync.Mutex
	handlers map[string]registration
	starved  map[string]bool // task IDs already reported as starved

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New builds a Queue. Start must be called before tasks execute;
// Enqueue works either way.
func New(log *zap.Logger, store *Store, g gate, evb *bus.Bus, audit *eventlog.Writer, cfg config.QueueConfig) *Queue {
	return &Queue{
		log:      log,
		store:    store,
		gate:     g,
		evb:      evb,
		audit:    audit,
		cfg:      cfg,
		handlers: make(map[string]registration),
		starved:  make(map[string]bool),
		wake:     make(chan struct{}, 1),
		nowFunc:  time.Now,
	}
}

// Register binds a handler to a task kind. Tasks of an unregistered
// kind fail their attempt when claimed.
func (q *Queue) Register(kind string, h HandlerFunc, opts HandlerOpts) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = registration{h: h, opts: opts}
}

// Enqueue persists a new task and nudges the workers. Implements the
// narrow enqueuer interface plugins see.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload map[string]any) (string, error) {
	id, err := q.store.Enqueue(ctx, kind, payload, q.cfg.DefaultAttempts)
	if err != nil {
		return "", err
	}
	q.nudge()
	return id, nil
}

// Start recovers tasks orphaned by a previous run, then launches the
// worker pool and the deferred re-evaluation loop.
func (q *Queue) Start(ctx context.Context) error {
	recovered, err := q.store.RecoverRunning(ctx)
	if err != nil {
		return fmt.Errorf("task queue start: %w", err)
	}
	if recovered > 0 {
		q.log.Info("recovered orphaned tasks", zap.Int("count", recovered))
		q.audit.Record(ctx, eventlog.Entry{
			Type:   protocol.AuditTaskRecovered,
			Source: "taskqueue",
			Extra:  map[string]any{"count": recovered},
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	workers := q.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.workerLoop(runCtx, i)
	}

	q.wg.Add(1)
	go q.reevalLoop(runCtx)

	q.nudge()
	return nil
}

// Stop halts the workers after their in-flight task finishes.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// nudge wakes one idle worker without blocking.
func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// --- worker loop ---

func (q *Queue) workerLoop(ctx context.Context, id int) {
	defer q.wg.Done()
	log := q.log.With(zap.Int("worker", id))

	idle := time.NewTicker(q.cfg.RetryDelay.Std())
	defer idle.Stop()

	for {
		task, err := q.claimNext(ctx, log)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim task", zap.Error(err))
		}
		if task != nil {
			q.runOne(ctx, log, *task)
			continue // drain the queue before sleeping
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-idle.C:
		}
	}
}

// claimNext picks the next admissible task and claims it. Throttled
// kinds consult the gate while the row is still pending, so a deferred
// task is never observable as running and the next-oldest task gets a
// chance instead.
func (q *Queue) claimNext(ctx context.Context, log *zap.Logger) (*protocol.Task, error) {
	for {
		task, err := q.store.NextPending(ctx)
		if err != nil || task == nil {
			return nil, err
		}

		q.mu.Lock()
		reg, known := q.handlers[task.Kind]
		q.mu.Unlock()
		if known && reg.opts.Throttled {
			dec, _ := q.gate.Evaluate(ctx)
			if !dec.Proceed {
				log.Info("task deferred",
					zap.String("task", task.ID),
					zap.String("kind", task.Kind),
					zap.String("check", dec.Check),
					zap.String("reason", dec.Reason))
				if err := q.store.MarkDeferred(ctx, task.ID, dec.Reason); err != nil {
					return nil, fmt.Errorf("defer task %s: %w", task.ID, err)
				}
				continue
			}
		}

		claimed, err := q.store.ClaimPending(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue // another worker won the row
		}
		task.State = protocol.TaskRunning
		return task, nil
	}
}

// runOne executes a single claimed task's handler under panic recovery.
func (q *Queue) runOne(ctx context.Context, log *zap.Logger, task protocol.Task) {
	q.mu.Lock()
	reg, known := q.handlers[task.Kind]
	q.mu.Unlock()
	if !known {
		q.settleFailure(ctx, log, task, fmt.Errorf("no handler registered for kind %q", task.Kind))
		return
	}

	result, err := runSafely(ctx, reg.h, task)
	if err != nil {
		q.settleFailure(ctx, log, task, err)
		return
	}

	if err := q.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		log.Error("mark succeeded", zap.String("task", task.ID), zap.Error(err))
		return
	}
	log.Debug("task succeeded", zap.String("task", task.ID), zap.String("kind", task.Kind))
}

// runSafely converts a handler panic into an error so one bad task
// cannot kill the worker.
func runSafely(ctx context.Context, h HandlerFunc, task protocol.Task) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, task)
}

// settleFailure decides between retry and permanent failure. The
// attempt that just ran counts: attempts is pre-execution here.
func (q *Queue) settleFailure(ctx context.Context, log *zap.Logger, task protocol.Task, taskErr error) {
	attempted := task.Attempts + 1
	if attempted >= task.MaxAttempts {
		if err := q.store.MarkFailed(ctx, task.ID, taskErr.Error()); err != nil {
			log.Error("mark failed", zap.String("task", task.ID), zap.Error(err))
			return
		}
		log.Warn("task failed permanently",
			zap.String("task", task.ID),
			zap.String("kind", task.Kind),
			zap.Int("attempts", attempted),
			zap.Error(taskErr))
		q.audit.Record(ctx, eventlog.Entry{
			Type:   protocol.AuditTaskFailed,
			Source: "taskqueue",
			TaskID: task.ID,
			Extra:  map[string]any{"kind": task.Kind, "attempts": attempted, "error": taskErr.Error()},
		})
		q.evb.Publish(protocol.EventPipelineError, "taskqueue", bus.Payload{
			"task_id": task.ID,
			"kind":    task.Kind,
			"error":   taskErr.Error(),
		})
		return
	}

	notBefore := q.nowFunc().Add(q.cfg.RetryDelay.Std())
	if err := q.store.MarkRetry(ctx, task.ID, taskErr.Error(), notBefore); err != nil {
		log.Error("mark retry", zap.String("task", task.ID), zap.Error(err))
		return
	}
	log.Info("task attempt failed, will retry",
		zap.String("task", task.ID),
		zap.String("kind", task.Kind),
		zap.Int("attempt", attempted),
		zap.Int("max_attempts", task.MaxAttempts),
		zap.Error(taskErr))
}

// --- deferred re-evaluation ---

// reevalLoop periodically releases deferred tasks so workers re-check
// the gate, and warns about work that has been waiting too long.
func (q *Queue) reevalLoop(ctx context.Context) {
	defer q.wg.Done()

	tick := time.NewTicker(q.cfg.ReevalInterval.Std())
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		released, err := q.store.ReleaseDeferred(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Error("release deferred tasks", zap.Error(err))
			continue
		}
		if released > 0 {
			q.log.Debug("released deferred tasks", zap.Int("count", released))
			q.nudge()
		}

		q.reportStarvation(ctx)
	}
}

// reportStarvation warns once per task when it has waited longer than
// the configured starvation window.
func (q *Queue) reportStarvation(ctx context.Context) {
	cutoff := q.nowFunc().Add(-q.cfg.StarvationAfter.Std())
	tasks, err := q.store.StarvedSince(ctx, cutoff)
	if err != nil {
		q.log.Error("query starved tasks", zap.Error(err))
		return
	}

	for _, t := range tasks {
		q.mu.Lock()
		seen := q.starved[t.ID]
		q.starved[t.ID] = true
		q.mu.Unlock()
		if seen {
			continue
		}
		q.log.Warn("task starved",
			zap.String("task", t.ID),
			zap.String("kind", t.Kind),
			zap.String("enqueued_at", t.EnqueuedAt))
		q.audit.Record(ctx, eventlog.Entry{
			Type:   protocol.AuditTaskStarved,
			Source: "taskqueue",
			TaskID: t.ID,
			Extra:  map[string]any{"kind": t.Kind, "enqueued_at": t.EnqueuedAt},
		})
	}
}

// Counts exposes per-state task counts for status output.
func (q *Queue) Counts(ctx context.Context) (map[protocol.TaskState]int, error) {
	return q.store.Counts(ctx)
}

// Status returns the lifecycle state of one task.
func (q *Queue) Status(ctx context.Context, id string) (protocol.TaskState, error) {
	task, err := q.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if task == nil {
		return "", fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return task.State, nil
}

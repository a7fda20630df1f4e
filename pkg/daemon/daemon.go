// Package daemon assembles Butler's core: event bus, capability
// registry, plugin manager, durable task queue, throttle gate, vault
// watcher, and the safe write path, plus the periodic jobs that keep
// them moving. One Daemon owns one state database and one vault.
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"butler/pkg/bus"
	"butler/pkg/capability"
	"butler/pkg/config"
	"butler/pkg/eventlog"
	"butler/pkg/plugin"
	"butler/pkg/plugins/dailywriter"
	"butler/pkg/plugins/router"
	"butler/pkg/protocol"
	"butler/pkg/safewrite"
	"butler/pkg/taskqueue"
	"butler/pkg/throttle"
	"butler/pkg/vault"
)

// heartbeatInterval is how often heartbeat.tick fires.
const heartbeatInterval = time.Minute

// Daemon is the assembled core. Build with New, drive with Run.
type Daemon struct {
	log *zap.Logger
	cfg config.Config
	db  *sql.DB

	evb     *bus.Bus
	caps    *capability.Registry
	audit   *eventlog.Writer
	writer  *safewrite.Writer
	watcher *vault.Watcher
	queue   *taskqueue.Queue
	manager *plugin.Manager
	sched   gocron.Scheduler

	pluginsDir string

	// lastActivity is a unix-nano timestamp of the most recent input or
	// vault change, read by the heartbeat job.
	lastActivity atomic.Int64
}

// taskRunner adapts the queue to the narrow surface plugins see.
type taskRunner struct {
	q *taskqueue.Queue
}

func (r taskRunner) Enqueue(ctx context.Context, kind string, payload map[string]any) (string, error) {
	return r.q.Enqueue(ctx, kind, payload)
}

// Plugin tasks do background file work, so they all run throttled.
func (r taskRunner) RegisterHandler(kind string, h plugin.TaskHandler) {
	r.q.Register(kind, taskqueue.HandlerFunc(h), taskqueue.HandlerOpts{Throttled: true})
}

// New wires a Daemon over an already-open state database. pluginsDir
// is the manifest root scanned on Run.
func New(log *zap.Logger, cfg config.Config, db *sql.DB, pluginsDir string) (*Daemon, error) {
	vaultPath, err := config.ExpandPath(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve vault path: %w", err)
	}

	evb := bus.New(log.Named("bus"))
	caps := capability.NewRegistry(log.Named("capability"))
	audit := eventlog.NewWriter(db, log.Named("eventlog"))

	receipts := safewrite.NewReceipts()
	locks := safewrite.NewPathLocks()
	writer := safewrite.NewWriter(log.Named("safewrite"), receipts, locks,
		safewrite.NewFallbackStore(db), audit, evb, cfg.Write)

	gate := throttle.NewGate(log.Named("throttle"), cfg.Throttle)
	queue := taskqueue.New(log.Named("taskqueue"), taskqueue.NewStore(db), gate, evb, audit, cfg.Queue)

	watcher := vault.NewWatcher(log.Named("vault"), evb, receipts, locks,
		vault.NewHashCache(db), audit, vaultPath)

	manager := plugin.NewManager(log.Named("plugin"), evb, plugin.Env{
		Capabilities:   caps,
		Tasks:          taskRunner{q: queue},
		Writer:         writer,
		VaultPath:      vaultPath,
		DailyFormat:    cfg.Vault.DailyFormat,
		Audit:          audit,
		PluginSettings: cfg.PluginSettings,
	})
	manager.RegisterBuiltin(router.New())
	manager.RegisterBuiltin(dailywriter.New())

	sched, err := gocron.NewScheduler(gocron.WithLocation(time.Local))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	d := &Daemon{
		log:        log,
		cfg:        cfg,
		db:         db,
		evb:        evb,
		caps:       caps,
		audit:      audit,
		writer:     writer,
		watcher:    watcher,
		queue:      queue,
		manager:    manager,
		sched:      sched,
		pluginsDir: pluginsDir,
	}
	d.lastActivity.Store(time.Now().UnixNano())
	return d, nil
}

// Bus exposes the event bus for external input surfaces.
func (d *Daemon) Bus() *bus.Bus { return d.evb }

// Run starts everything, blocks until ctx is cancelled, then shuts
// down in reverse order. A single plugin or task failing never
// propagates out of Run.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("starting",
		zap.String("vault", d.cfg.Vault.Path),
		zap.String("plugins_dir", d.pluginsDir))

	if err := d.queue.Start(ctx); err != nil {
		return fmt.Errorf("start task queue: %w", err)
	}
	if err := d.watcher.Start(ctx); err != nil {
		d.queue.Stop()
		return fmt.Errorf("start vault watcher: %w", err)
	}

	if err := d.manager.Discover(d.pluginsDir); err != nil {
		d.log.Warn("plugin discovery incomplete", zap.Error(err))
	}
	d.manager.EnableAll()

	// Activity tracking feeds the heartbeat's idle_seconds.
	d.evb.Subscribe(protocol.EventInputReceived, d.touchActivity)
	d.evb.Subscribe(protocol.EventFileChanged, d.touchActivity)

	if err := d.scheduleJobs(ctx); err != nil {
		d.shutdown(ctx)
		return err
	}
	d.sched.Start()

	d.audit.Record(ctx, eventlog.Entry{Type: protocol.AuditDaemonStarted, Source: "daemon"})
	d.log.Info("running")

	<-ctx.Done()

	d.log.Info("shutting down")
	d.shutdown(context.WithoutCancel(ctx))
	return nil
}

func (d *Daemon) shutdown(ctx context.Context) {
	if err := d.sched.Shutdown(); err != nil {
		d.log.Warn("scheduler shutdown", zap.Error(err))
	}
	d.manager.DisableAll()
	d.watcher.Stop()
	d.queue.Stop()
	d.audit.Record(ctx, eventlog.Entry{Type: protocol.AuditDaemonStopped, Source: "daemon"})
}

func (d *Daemon) touchActivity(string, bus.Payload) {
	d.lastActivity.Store(time.Now().UnixNano())
}

// --- periodic jobs ---

func (d *Daemon) scheduleJobs(ctx context.Context) error {
	if _, err := d.sched.NewJob(
		gocron.DurationJob(heartbeatInterval),
		gocron.NewTask(d.heartbeat),
		gocron.WithName("heartbeat"),
	); err != nil {
		return fmt.Errorf("schedule heartbeat: %w", err)
	}

	if _, err := d.sched.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(0, 0, 0))),
		gocron.NewTask(d.dayEnded),
		gocron.WithName("day-rollover"),
	); err != nil {
		return fmt.Errorf("schedule day rollover: %w", err)
	}

	if _, err := d.sched.NewJob(
		gocron.DurationJob(d.cfg.Write.ReconcileInterval.Std()),
		gocron.NewTask(func() { d.reconcileFallback(ctx) }),
		gocron.WithName("fallback-reconcile"),
	); err != nil {
		return fmt.Errorf("schedule fallback reconcile: %w", err)
	}

	return nil
}

func (d *Daemon) heartbeat() {
	now := time.Now()
	idle := now.Sub(time.Unix(0, d.lastActivity.Load()))
	d.evb.Publish(protocol.EventHeartbeatTick, "daemon", bus.Payload{
		"ts":           now.UTC().Format(time.RFC3339),
		"idle_seconds": int(idle.Seconds()),
	})
}

// dayEnded fires just after midnight and names the day that closed, so
// summarizer plugins know which daily note to roll up.
func (d *Daemon) dayEnded() {
	ended := time.Now().AddDate(0, 0, -1)
	d.evb.Publish(protocol.EventDayEnded, "daemon", bus.Payload{
		"date": ended.Format("2006-01-02"),
		"ts":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (d *Daemon) reconcileFallback(ctx context.Context) {
	n, err := d.writer.ReconcileOnce(ctx)
	if err != nil {
		d.log.Warn("fallback reconcile", zap.Error(err))
		return
	}
	if n > 0 {
		d.log.Info("fallback entries delivered", zap.Int("count", n))
	}
}

package protocol

// Directory and path constants used throughout Butler.
const (
	// ButlerDir is the user-level state directory (e.g., ~/.butler).
	ButlerDir = ".butler"

	// DailyDir is the vault subdirectory for daily notes.
	DailyDir = "daily"

	// FallbackNote is the vault-relative path of the overflow note used when
	// a target file cannot be safely written within the retry window.
	FallbackNote = "butler-fallback.md"
)

// Event names form the fixed, process-wide vocabulary of the event bus.
// Payload shapes are documented in pkg/bus.
const (
	EventInputReceived = "input.received"
	EventNoteRouted    = "note.routed"
	EventNoteWritten   = "note.written"
	EventFileChanged   = "file.changed"
	EventPipelineError = "pipeline.error"
	EventHeartbeatTick = "heartbeat.tick"
	EventDayEnded      = "day.ended"
)

// TaskState is the lifecycle state of a queued task.
type TaskState string

// Task lifecycle states.
const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskDeferred  TaskState = "deferred"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// WriteMode says how a fallback entry is delivered to its original
// target: replace the whole file or append to it.
type WriteMode string

// Fallback delivery modes.
const (
	WriteReplace WriteMode = "replace"
	WriteAppend  WriteMode = "append"
)

// PluginState is the lifecycle state of a discovered plugin.
type PluginState string

// Plugin lifecycle states.
const (
	PluginDiscovered PluginState = "discovered"
	PluginValidated  PluginState = "validated"
	PluginRegistered PluginState = "registered"
	PluginEnabled    PluginState = "enabled"
	PluginDisabled   PluginState = "disabled"
	PluginFailed     PluginState = "failed"
)

// Audit log event types written to the events table.
const (
	AuditDaemonStarted  = "daemon_started"
	AuditDaemonStopped  = "daemon_stopped"
	AuditPluginEnabled  = "plugin_enabled"
	AuditPluginDisabled = "plugin_disabled"
	AuditPluginFailed   = "plugin_failed"
	AuditTaskRecovered  = "task_recovered"
	AuditTaskFailed     = "task_failed"
	AuditTaskStarved    = "task_starved"
	AuditWriteFallback  = "write_fallback"
	AuditFileChanged    = "file_changed"
	AuditWatcherError   = "watcher_error"
)

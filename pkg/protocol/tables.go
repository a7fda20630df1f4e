package protocol

// Task represents a row in the tasks SQLite table.
// The queue exclusively mutates state/attempts; kind handlers own payload
// interpretation.
type Task struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Payload     string    `json:"payload"`
	State       TaskState `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NotBefore   string    `json:"not_before"`
	Result      string    `json:"result"`
	LastError   string    `json:"last_error"`
	EnqueuedAt  string    `json:"enqueued_at"`
	UpdatedAt   string    `json:"updated_at"`
}

// HashEntry represents a row in the hash_cache SQLite table.
// One row per tracked vault file; updated on every confirmed content change.
type HashEntry struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	LastSeen    string `json:"last_seen"`
}

// FallbackWrite represents a row in the fallback_writes SQLite table.
// A durable overflow entry created when the primary target could not be
// written safely; removed once delivered to its original target.
type FallbackWrite struct {
	ID              string    `json:"id"`
	OriginalTarget  string    `json:"original_target"`
	Content         string    `json:"content"`
	Mode            WriteMode `json:"mode"`
	SourceLabel     string    `json:"source_label"`
	RetryCount      int       `json:"retry_count"`
	OriginTimestamp string    `json:"origin_timestamp"`
}

// Event represents a row in the events SQLite table (daemon audit log).
type Event struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	Path      string `json:"path"`
	TaskID    string `json:"task_id"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}

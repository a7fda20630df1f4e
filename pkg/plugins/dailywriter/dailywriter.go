// Package dailywriter is the builtin plugin that lands routed notes in
// per-day markdown files. The write itself runs as a durable task, so a
// note that arrived moments before a crash still reaches the vault, and
// heavy-machine moments defer it instead of dropping it.
package dailywriter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"butler/pkg/bus"
	"butler/pkg/plugin"
	"butler/pkg/protocol"
	"butler/pkg/safewrite"
)

// ID is the plugin's manifest identifier.
const ID = "daily_writer"

// TaskKind is the durable task kind that performs the append.
const TaskKind = "daily_writer.append"

// CapabilityAppend lets other plugins drop a line into today's note.
const CapabilityAppend = "notes.append_daily"

// entry is the payload carried from the routed event to the task.
type entry struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	TS     string `json:"ts"`
}

// Writer appends routed notes to daily files.
type Writer struct {
	pctx *plugin.Context
	loc  *time.Location
}

// New builds the builtin daily writer.
func New() *Writer {
	return &Writer{loc: time.Local}
}

// ID implements plugin.Plugin.
func (w *Writer) ID() string { return ID }

// Enable registers the append task handler, the capability, and the
// note.routed subscription.
func (w *Writer) Enable(pctx *plugin.Context) error {
	w.pctx = pctx

	if tz := pctx.SettingString("timezone", ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("daily_writer: bad timezone %q: %w", tz, err)
		}
		w.loc = loc
	}

	pctx.Tasks.RegisterHandler(TaskKind, w.runAppend)
	if err := pctx.RegisterCapability(CapabilityAppend, w.capAppend); err != nil {
		return err
	}
	pctx.Subscribe(protocol.EventNoteRouted, w.handleRouted)

	pctx.Log.Info("daily writer ready",
		zap.String("daily_dir", w.dailyDir()),
		zap.String("timezone", w.loc.String()))
	return nil
}

// Disable implements plugin.Plugin. The task handler stays registered
// so queued appends still drain.
func (w *Writer) Disable() error { return nil }

// --- event path ---

func (w *Writer) handleRouted(sender string, payload bus.Payload) {
	dest, _ := payload["destination"].(string)
	if dest != "daily" {
		return
	}
	text, _ := payload["text"].(string)
	if text == "" {
		return
	}
	source, _ := payload["source"].(string)
	ts, _ := payload["ts"].(string)

	id, err := w.pctx.Tasks.Enqueue(context.Background(), TaskKind, map[string]any{
		"text":   text,
		"source": source,
		"ts":     ts,
	})
	if err != nil {
		w.pctx.Log.Error("enqueue daily append", zap.Error(err))
		w.pctx.Publish(protocol.EventPipelineError, bus.Payload{
			"stage":         ID,
			"error":         err.Error(),
			"input_preview": preview(text),
		})
		return
	}
	w.pctx.Log.Debug("queued daily append", zap.String("task", id))
}

// capAppend is the capability form of the same path: callers hand over
// text and optionally a source label.
func (w *Writer) capAppend(ctx context.Context, args map[string]any) (any, error) {
	text, _ := args["text"].(string)
	if text == "" {
		return nil, errors.New("notes.append_daily: missing text argument")
	}
	source, _ := args["source"].(string)
	if source == "" {
		source = "capability"
	}
	return w.pctx.Tasks.Enqueue(ctx, TaskKind, map[string]any{
		"text":   text,
		"source": source,
	})
}

// --- task handler ---

// runAppend performs the actual vault write on a queue worker. It is
// idempotent enough for at-least-once delivery: a replay appends the
// same line twice, which the vault owner can spot; losing the line
// cannot happen.
func (w *Writer) runAppend(ctx context.Context, task protocol.Task) (string, error) {
	var e entry
	if err := json.Unmarshal([]byte(task.Payload), &e); err != nil {
		return "", fmt.Errorf("daily_writer: decode payload: %w", err)
	}
	if e.Source == "" {
		e.Source = "unknown"
	}

	at := w.now()
	if e.TS != "" {
		if parsed, err := time.Parse(time.RFC3339, e.TS); err == nil {
			at = parsed.In(w.loc)
		}
	}

	path := filepath.Join(w.dailyDir(), at.Format(w.pctx.DailyFormat)+".md")
	text := w.formatEntry(e.Text, e.Source, at)
	if !exists(path) {
		text = frontmatter(at) + text
	}

	err := w.pctx.Writer.Append(ctx, path, text, ID)
	if err != nil && !errors.Is(err, safewrite.ErrContended) {
		return "", err
	}
	// ErrContended means the line is durably parked in the fallback
	// store; retrying the task would duplicate it.

	w.pctx.Publish(protocol.EventNoteWritten, bus.Payload{
		"path":       path,
		"ts":         at.Format(time.RFC3339),
		"word_count": len(strings.Fields(e.Text)),
		"source":     e.Source,
	})
	return path, nil
}

// --- formatting ---

func (w *Writer) now() time.Time {
	return time.Now().In(w.loc)
}

func (w *Writer) dailyDir() string {
	return filepath.Join(w.pctx.VaultPath, protocol.DailyDir)
}

func (w *Writer) formatEntry(text, source string, at time.Time) string {
	return fmt.Sprintf("## %s\n\n%s\n\n_Source: %s_\n\n---\n\n",
		at.Format("15:04"), strings.TrimRight(text, "\n"), source)
}

func frontmatter(at time.Time) string {
	return fmt.Sprintf("---\ndate: %s\n---\n\n# %s\n\n",
		at.Format("2006-01-02"), at.Format("January 02, 2006"))
}

func preview(text string) string {
	const max = 80
	if len(text) <= max {
		return text
	}
	return text[:max] + "…"
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

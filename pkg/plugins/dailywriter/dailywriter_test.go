package dailywriter //nolint:testpackage // white-box tests need access to unexported fields

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"butler/pkg/bus"
	"butler/pkg/capability"
	"butler/pkg/plugin"
	"butler/pkg/protocol"
)

// fakeRunner captures enqueued tasks and registered handlers so tests
// can drive the queue synchronously.
type fakeRunner struct {
	mu       sync.Mutex
	handlers map[string]plugin.TaskHandler
	queued   []protocol.Task
	nextID   int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{handlers: make(map[string]plugin.TaskHandler)}
}

func (f *fakeRunner) Enqueue(ctx context.Context, kind string, payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("task-%d", f.nextID)
	f.queued = append(f.queued, protocol.Task{ID: id, Kind: kind, Payload: string(raw)})
	return id, nil
}

func (f *fakeRunner) RegisterHandler(kind string, h plugin.TaskHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = h
}

// drain runs every queued task through its registered handler.
func (f *fakeRunner) drain(ctx context.Context, t *testing.T) {
	t.Helper()
	f.mu.Lock()
	tasks := f.queued
	f.queued = nil
	f.mu.Unlock()

	for _, task := range tasks {
		h := f.handlers[task.Kind]
		if h == nil {
			t.Fatalf("no handler for kind %s", task.Kind)
		}
		if _, err := h(ctx, task); err != nil {
			t.Fatalf("handler %s: %v", task.Kind, err)
		}
	}
}

// fileWriter implements plugin.NoteWriter with plain filesystem ops.
type fileWriter struct{}

func (fileWriter) Write(ctx context.Context, path, content, sourceLabel string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func (fileWriter) Append(ctx context.Context, path, text, sourceLabel string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(text)
	return err
}

func enableDailyWriter(t *testing.T) (*bus.Bus, *fakeRunner, *capability.Registry, string) {
	t.Helper()

	root := t.TempDir()
	dir := filepath.Join(root, ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest := "id: daily_writer\nenabled: true\nlistens: [note.routed]\nemits: [note.written]\n"
	if err := os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	vault := t.TempDir()
	evb := bus.New(zap.NewNop())
	runner := newFakeRunner()
	caps := capability.NewRegistry(zap.NewNop())
	m := plugin.NewManager(zap.NewNop(), evb, plugin.Env{
		Capabilities: caps,
		Tasks:        runner,
		Writer:       fileWriter{},
		VaultPath:    vault,
		DailyFormat:  "2006-01-02",
		PluginSettings: func(string, map[string]any) map[string]any {
			return map[string]any{"timezone": "UTC"}
		},
	})
	m.RegisterBuiltin(New())
	if err := m.Discover(root); err != nil {
		t.Fatalf("discover: %v", err)
	}
	m.EnableAll()

	for _, d := range m.Descriptors() {
		if d.Manifest.ID == ID && d.State != protocol.PluginEnabled {
			t.Fatalf("daily_writer state = %s (%v)", d.State, d.Err)
		}
	}
	return evb, runner, caps, vault
}

func TestRoutedNoteLandsInDailyFile(t *testing.T) {
	t.Parallel()

	evb, runner, _, vault := enableDailyWriter(t)
	ctx := context.Background()

	var mu sync.Mutex
	var written []bus.Payload
	evb.Subscribe(protocol.EventNoteWritten, func(sender string, p bus.Payload) {
		mu.Lock()
		defer mu.Unlock()
		written = append(written, p)
	})

	evb.Publish(protocol.EventNoteRouted, "router", bus.Payload{
		"text":        "buy oat milk",
		"source":      "voice",
		"destination": "daily",
		"ts":          "2026-03-01T09:30:00Z",
	})
	runner.drain(ctx, t)

	path := filepath.Join(vault, protocol.DailyDir, "2026-03-01.md")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("daily file: %v", err)
	}
	content := string(raw)
	if !strings.HasPrefix(content, "---\ndate: 2026-03-01\n---\n") {
		t.Fatalf("missing frontmatter:\n%s", content)
	}
	if !strings.Contains(content, "## 09:30") || !strings.Contains(content, "buy oat milk") {
		t.Fatalf("missing entry:\n%s", content)
	}
	if !strings.Contains(content, "_Source: voice_") {
		t.Fatalf("missing source line:\n%s", content)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(written) != 1 {
		t.Fatalf("note.written events = %d", len(written))
	}
	p := written[0]
	if p["path"] != path || p["word_count"] != 3 || p["source"] != "voice" {
		t.Fatalf("note.written payload = %+v", p)
	}
}

func TestSecondEntryAppendsWithoutFrontmatter(t *testing.T) {
	t.Parallel()

	evb, runner, _, vault := enableDailyWriter(t)
	ctx := context.Background()

	for _, text := range []string{"first", "second"} {
		evb.Publish(protocol.EventNoteRouted, "router", bus.Payload{
			"text":        text,
			"destination": "daily",
			"ts":          "2026-03-01T10:00:00Z",
		})
		runner.drain(ctx, t)
	}

	raw, err := os.ReadFile(filepath.Join(vault, protocol.DailyDir, "2026-03-01.md"))
	if err != nil {
		t.Fatalf("daily file: %v", err)
	}
	if strings.Count(string(raw), "---\ndate:") != 1 {
		t.Fatalf("frontmatter duplicated:\n%s", raw)
	}
	if !strings.Contains(string(raw), "first") || !strings.Contains(string(raw), "second") {
		t.Fatalf("entries missing:\n%s", raw)
	}
}

func TestIgnoresOtherDestinations(t *testing.T) {
	t.Parallel()

	evb, runner, _, _ := enableDailyWriter(t)

	evb.Publish(protocol.EventNoteRouted, "router", bus.Payload{
		"text":        "for the inbox",
		"destination": "inbox",
	})

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.queued) != 0 {
		t.Fatalf("queued %d tasks for foreign destination", len(runner.queued))
	}
}

func TestAppendCapability(t *testing.T) {
	t.Parallel()

	_, runner, caps, vault := enableDailyWriter(t)
	ctx := context.Background()

	res := caps.Call(ctx, CapabilityAppend, map[string]any{"text": "from another plugin"})
	if !res.Available || res.Err != nil {
		t.Fatalf("capability call = %+v", res)
	}
	runner.drain(ctx, t)

	today := time.Now().UTC().Format("2006-01-02")
	raw, err := os.ReadFile(filepath.Join(vault, protocol.DailyDir, today+".md"))
	if err != nil {
		t.Fatalf("daily file: %v", err)
	}
	if !strings.Contains(string(raw), "from another plugin") {
		t.Fatalf("capability text missing:\n%s", raw)
	}
	if !strings.Contains(string(raw), "_Source: capability_") {
		t.Fatalf("default source missing:\n%s", raw)
	}
}

func TestMissingTextArgumentIsAnError(t *testing.T) {
	t.Parallel()

	_, _, caps, _ := enableDailyWriter(t)

	res := caps.Call(context.Background(), CapabilityAppend, map[string]any{})
	if !res.Available {
		t.Fatal("capability should be registered")
	}
	if res.Err == nil {
		t.Fatal("expected malformed-arguments error")
	}
}

package capability //nolint:testpackage // white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCallUnregisteredReturnsUnavailableAndWarns(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	r := NewRegistry(zap.New(core))

	res := r.Call(context.Background(), "memory.search", map[string]any{"query": "x"})

	if res.Available {
		t.Fatal("expected Available=false for unregistered capability")
	}
	if res.Err != nil {
		t.Fatalf("unavailable capability must not error, got %v", res.Err)
	}
	if logs.FilterMessage("capability unavailable").Len() != 1 {
		t.Fatalf("expected exactly one warning, got %d", logs.Len())
	}
}

func TestRegisterAndCall(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	err := r.Register("notes.append_daily", "daily_writer",
		func(ctx context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	res := r.Call(context.Background(), "notes.append_daily", map[string]any{"text": "hi"})
	if !res.Available || res.Err != nil {
		t.Fatalf("expected available call, got %+v", res)
	}
	if res.Value != "hi" {
		t.Fatalf("expected handler value, got %v", res.Value)
	}
}

func TestDuplicateOwnerRejected(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	noop := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }

	if err := r.Register("transcribe.audio", "voice_input", noop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register("transcribe.audio", "other_plugin", noop)
	if !errors.Is(err, ErrDuplicateCapability) {
		t.Fatalf("expected ErrDuplicateCapability, got %v", err)
	}
	// Same owner may replace its own handler.
	if err := r.Register("transcribe.audio", "voice_input", noop); err != nil {
		t.Fatalf("same-owner re-register: %v", err)
	}
}

func TestUnregisterOwnerRemovesAll(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	noop := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }
	_ = r.Register("memory.search", "memory", noop)
	_ = r.Register("memory.store", "memory", noop)
	_ = r.Register("notes.append_daily", "daily_writer", noop)

	if n := r.UnregisterOwner("memory"); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if r.Has("memory.search") || r.Has("memory.store") {
		t.Fatal("memory capabilities should be gone")
	}
	if !r.Has("notes.append_daily") {
		t.Fatal("unrelated capability must survive")
	}
}

func TestHandlerErrorPropagates(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	wantErr := errors.New("missing arg: query")
	_ = r.Register("memory.search", "memory",
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, wantErr
		})

	res := r.Call(context.Background(), "memory.search", nil)
	if !res.Available {
		t.Fatal("registered capability must be available")
	}
	if !errors.Is(res.Err, wantErr) {
		t.Fatalf("expected handler error, got %v", res.Err)
	}
}

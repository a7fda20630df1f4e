// Package capability implements the cross-plugin function registry. A plugin
// registers named handlers while enabling; other plugins resolve them at call
// time. Absence is a designed-for condition, not an error: Call reports it
// through the Result's Available flag and never fails the caller for a
// missing capability.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrDuplicateCapability is returned when a different owner already holds
// the capability id.
var ErrDuplicateCapability = errors.New("capability already registered by another owner")

// Handler executes a capability call. It may return an error only for
// malformed arguments or internal failure, never for "not available".
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Result is the outcome of a capability call. Callers must check Available
// before using Value: an absent capability yields Available=false with a
// nil Value and nil Err.
type Result struct {
	Value     any
	Err       error
	Available bool
}

// registration ties a handler to its owning plugin.
type registration struct {
	owner   string
	handler Handler
}

// Registry is the thread-safe capability table. All mutations and lookups
// happen under one lock; the handler itself runs outside the lock.
type Registry struct {
	log *zap.Logger

	mu   sync.Mutex
	caps map[string]registration
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:  log.Named("capability"),
		caps: make(map[string]registration),
	}
}

// Register adds a capability under a namespaced id (e.g. "memory.search").
// A plugin may re-register its own id (replacing the handler); a different
// owner gets ErrDuplicateCapability.
func (r *Registry) Register(id, ownerPluginID string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.caps[id]; ok && existing.owner != ownerPluginID {
		return fmt.Errorf("register %q for %q: %w (held by %q)",
			id, ownerPluginID, ErrDuplicateCapability, existing.owner)
	}
	r.caps[id] = registration{owner: ownerPluginID, handler: handler}
	return nil
}

// Unregister removes one capability. Reports whether it existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[id]; !ok {
		return false
	}
	delete(r.caps, id)
	return true
}

// UnregisterOwner removes every capability owned by pluginID and returns
// how many were removed. The plugin manager calls this on disable.
func (r *Registry) UnregisterOwner(pluginID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, reg := range r.caps {
		if reg.owner == pluginID {
			delete(r.caps, id)
			n++
		}
	}
	return n
}

// Call resolves id and invokes its handler with args. If the capability is
// unregistered (owning plugin absent or disabled) the Result carries
// Available=false and one warning is logged; no error reaches the caller.
// The handler executes outside the registry lock.
func (r *Registry) Call(ctx context.Context, id string, args map[string]any) Result {
	r.mu.Lock()
	reg, ok := r.caps[id]
	r.mu.Unlock()

	if !ok {
		r.log.Warn("capability unavailable", zap.String("capability", id))
		return Result{Available: false}
	}

	value, err := reg.handler(ctx, args)
	return Result{Value: value, Err: err, Available: true}
}

// Has reports whether id is currently registered.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.caps[id]
	return ok
}

// List returns the registered capability ids (unordered).
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.caps))
	for id := range r.caps {
		out = append(out, id)
	}
	return out
}

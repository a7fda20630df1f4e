package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"butler/pkg/bus"
	"butler/pkg/capability"
	"butler/pkg/eventlog"
	"butler/pkg/protocol"
)

// Descriptor is the manager's record of one discovered plugin. Owned
// exclusively by the Manager; read-only outside it.
type Descriptor struct {
	Manifest Manifest
	State    protocol.PluginState
	Err      error // set when State is Failed
}

// Env carries the shared services injected into every plugin Context.
type Env struct {
	Capabilities *capability.Registry
	Tasks        TaskRunner
	Writer       NoteWriter
	VaultPath    string
	DailyFormat  string

	// Audit records lifecycle transitions to the events table. Optional;
	// nil disables auditing (tests).
	Audit *eventlog.Writer

	// PluginSettings resolves the merged settings view for one plugin id
	// given its manifest-declared defaults.
	PluginSettings func(pluginID string, declared map[string]any) map[string]any
}

// Manager discovers manifests, resolves dependency order and drives the
// plugin lifecycle. One plugin's failure never prevents the rest of the
// system from starting.
type Manager struct {
	log *zap.Logger
	evb *bus.Bus
	env Env

	mu       sync.Mutex
	builtins map[string]Plugin
	plugins  map[string]*Descriptor
	contexts map[string]*Context
	order    []string
}

// NewManager creates a Manager dispatching over evb with services from env.
func NewManager(log *zap.Logger, evb *bus.Bus, env Env) *Manager {
	return &Manager{
		log:      log.Named("plugins"),
		evb:      evb,
		env:      env,
		builtins: make(map[string]Plugin),
		plugins:  make(map[string]*Descriptor),
		contexts: make(map[string]*Context),
	}
}

// RegisterBuiltin adds a plugin implementation to the builtin table. Must be
// called before Discover; implementations without a matching manifest are
// ignored at enable time.
func (m *Manager) RegisterBuiltin(p Plugin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builtins[p.ID()] = p
}

// Discover scans root for plugin.yaml manifests and validates each one. A
// plugin is a candidate only if its manifest marks it enabled. Validation
// failures isolate the plugin to Failed; they never abort discovery.
func (m *Manager) Discover(root string) error {
	paths, err := ScanRoot(root)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range paths {
		manifest, err := LoadManifest(p)
		if err != nil {
			// Manifest-level failure: record under the directory's id if we
			// have one, otherwise log and skip.
			if manifest.ID == "" {
				m.log.Error("manifest rejected", zap.String("path", p), zap.Error(err))
				continue
			}
			m.plugins[manifest.ID] = &Descriptor{
				Manifest: manifest,
				State:    protocol.PluginFailed,
				Err:      err,
			}
			m.log.Error("manifest invalid",
				zap.String("plugin", manifest.ID), zap.Error(err))
			continue
		}

		if !manifest.Enabled {
			m.plugins[manifest.ID] = &Descriptor{Manifest: manifest, State: protocol.PluginDisabled}
			continue
		}
		m.plugins[manifest.ID] = &Descriptor{Manifest: manifest, State: protocol.PluginValidated}
	}
	return nil
}

// EnableAll resolves dependency order and invokes each validated plugin's
// entry point. A plugin whose hard dependency is missing or failed
// transitions to Failed without its entry point ever running; a missing
// optional dependency is not an error.
func (m *Manager) EnableAll() {
	m.mu.Lock()
	order, err := m.resolveOrder()
	if err != nil {
		// A dependency cycle poisons only the cycle members; resolveOrder
		// marks them. Enable whatever did order correctly.
		m.log.Error("dependency resolution", zap.Error(err))
	}
	m.order = order
	m.mu.Unlock()

	for _, id := range order {
		m.enableOne(id)
	}
}

// resolveOrder topologically sorts validated plugins by hard dependencies.
// Cycle members are marked Failed and excluded. Caller holds m.mu.
func (m *Manager) resolveOrder() ([]string, error) {
	candidates := make([]string, 0, len(m.plugins))
	for id, d := range m.plugins {
		if d.State == protocol.PluginValidated {
			candidates = append(candidates, id)
		}
	}
	sort.Strings(candidates)

	var (
		order    []string
		visited  = map[string]bool{}
		visiting = map[string]bool{}
		cycleErr error
	)

	var visit func(id string) bool
	visit = func(id string) bool {
		if visited[id] {
			return true
		}
		if visiting[id] {
			d := m.plugins[id]
			d.State = protocol.PluginFailed
			d.Err = fmt.Errorf("dependency cycle involving %q", id)
			cycleErr = d.Err
			return false
		}
		visiting[id] = true
		d := m.plugins[id]
		for _, dep := range d.Manifest.Dependencies {
			if depDesc, ok := m.plugins[dep]; ok && depDesc.State == protocol.PluginValidated {
				if !visit(dep) {
					delete(visiting, id)
					return false
				}
			}
			// Missing/failed hard deps are handled at enable time so the
			// Failed state carries a precise reason.
		}
		delete(visiting, id)
		visited[id] = true
		order = append(order, id)
		return true
	}

	for _, id := range candidates {
		visit(id)
	}
	return order, cycleErr
}

// recordAudit writes one plugin lifecycle event when auditing is wired.
func (m *Manager) recordAudit(eventType, pluginID string, err error) {
	if m.env.Audit == nil {
		return
	}
	entry := eventlog.Entry{
		Type:   eventType,
		Source: "plugins",
		Extra:  map[string]any{"plugin": pluginID},
	}
	if err != nil {
		entry.Extra["error"] = err.Error()
	}
	m.env.Audit.Record(context.Background(), entry)
}

// enableOne drives a single plugin Validated → Registered → Enabled,
// isolating every failure mode to that plugin.
func (m *Manager) enableOne(id string) {
	m.mu.Lock()
	d, ok := m.plugins[id]
	if !ok || d.State != protocol.PluginValidated {
		m.mu.Unlock()
		return
	}

	// Hard dependency check: missing or failed dep fails this plugin
	// without invoking its entry point.
	for _, dep := range d.Manifest.Dependencies {
		depDesc, present := m.plugins[dep]
		if !present || depDesc.State != protocol.PluginEnabled {
			d.State = protocol.PluginFailed
			d.Err = fmt.Errorf("hard dependency %q not enabled", dep)
			m.mu.Unlock()
			m.log.Error("plugin failed", zap.String("plugin", id), zap.Error(d.Err))
			m.recordAudit(protocol.AuditPluginFailed, id, d.Err)
			return
		}
	}

	impl, ok := m.builtins[id]
	if !ok {
		d.State = protocol.PluginFailed
		d.Err = fmt.Errorf("no implementation registered for %q", id)
		m.mu.Unlock()
		m.log.Error("plugin failed", zap.String("plugin", id), zap.Error(d.Err))
		m.recordAudit(protocol.AuditPluginFailed, id, d.Err)
		return
	}
	d.State = protocol.PluginRegistered

	pctx := &Context{
		Capabilities: m.env.Capabilities,
		Tasks:        m.env.Tasks,
		Writer:       m.env.Writer,
		VaultPath:    m.env.VaultPath,
		DailyFormat:  m.env.DailyFormat,
		Settings:     m.env.PluginSettings(id, d.Manifest.DeclaredDefaults()),
		Log:          m.log.Named(id),
		pluginID:     id,
		eventBus:     m.evb,
	}
	m.contexts[id] = pctx
	m.mu.Unlock()

	if err := m.safeEnable(impl, pctx); err != nil {
		m.teardown(id)
		m.mu.Lock()
		d.State = protocol.PluginFailed
		d.Err = err
		m.mu.Unlock()
		m.log.Error("plugin entry point failed", zap.String("plugin", id), zap.Error(err))
		m.recordAudit(protocol.AuditPluginFailed, id, err)
		return
	}

	m.mu.Lock()
	d.State = protocol.PluginEnabled
	m.mu.Unlock()
	m.log.Info("plugin enabled", zap.String("plugin", id),
		zap.String("version", d.Manifest.Version))
	m.recordAudit(protocol.AuditPluginEnabled, id, nil)
}

// safeEnable invokes the entry point with panic isolation: third-party
// quality code must not take the daemon down.
func (m *Manager) safeEnable(impl Plugin, pctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in plugin enable: %v", r)
		}
	}()
	return impl.Enable(pctx)
}

// Disable tears down one enabled plugin: bus handlers are unsubscribed and
// capabilities unregistered before the plugin's own Disable runs.
func (m *Manager) Disable(id string) error {
	m.mu.Lock()
	d, ok := m.plugins[id]
	if !ok || d.State != protocol.PluginEnabled {
		m.mu.Unlock()
		return fmt.Errorf("plugin %q is not enabled", id)
	}
	impl := m.builtins[id]
	m.mu.Unlock()

	m.teardown(id)
	if err := impl.Disable(); err != nil {
		m.log.Warn("plugin disable hook", zap.String("plugin", id), zap.Error(err))
	}

	m.mu.Lock()
	d.State = protocol.PluginDisabled
	m.mu.Unlock()
	m.log.Info("plugin disabled", zap.String("plugin", id))
	m.recordAudit(protocol.AuditPluginDisabled, id, nil)
	return nil
}

// teardown unsubscribes a plugin's recorded bus handlers and removes its
// capabilities.
func (m *Manager) teardown(id string) {
	m.mu.Lock()
	pctx := m.contexts[id]
	delete(m.contexts, id)
	m.mu.Unlock()

	if pctx == nil {
		return
	}
	for _, sub := range pctx.subs {
		m.evb.Unsubscribe(sub)
	}
	m.env.Capabilities.UnregisterOwner(id)
}

// DisableAll disables every enabled plugin in reverse enable order. Used at
// daemon shutdown.
func (m *Manager) DisableAll() {
	m.mu.Lock()
	order := make([]string, len(m.order))
	copy(order, m.order)
	m.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		m.mu.Lock()
		d := m.plugins[order[i]]
		enabled := d != nil && d.State == protocol.PluginEnabled
		m.mu.Unlock()
		if enabled {
			_ = m.Disable(order[i])
		}
	}
}

// Descriptors returns a snapshot of all plugin records, sorted by id.
func (m *Manager) Descriptors() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Descriptor, 0, len(m.plugins))
	for _, d := range m.plugins {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out
}

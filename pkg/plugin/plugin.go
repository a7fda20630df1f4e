// Package plugin implements Butler's plugin registry and lifecycle: manifest
// discovery and validation, dependency-ordered enabling, failure isolation,
// and teardown. Plugin implementations are static Go types registered in a
// builtin table; the directory scan decides which run and with what settings.
package plugin

import (
	"context"

	"go.uber.org/zap"

	"butler/pkg/bus"
	"butler/pkg/capability"
	"butler/pkg/protocol"
)

// Plugin is the single registration surface a module implements. Enable is
// the plugin's entry point: it subscribes to events and registers
// capabilities through the provided Context. Disable releases plugin-owned
// resources; the manager removes subscriptions and capabilities itself.
type Plugin interface {
	ID() string
	Enable(pctx *Context) error
	Disable() error
}

// TaskHandler executes one durable task attempt on a queue worker.
// The returned string is stored as the task result.
type TaskHandler func(ctx context.Context, task protocol.Task) (string, error)

// TaskRunner is the durable queue surface plugins see: submit work and
// register the handlers that execute it. Handlers stay registered after
// a plugin is disabled so already-queued tasks can still drain.
type TaskRunner interface {
	Enqueue(ctx context.Context, kind string, payload map[string]any) (string, error)
	RegisterHandler(kind string, h TaskHandler)
}

// NoteWriter persists content through the safe write protocol.
type NoteWriter interface {
	Write(ctx context.Context, path, content, sourceLabel string) error
	Append(ctx context.Context, path, text, sourceLabel string) error
}

// Context is the resolved environment handed to a plugin's Enable. It is
// scoped to one plugin: subscriptions made through it are tracked so the
// manager can remove them on disable.
type Context struct {
	Capabilities *capability.Registry
	Tasks        TaskRunner
	Writer       NoteWriter

	// VaultPath is the absolute vault root; DailyFormat the daily note
	// file name layout.
	VaultPath   string
	DailyFormat string

	// Settings is the merged view of manifest defaults and user config.
	Settings map[string]any

	Log *zap.Logger

	pluginID string
	eventBus *bus.Bus
	subs     []bus.Subscription
}

// Subscribe registers handler on the event bus and records the subscription
// for teardown when the plugin is disabled.
func (c *Context) Subscribe(event string, handler bus.Handler) {
	sub := c.eventBus.Subscribe(event, handler)
	c.subs = append(c.subs, sub)
}

// Publish emits an event with this plugin's id as sender.
func (c *Context) Publish(event string, payload bus.Payload) {
	c.eventBus.Publish(event, c.pluginID, payload)
}

// RegisterCapability registers handler under id with this plugin as owner.
func (c *Context) RegisterCapability(id string, handler capability.Handler) error {
	return c.Capabilities.Register(id, c.pluginID, handler)
}

// SettingString returns a string setting or def when absent or mistyped.
func (c *Context) SettingString(name, def string) string {
	if v, ok := c.Settings[name].(string); ok {
		return v
	}
	return def
}

// SettingBool returns a bool setting or def when absent or mistyped.
func (c *Context) SettingBool(name string, def bool) bool {
	if v, ok := c.Settings[name].(bool); ok {
		return v
	}
	return def
}

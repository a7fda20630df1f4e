// Package router is the builtin plugin that bridges input.received to
// note.routed. It is a plain passthrough: every non-empty input goes to
// the configured destination (daily notes by default). A classifier can
// replace it later without touching either neighboring stage.
package router

import (
	"time"

	"go.uber.org/zap"

	"butler/pkg/bus"
	"butler/pkg/plugin"
	"butler/pkg/protocol"
)

// ID is the plugin's manifest identifier.
const ID = "router"

const defaultDestination = "daily"

// Router forwards inputs to the note pipeline.
type Router struct {
	pctx        *plugin.Context
	destination string
}

// New builds the builtin router.
func New() *Router {
	return &Router{}
}

// ID implements plugin.Plugin.
func (r *Router) ID() string { return ID }

// Enable subscribes to input.received.
func (r *Router) Enable(pctx *plugin.Context) error {
	r.pctx = pctx
	r.destination = pctx.SettingString("destination", defaultDestination)
	pctx.Subscribe(protocol.EventInputReceived, r.handleInput)
	pctx.Log.Info("routing input", zap.String("destination", r.destination))
	return nil
}

// Disable implements plugin.Plugin. The manager removes the
// subscription itself.
func (r *Router) Disable() error { return nil }

func (r *Router) handleInput(sender string, payload bus.Payload) {
	text, _ := payload["text"].(string)
	if text == "" {
		r.pctx.Log.Debug("ignoring empty input", zap.String("sender", sender))
		return
	}

	source, _ := payload["source"].(string)
	if source == "" {
		source = "unknown"
	}
	ts, _ := payload["ts"].(string)
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339)
	}

	r.pctx.Publish(protocol.EventNoteRouted, bus.Payload{
		"text":        text,
		"source":      source,
		"destination": r.destination,
		"ts":          ts,
	})
	r.pctx.Log.Debug("routed input",
		zap.String("source", source),
		zap.String("destination", r.destination))
}

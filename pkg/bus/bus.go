// Package bus implements the synchronous publish/subscribe event bus that
// connects Butler's plugins without compile-time coupling. Events are named
// from a fixed process-wide vocabulary (see pkg/protocol); delivery to the
// subscribers of one event follows subscription order, and a panicking
// subscriber never prevents delivery to the rest.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Payload is the immutable key/value body of an event. Subscribers must not
// mutate it.
type Payload map[string]any

// Handler receives the sender id and payload of a published event.
type Handler func(senderID string, payload Payload)

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	id    string
	event string
}

// Event returns the event name this subscription is attached to.
func (s Subscription) Event() string { return s.event }

// entry pairs a subscription id with its handler.
type entry struct {
	id      string
	handler Handler
}

// Bus dispatches events synchronously to subscribers in subscription order.
type Bus struct {
	log *zap.Logger

	mu   sync.Mutex
	subs map[string][]entry // event name -> ordered handlers

	// nowFunc allows tests to control event timestamps.
	nowFunc func() time.Time
}

// New creates an empty Bus.
func New(log *zap.Logger) *Bus {
	return &Bus{
		log:     log.Named("bus"),
		subs:    make(map[string][]entry),
		nowFunc: time.Now,
	}
}

// Subscribe registers handler for event and returns a handle for
// Unsubscribe. Handlers for one event are invoked in subscription order.
func (b *Bus) Subscribe(event string, handler Handler) Subscription {
	sub := Subscription{id: uuid.NewString(), event: event}
	b.mu.Lock()
	b.subs[event] = append(b.subs[event], entry{id: sub.id, handler: handler})
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a previously registered handler. Unknown handles are
// ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.subs[sub.event]
	for i, e := range entries {
		if e.id == sub.id {
			b.subs[sub.event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Publish synchronously invokes all currently registered subscribers of
// event. A panic inside a subscriber is recovered and logged with the
// subscriber and event identified; remaining subscribers still run.
// Publish stamps payload["ts"] if the publisher did not.
func (b *Bus) Publish(event, senderID string, payload Payload) {
	if payload == nil {
		payload = Payload{}
	}
	if _, ok := payload["ts"]; !ok {
		payload["ts"] = b.nowFunc().UTC().Format(time.RFC3339)
	}

	// Snapshot under lock so handlers can subscribe/unsubscribe freely.
	b.mu.Lock()
	entries := make([]entry, len(b.subs[event]))
	copy(entries, b.subs[event])
	b.mu.Unlock()

	for _, e := range entries {
		b.deliver(event, senderID, e, payload)
	}
}

// deliver invokes one handler with panic isolation.
func (b *Bus) deliver(event, senderID string, e entry, payload Payload) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panic",
				zap.String("event", event),
				zap.String("sender", senderID),
				zap.String("subscription", e.id),
				zap.Any("panic", r))
		}
	}()
	e.handler(senderID, payload)
}

// SubscriberCount returns the number of handlers registered for event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}

package bus //nolint:testpackage // white-box tests need access to unexported fields

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestBus() *Bus {
	b := New(zap.NewNop())
	b.nowFunc = func() time.Time { return time.Date(2025, 2, 17, 12, 0, 0, 0, time.UTC) }
	return b
}

func TestPublishInSubscriptionOrder(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		b.Subscribe("input.received", func(sender string, p Payload) {
			got = append(got, i)
		})
	}

	b.Publish("input.received", "test", Payload{"text": "hi"})

	if len(got) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("delivery order broken at %d: got %v", i, got)
		}
	}
}

func TestPanickingSubscriberDoesNotAbortDelivery(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	var delivered []string

	b.Subscribe("note.routed", func(sender string, p Payload) {
		delivered = append(delivered, "first")
	})
	b.Subscribe("note.routed", func(sender string, p Payload) {
		panic("plugin bug")
	})
	b.Subscribe("note.routed", func(sender string, p Payload) {
		delivered = append(delivered, "third")
	})

	b.Publish("note.routed", "router", Payload{"text": "x", "destination": "daily"})

	if len(delivered) != 2 || delivered[0] != "first" || delivered[1] != "third" {
		t.Fatalf("expected [first third], got %v", delivered)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	count := 0
	sub := b.Subscribe("heartbeat.tick", func(sender string, p Payload) { count++ })

	b.Publish("heartbeat.tick", "scheduler", nil)
	b.Unsubscribe(sub)
	b.Publish("heartbeat.tick", "scheduler", nil)

	if count != 1 {
		t.Fatalf("expected 1 delivery after unsubscribe, got %d", count)
	}
	if n := b.SubscriberCount("heartbeat.tick"); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
}

func TestUnsubscribePreservesOrderOfOthers(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	var got []string
	subA := b.Subscribe("file.changed", func(sender string, p Payload) { got = append(got, "a") })
	b.Subscribe("file.changed", func(sender string, p Payload) { got = append(got, "b") })
	b.Subscribe("file.changed", func(sender string, p Payload) { got = append(got, "c") })

	b.Unsubscribe(subA)
	b.Publish("file.changed", "watcher", Payload{"path": "daily/2025-02-17.md"})

	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("expected [b c], got %v", got)
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	var ts any
	b.Subscribe("input.received", func(sender string, p Payload) { ts = p["ts"] })

	b.Publish("input.received", "voice", Payload{"text": "hello"})

	if ts != "2025-02-17T12:00:00Z" {
		t.Fatalf("expected stamped RFC3339 ts, got %v", ts)
	}
}

func TestPublishKeepsCallerTimestamp(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	var ts any
	b.Subscribe("input.received", func(sender string, p Payload) { ts = p["ts"] })

	b.Publish("input.received", "voice", Payload{"text": "hello", "ts": "caller"})

	if ts != "caller" {
		t.Fatalf("expected caller-provided ts preserved, got %v", ts)
	}
}

func TestSubscribeDuringPublishDoesNotReceiveCurrentEvent(t *testing.T) {
	t.Parallel()

	b := newTestBus()
	lateCalled := false
	b.Subscribe("day.ended", func(sender string, p Payload) {
		b.Subscribe("day.ended", func(sender string, p Payload) { lateCalled = true })
	})

	b.Publish("day.ended", "scheduler", Payload{"date": "2025-02-17"})

	if lateCalled {
		t.Fatal("handler subscribed mid-publish must not receive the in-flight event")
	}
	if n := b.SubscriberCount("day.ended"); n != 2 {
		t.Fatalf("expected 2 subscribers after publish, got %d", n)
	}
}

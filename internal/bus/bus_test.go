package bus_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/dlorp/synapse-engine/internal/bus"
	"github.com/dlorp/synapse-engine/internal/domain/event"
)

func drain(sub *bus.Subscription) []event.Event {
	var out []event.Event
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestEmitDeliversInOrder(t *testing.T) {
	b := bus.New(16)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := range 10 {
		b.Emit(event.Event{Type: event.Type(fmt.Sprintf("t%d", i))})
	}

	got := drain(sub)
	if len(got) != 10 {
		t.Fatalf("delivered %d events, want 10", len(got))
	}
	for i, evt := range got {
		if want := event.Type(fmt.Sprintf("t%d", i)); evt.Type != want {
			t.Errorf("event %d: type %s, want %s", i, evt.Type, want)
		}
	}
}

func TestSlowSubscriberDropsOldestOnly(t *testing.T) {
	b := bus.New(4)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := range 10 {
		b.Emit(event.Event{Type: event.Type(fmt.Sprintf("t%d", i))})
	}

	got := drain(sub)
	if len(got) != 4 {
		t.Fatalf("delivered %d events, want 4 (buffer size)", len(got))
	}
	// Drop-oldest: the survivors are the newest four, still in emission order.
	for i, evt := range got {
		if want := event.Type(fmt.Sprintf("t%d", i+6)); evt.Type != want {
			t.Errorf("event %d: type %s, want %s", i, evt.Type, want)
		}
	}
	if sub.Dropped() != 6 {
		t.Errorf("dropped = %d, want 6", sub.Dropped())
	}
}

func TestSubscribeReplaysHistory(t *testing.T) {
	b := bus.New(16)
	b.Emit(event.Event{Type: "before.1"})
	b.Emit(event.Event{Type: "before.2"})

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	b.Emit(event.Event{Type: "after.1"})

	got := drain(sub)
	if len(got) != 3 {
		t.Fatalf("delivered %d events, want 3 (2 replayed + 1 live)", len(got))
	}
	if got[0].Type != "before.1" || got[1].Type != "before.2" || got[2].Type != "after.1" {
		t.Errorf("unexpected order: %v %v %v", got[0].Type, got[1].Type, got[2].Type)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := bus.New(4)
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call must not panic on the closed channel

	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("channel still open after unsubscribe")
	}
}

func TestEmitStampsTimestampAndSeverity(t *testing.T) {
	b := bus.New(4)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Emit(event.Event{Type: "x"})
	got := drain(sub)
	if len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
	if got[0].Timestamp.IsZero() || time.Since(got[0].Timestamp) > time.Minute {
		t.Errorf("timestamp not stamped: %v", got[0].Timestamp)
	}
	if got[0].Severity != event.SeverityInfo {
		t.Errorf("severity = %s, want info", got[0].Severity)
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := bus.New(4)
	sub := b.Subscribe()
	b.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("channel still open after bus close")
	}
	// Emissions after close are discarded.
	b.Emit(event.Event{Type: "late"})
}

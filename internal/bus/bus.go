// Package bus implements the in-process publish/subscribe fan-out for
// observability events.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlorp/synapse-engine/internal/domain/event"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// historyCap bounds the replay backlog handed to new subscribers.
const historyCap = 256

// Subscription is one consumer's view of the bus. Events arrive on
// Events() in emission order; when the consumer falls behind, the oldest
// buffered event is dropped and Dropped() incremented.
type Subscription struct {
	id      uint64
	ch      chan event.Event
	dropped atomic.Int64
}

// Events returns the receive channel. It is closed on Unsubscribe and
// on bus Close.
func (s *Subscription) Events() <-chan event.Event {
	return s.ch
}

// Dropped returns how many events were discarded because the subscriber
// buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus fans events out to all current subscribers. Emit never blocks on
// a slow consumer.
type Bus struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	bufSize int
	history []event.Event
	closed  bool
}

// New creates a Bus with the given per-subscriber buffer capacity.
// Sizes below 1 fall back to DefaultBufferSize.
func New(bufSize int) *Bus {
	if bufSize < 1 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		subs:    make(map[uint64]*Subscription),
		bufSize: bufSize,
	}
}

// Subscribe registers a new consumer. The retained event backlog is
// queued onto the subscription first so late-joining clients see recent
// history before live events.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id: b.nextID,
		ch: make(chan event.Event, b.bufSize),
	}
	if b.closed {
		close(sub.ch)
		return sub
	}

	// Replay newest history that fits the buffer.
	start := 0
	if len(b.history) > b.bufSize {
		start = len(b.history) - b.bufSize
	}
	for _, evt := range b.history[start:] {
		sub.ch <- evt
	}

	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the consumer and closes its channel. Calling it
// more than once is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Emit delivers evt to every subscriber without blocking. When a
// subscriber's buffer is full its oldest buffered event is discarded
// (drop-oldest) so delivery stays a prefix-respecting subsequence of
// the emission order.
func (b *Bus) Emit(evt event.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Severity == "" {
		evt.Severity = event.SeverityInfo
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.history = append(b.history, evt)
	if len(b.history) > historyCap {
		b.history = b.history[len(b.history)-historyCap:]
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
			continue
		default:
		}
		// Buffer full: discard the oldest, then retry once. The inner
		// receive can race a consumer draining concurrently, in which
		// case the retry simply succeeds.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription and rejects further emissions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

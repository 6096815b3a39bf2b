// Package progress is the pipeline's event spine: phases publish typed
// events to the bus, and sinks (the progress.md log, the dashboard) consume
// them without ever blocking the publisher.
package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies one bus channel.
type EventType string

const (
	EventInitialized     EventType = "initialized"
	EventPhaseStart      EventType = "phase-start"
	EventChapterStart    EventType = "chapter-start"
	EventChapterComplete EventType = "chapter-complete"
	EventImageComplete   EventType = "image-complete"
	EventStats           EventType = "stats"
	EventProgress        EventType = "progress"
	EventInitialState    EventType = "initial-state"
)

// Event is one bus message. Data is the type-specific payload and must be
// JSON-marshalable, since the dashboard forwards it on the wire verbatim.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBuffer bounds each subscriber's queue. A consumer that falls
// this far behind is disconnected rather than stalling the pipeline.
const subscriberBuffer = 256

// Bus fans events out to subscribers. Publishing never blocks: a full
// subscriber queue means the consumer fell behind, so the bus closes that
// subscriber. A disconnected consumer reconnects and resyncs from a fresh
// initial-state snapshot.
type Bus struct {
	mu         sync.Mutex
	subs       map[int]chan Event
	nextID     int
	closed     bool
	overflowed atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe attaches a consumer. The returned cancel func detaches it and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// The bus may already have detached this subscriber on overflow or
		// Close; only the owner still present in the map closes the channel.
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber, stamping the time.
func (b *Bus) Publish(t EventType, data any) {
	ev := Event{Type: t, Data: data, Timestamp: time.Now().UTC()}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Queue full: disconnect the subscriber so its consumer can
			// reconnect and resync instead of diverging silently.
			delete(b.subs, id)
			close(ch)
			b.overflowed.Add(1)
		}
	}
}

// Overflowed counts subscribers disconnected for falling behind.
func (b *Bus) Overflowed() int64 {
	return b.overflowed.Load()
}

// Close detaches and closes every subscriber. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Package bus provides the in-process typed pub/sub registry that decouples
// the transport layer from its consumers. Inbound envelopes are published
// under their type tag; consumers subscribe to the tags they care about and
// never see raw frames.
package bus

import (
	"encoding/json"
	"log"
	"sync"
)

// Handler receives the payload published under a topic. Handlers run
// synchronously on the publisher's goroutine and should not block.
type Handler func(data json.RawMessage)

// Subscription is the handle returned by Subscribe. Every Subscribe must be
// paired with an Unsubscribe on teardown, otherwise handlers accumulate
// across reconnect cycles and deliver duplicates.
type Subscription struct {
	topic string
	id    uint64
}

// Topic returns the topic this subscription is registered under.
func (s *Subscription) Topic() string {
	if s == nil {
		return ""
	}
	return s.topic
}

type entry struct {
	id      uint64
	handler Handler
}

// Bus is a goroutine-safe topic registry. Multiple handlers may be registered
// under one topic; delivery order is registration order. Registering the same
// handler twice delivers twice.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	topics map[string][]entry
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]entry)}
}

// Subscribe registers handler under topic and returns a handle for
// Unsubscribe. It is safe to call from within a handler currently executing
// for the same topic; the new handler is not invoked for the publish in
// flight.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.topics[topic] = append(b.topics[topic], entry{id: b.nextID, handler: handler})
	return &Subscription{topic: topic, id: b.nextID}
}

// Unsubscribe removes the handler identified by sub. It is idempotent:
// unsubscribing an already-removed or nil handle is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.topics[sub.topic]
	for i, e := range entries {
		if e.id == sub.id {
			b.topics[sub.topic] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Publish invokes every handler registered under topic, in registration
// order, synchronously on the caller's goroutine. Handlers are invoked
// against a snapshot of the registry, so subscribe/unsubscribe from within a
// handler cannot corrupt the iteration. A panicking handler is logged and
// does not prevent delivery to the remaining handlers.
func (b *Bus) Publish(topic string, data json.RawMessage) {
	b.mu.Lock()
	entries := b.topics[topic]
	snapshot := make([]entry, len(entries))
	copy(snapshot, entries)
	b.mu.Unlock()

	for _, e := range snapshot {
		invoke(topic, e.handler, data)
	}
}

// SubscriberCount returns the number of handlers currently registered under
// topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

func invoke(topic string, h Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bus: handler panic on topic %q: %v", topic, r)
		}
	}()
	h(data)
}

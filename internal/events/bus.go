// Package events carries execution outcomes from the worker pipeline to
// notification consumers over an in-process bus.
package events

import "sync"

// Event names a pipeline topic. The trade topics double as the frame names
// pushed to websocket clients, so their strings are part of the client
// contract.
type Event string

const (
	EventTradeExecuted Event = "trade:executed"
	EventTradeError    Event = "trade:error"
	EventJobRetry      Event = "job:retry"
)

// Bus fans payloads out to per-topic subscribers. Publishing never blocks:
// a subscriber that cannot keep up loses frames, the job record stays the
// durable source of truth.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	topics map[Event]map[int]chan any
}

func NewBus() *Bus {
	return &Bus{topics: make(map[Event]map[int]chan any)}
}

// Subscribe returns a receive channel for the topic and a function that
// detaches and closes it.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[e] == nil {
		b.topics[e] = make(map[int]chan any)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan any, buffer)
	b.topics[e][id] = ch

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.topics[e][id]; ok {
			delete(b.topics[e], id)
			close(sub)
		}
	}
	return ch, unsub
}

// Publish delivers the payload to every subscriber of the topic, dropping it
// for any subscriber whose buffer is full.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.topics[e] {
		select {
		case ch <- payload:
		default:
		}
	}
}

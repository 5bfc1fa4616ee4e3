// Package bus carries the engine's domain events between components:
// message upserts, send acknowledgments and failures, conversation changes,
// connectivity transitions. Delivery is fire-and-forget.
package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe hub. Subscribers register a kind
// prefix ("message.", "network.") and receive every event under it.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
}

type subscription struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish fans evt out to every subscriber whose prefix matches evt.Kind.
// Publish never blocks: a subscriber that has not drained its buffer misses
// the event. Observers rebuild state from the cache on each event, so a
// dropped event costs at most one stale snapshot, not data.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.prefix) {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// Subscribe registers interest in a kind prefix and returns the receiving
// channel plus an unsubscribe function. bufSize bounds how far the
// subscriber may lag before events are dropped.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscription{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

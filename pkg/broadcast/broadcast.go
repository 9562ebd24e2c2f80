// Package broadcast carries auth state changes between components of the
// same client context. It is the cheap path: subscribers learn about a
// sign-in or sign-out immediately instead of waiting for a storage
// round-trip. Cross-context propagation goes through storage change events,
// not through this bus.
package broadcast

import "sync"

// StateChange is the payload published on every authenticated-state flip.
// Identity fields are only set when Authenticated is true.
type StateChange struct {
	Authenticated bool
	IdentityID    string
	Email         string
	DisplayName   string
}

// Bus is a fan-out channel bus. Safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan StateChange
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan StateChange)}
}

// Subscribe registers a listener and returns its channel plus a cancel
// function. The cancel function must be called when the consumer is torn
// down, otherwise the subscription leaks.
func (b *Bus) Subscribe(buffer int) (<-chan StateChange, func()) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan StateChange, buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the change to every subscriber without blocking. A
// subscriber that has fallen behind misses the event; the periodic re-check
// in the controller covers that case.
func (b *Bus) Publish(change StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

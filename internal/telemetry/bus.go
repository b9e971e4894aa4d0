package telemetry

import (
	"sync"

	"routekern/internal/event"
)

// Bus is the in-process event fan-out. External consumers subscribe here (or
// over the gateway's websocket endpoint); they never read or write kernel
// files directly. Slow subscribers lose events rather than stalling the
// writer path.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan event.Envelope
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan event.Envelope)}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan event.Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan event.Envelope, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an envelope to every subscriber without blocking. A full
// subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(env event.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are registered.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

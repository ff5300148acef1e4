// Cache-invalidation event bus. Writes publish after commit; caches and
// dashboards subscribe. The bus tolerates missing subscribers and slow
// consumers without ever failing a write.
package store

import (
	"sync"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// InvalidationBus fans out invalidation events to subscribers.
type InvalidationBus struct {
	mu     sync.RWMutex
	subs   map[int]chan types.InvalidationEvent
	nextID int
	closed bool
}

// subscriberBuffer bounds each subscriber channel. Events beyond the buffer
// are dropped for that subscriber rather than blocking the publisher.
const subscriberBuffer = 64

// NewInvalidationBus creates an empty bus.
func NewInvalidationBus() *InvalidationBus {
	return &InvalidationBus{subs: make(map[int]chan types.InvalidationEvent)}
}

// Subscribe registers a consumer. The returned cancel func must be called to
// release the subscription.
func (b *InvalidationBus) Subscribe() (<-chan types.InvalidationEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan types.InvalidationEvent, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
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

// Publish delivers an event to all subscribers. Non-blocking: a full
// subscriber buffer drops the event for that subscriber with a debug log.
func (b *InvalidationBus) Publish(event types.InvalidationEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			logging.StoreDebug("Invalidation bus: subscriber %d buffer full, dropping %s/%s",
				id, event.EntryType, event.EntryID)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *InvalidationBus) Close() {
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

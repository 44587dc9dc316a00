package events

import (
	"sync"
)

// Bus is the process-local progress broadcaster. The listener list is
// copy-on-write: Publish iterates a snapshot, so subscribing or
// unsubscribing during a dispatch is safe from any goroutine. Delivery is
// at-most-once; a slow consumer drops events rather than blocking the
// publisher.
type Bus struct {
	mu        sync.Mutex
	listeners map[int]chan ProgressEvent
	nextID    int
	snapshot  []chan ProgressEvent
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[int]chan ProgressEvent)}
}

// Subscribe registers a listener and returns its channel plus an
// unsubscribe function, safe to call more than once. The channel is never
// closed — a Publish racing an unsubscribe may still hold it in a stale
// snapshot — so consumers exit via their own context, not channel closure.
func (b *Bus) Subscribe() (<-chan ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan ProgressEvent, listenerBuffer)
	b.listeners[id] = ch
	b.rebuildSnapshot()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			b.rebuildSnapshot()
		})
	}
	return ch, unsubscribe
}

// Publish delivers the event to every current listener without blocking.
func (b *Bus) Publish(event ProgressEvent) {
	b.mu.Lock()
	snapshot := b.snapshot
	b.mu.Unlock()

	for _, ch := range snapshot {
		select {
		case ch <- event:
		default:
			// Listener is behind; drop rather than stall the worker.
		}
	}
}

// SubscriberCount returns the number of active listeners.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// rebuildSnapshot refreshes the copy-on-write dispatch list. Callers hold mu.
func (b *Bus) rebuildSnapshot() {
	snapshot := make([]chan ProgressEvent, 0, len(b.listeners))
	for _, ch := range b.listeners {
		snapshot = append(snapshot, ch)
	}
	b.snapshot = snapshot
}

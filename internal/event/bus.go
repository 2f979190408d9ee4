package event

import (
	"fmt"
	"sync"
)

// Observer receives bus activity callbacks. Implementations must be fast
// and non-blocking: both methods are invoked inline from Publish.
type Observer interface {
	EventPublished()
	EventDropped(subID string)
}

// Bus is the process-wide publish/subscribe registry for traffic events.
// Producers call Publish; each subscriber registers a channel that receives
// a reference to every event published until it unsubscribes.
//
// Publish never blocks on a subscriber: a subscriber whose channel is full
// has the event dropped (and counted via the Observer, if set).
type Bus struct {
	mu       sync.RWMutex
	subs     map[string]chan<- Event
	closed   bool
	observer Observer
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]chan<- Event),
	}
}

// SetObserver configures the activity observer. Must be called before the
// bus is shared with producers.
func (b *Bus) SetObserver(o Observer) {
	b.observer = o
}

// Subscribe registers ch to receive every event published after this call
// returns, until Unsubscribe(id). The bus never closes ch except in Close.
func (b *Bus) Subscribe(id string, ch chan<- Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}
	if _, ok := b.subs[id]; ok {
		return fmt.Errorf("subscription %q already registered", id)
	}
	b.subs[id] = ch
	return nil
}

// Unsubscribe deregisters the subscription immediately. Events already
// delivered into the channel remain there; the channel is not closed and
// is simply abandoned once its consumer stops reading.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers ev to every current subscriber in registration-
// independent order. Delivery to each subscriber is FIFO with respect to
// other Publish calls from the same goroutine.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if b.observer != nil {
		b.observer.EventPublished()
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber can't keep up; drop rather than stall producers.
			if b.observer != nil {
				b.observer.EventDropped(id)
			}
		}
	}
}

// Close shuts the bus down for process exit. All subscriber channels are
// closed, which is how downstream consumers learn that no further events
// will ever arrive. Publish and Subscribe fail after Close.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

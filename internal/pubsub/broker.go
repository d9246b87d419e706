package pubsub

import (
	"context"
	"sync"
)

// EventType describes the kind of event.
type EventType string

const (
	Created EventType = "created"
	Updated EventType = "updated"
)

// Event wraps a typed payload with an event type.
type Event[T any] struct {
	Type    EventType
	Payload T
}

// Filter decides whether a subscriber receives a payload.
type Filter[T any] func(T) bool

// subscriberBufferSize is the channel buffer size for each subscriber.
const subscriberBufferSize = 64

type subscriber[T any] struct {
	filters []Filter[T]
}

func (s subscriber[T]) accepts(payload T) bool {
	for _, f := range s.filters {
		if !f(payload) {
			return false
		}
	}
	return true
}

// Broker is a generic, thread-safe publish/subscribe broker.
type Broker[T any] struct {
	mu   sync.RWMutex
	subs map[chan Event[T]]subscriber[T]
}

// NewBroker creates a new Broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subs: make(map[chan Event[T]]subscriber[T]),
	}
}

// Subscribe creates a new subscription. The returned channel receives events
// whose payload passes every filter until the provided context is cancelled,
// at which point the channel is closed and the subscription is removed.
func (b *Broker[T]) Subscribe(ctx context.Context, filters ...Filter[T]) <-chan Event[T] {
	ch := make(chan Event[T], subscriberBufferSize)

	b.mu.Lock()
	b.subs[ch] = subscriber[T]{filters: filters}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Publish broadcasts an event to all matching subscribers. If a subscriber's
// buffer is full, the event is dropped for that subscriber (non-blocking).
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	evt := Event[T]{Type: eventType, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, sub := range b.subs {
		if !sub.accepts(payload) {
			continue
		}
		select {
		case ch <- evt:
		default:
			// Drop event for slow subscriber
		}
	}
}

// Len returns the number of active subscriptions.
func (b *Broker[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

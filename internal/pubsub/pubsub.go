// Package pubsub is a small in-process publish-subscribe broker used to fan
// out replica lifecycle events (role changes, leader changes, commits) to
// interested listeners without coupling them to the consensus loop.
package pubsub

import (
	"log"
	"sync"
	"sync/atomic"
)

// EventType is the type of event subscribers are listening for.
type EventType int

// SubscriberID identifies a single subscription and is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID uint64

// Event is a generic event with compile-time type safety for payloads.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{Type: eventType, Payload: payload}
}

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true, Publish blocks until the subscriber's channel accepts the
	// event. Non-blocking subscribers have events dropped when their channel
	// is full, protecting the broker from a slow listener.
	IsBlocking bool
}

// subscriber stores type-erased closures over a typed channel so channels of
// different Event[T] instantiations can live in one registry map.
type subscriber struct {
	sendFunc   func(eventType EventType, payload any) bool
	closeFunc  func()
	options    SubscriptionOptions
	numDropped atomic.Uint64
}

// Broker implements the publish-subscribe pattern and is safe for concurrent
// use.
type Broker struct {
	mu       sync.RWMutex
	registry map[EventType]map[SubscriberID]*subscriber
	closed   bool
}

func NewBroker() *Broker {
	return &Broker{registry: make(map[EventType]map[SubscriberID]*subscriber)}
}

// Subscribe registers ch to receive events of the given type. The caller owns
// the channel and chooses its buffer size.
//
// Subscribe is a free function because Go methods cannot declare their own
// type parameters.
func Subscribe[T any](b *Broker, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))
	sub := &subscriber{
		options: opts,
		sendFunc: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				log.Printf("[PUBSUB] Dropping event %v: payload type mismatch (want %T, got %T)", evType, *new(T), payload)
				return false
			}
			event := &Event[T]{Type: evType, Payload: typed}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		closeFunc: func() { close(ch) },
	}

	if _, ok := b.registry[eventType]; !ok {
		b.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	b.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(eventType EventType, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.registry, eventType)
	}
	sub.closeFunc()
}

// Publish delivers an event to every subscriber registered for its type.
func Publish[T any](b *Broker, event *Event[T]) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, sub := range b.registry[event.Type] {
		if !sub.sendFunc(event.Type, event.Payload) && !sub.options.IsBlocking {
			dropped := sub.numDropped.Add(1)
			log.Printf("[PUBSUB] Dropped event %v for subscriber %d (channel full, total dropped %d)", event.Type, id, dropped)
		}
	}
}

// Close rejects further publishes and closes every subscriber channel. It is
// idempotent.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for eventType, subs := range b.registry {
		for _, sub := range subs {
			sub.closeFunc()
		}
		delete(b.registry, eventType)
	}
}

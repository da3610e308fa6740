// Package bus provides the in-process publish/subscribe fabric that keeps
// observers (UI, coordinator, event feed) informed without polling.
//
// Delivery is synchronous and in subscription order within the publishing
// goroutine. A panicking handler is isolated: it is logged and delivery
// continues with the remaining handlers. There is no cross-process or
// persisted delivery; components that need durability persist their own
// state and treat bus events as notifications only.
package bus

import (
	"log"
	"os"
	"sync"
)

// Topic names an event stream. Producing packages declare their own topic
// constants next to the payload types they publish.
type Topic string

// Handler receives published payloads. Handlers must not block for long;
// publishing is synchronous.
type Handler func(payload any)

// Token identifies a subscription so it can be cancelled.
type Token struct {
	topic Topic
	id    uint64
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous in-process event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscription
	nextID uint64
	logger *log.Logger
}

// New creates an empty Bus. If logger is nil, a default logger writing to
// stderr is used.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[bus] ", log.LstdFlags)
	}
	return &Bus{
		subs:   make(map[Topic][]subscription),
		logger: logger,
	}
}

// Subscribe registers handler for topic and returns a Token for
// Unsubscribe. Handlers for a topic are invoked in subscription order.
func (b *Bus) Subscribe(topic Topic, handler Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[topic] = append(b.subs[topic], subscription{id: b.nextID, handler: handler})
	return Token{topic: topic, id: b.nextID}
}

// Unsubscribe cancels the subscription identified by tok. Unsubscribing a
// token twice is a no-op.
func (b *Bus) Unsubscribe(tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[tok.topic]
	for i, sub := range subs {
		if sub.id == tok.id {
			b.subs[tok.topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every handler subscribed to topic, in
// subscription order, on the calling goroutine. A handler panic does not
// prevent delivery to subsequent handlers.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(topic, sub, payload)
	}
}

// deliver invokes a single handler with panic isolation.
func (b *Bus) deliver(topic Topic, sub subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("handler panic on %q: %v", topic, r)
		}
	}()
	sub.handler(payload)
}

// SubscriberCount returns the number of handlers subscribed to topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Package bus provides the internal publish/subscribe bus that carries all
// core events between components. UI layers subscribe to typed topics
// instead of wiring handlers onto the raw transport.
package bus

import "sync"

// Topic names a stream of events on the bus.
type Topic string

const (
	// TopicTransportEvent carries every decoded push-channel event. It is
	// consumed by the synchronizer and the presence center, which
	// republish refined state on the topics below.
	TopicTransportEvent Topic = "transport:event"

	// TopicSessionUpdate carries a model.Session after any state change.
	TopicSessionUpdate Topic = "session:update"

	// TopicPresenceChange carries the participant roster after any change.
	TopicPresenceChange Topic = "presence:change"

	// TopicNotificationNew carries each new model.Notification.
	TopicNotificationNew Topic = "notification:new"

	// TopicConnectionStatus carries transport.Status on every change.
	TopicConnectionStatus Topic = "connection:status"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(payload any)

// Bus is a topic-keyed fan-out of events to subscribed handlers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Topic]map[int]Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic]map[int]Handler)}
}

// Subscribe registers a handler for a topic and returns a function that
// removes the subscription. The returned function is safe to call more
// than once.
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

// Publish delivers payload to every handler subscribed to the topic.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

// SubscriberCount returns the number of handlers on a topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

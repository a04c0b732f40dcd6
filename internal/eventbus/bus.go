// Package eventbus provides an in-process, topic keyed publish/subscribe bus.
//
// Delivery is synchronous and ordered: Publish calls every handler currently
// subscribed to the exact topic string, in the order they subscribed, before
// returning. A handler that returns an error or panics is logged and skipped;
// the remaining handlers still run and the publisher never sees the failure.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
)

// Event names used for shard scoped topics.
const (
	EventOpen     = "open"
	EventLogin    = "login"
	EventLocation = "location"
	EventClose    = "close"
)

// BalancerTopic carries load signals for shard assignment.
const BalancerTopic = "receive::balancer"

// ShardTopic returns the topic for an event on the given shard, e.g. "server2::login".
func ShardTopic(shard int, event string) string {
	return fmt.Sprintf("server%d::%s", shard, event)
}

// Message is what a handler receives.
type Message struct {
	Topic   string
	Payload any
}

// Handler consumes a published message.
type Handler func(Message) error

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus   *Bus
	topic string
	id    uint64
}

// Topic returns the topic this subscription listens on.
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe removes the handler. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s.topic, s.id)
}

type entry struct {
	id      uint64
	handler Handler
}

// Bus routes messages from publishers to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]entry
	nextID uint64
	logger *slog.Logger

	// OnHandlerError, when set, is called after a handler failure is logged.
	OnHandlerError func(topic string, err error)
}

// New creates an empty bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		topics: make(map[string][]entry),
		logger: logger,
	}
}

// Subscribe registers handler for topic. Events published before this call
// are not replayed.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.topics[topic] = append(b.topics[topic], entry{id: b.nextID, handler: handler})
	return &Subscription{bus: b, topic: topic, id: b.nextID}
}

// Publish delivers payload to every current subscriber of topic and reports
// how many handlers were invoked.
func (b *Bus) Publish(topic string, payload any) int {
	handlers := b.snapshot(topic)
	msg := Message{Topic: topic, Payload: payload}
	for _, e := range handlers {
		if err := b.invoke(e.handler, msg); err != nil {
			b.logger.Warn("event handler failed", "topic", topic, "error", err)
			if b.OnHandlerError != nil {
				b.OnHandlerError(topic, err)
			}
		}
	}
	return len(handlers)
}

// SubscriberCount returns the number of handlers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// snapshot copies the handler list so handlers may subscribe or unsubscribe
// while a publish is in flight.
func (b *Bus) snapshot(topic string) []entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	list := b.topics[topic]
	if len(list) == 0 {
		return nil
	}
	return append([]entry(nil), list...)
}

func (b *Bus) invoke(h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(msg)
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.topics[topic]
	for i, e := range list {
		if e.id != id {
			continue
		}
		next := make([]entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.topics, topic)
		} else {
			b.topics[topic] = next
		}
		return
	}
}

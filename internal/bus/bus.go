// Package bus is an in-process pub/sub event bus used to wake waiters
// (ApprovalRegistry.wait, the Dispatcher's ingress-notification path)
// without polling.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 64

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Topics used by the core. A subscriber matches on prefix, so
// "approval." matches every approval event.
const (
	TopicTaskEnqueued      = "task.enqueued"
	TopicTaskStateChanged  = "task.state_changed"
	TopicApprovalDecided   = "approval.decided"
	TopicApprovalCreated   = "approval.created"
	TopicCronFired         = "cron.fired"
	TopicConversationReady = "conversation.ready"
)

// Subscription is an active subscription to a topic prefix.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
// Delivery is best-effort: a slow subscriber with a full buffer drops events
// rather than blocking the publisher, since the Store remains the source of
// truth a dropped wakeup can always be recovered by polling.
type Bus struct {
	mu            sync.RWMutex
	subs          map[int]*Subscription
	nextID        int
	logger        *slog.Logger
	droppedEvents atomic.Int64
}

// New creates a Bus. A nil logger disables drop-warning logging.
func New(logger *slog.Logger) *Bus {
	return &Bus{subs: make(map[int]*Subscription), logger: logger}
}

// Subscribe creates a subscription for events whose topic has the given
// prefix. An empty prefix matches every topic.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, prefix: topicPrefix, ch: make(chan Event, defaultBufferSize)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to every subscriber whose prefix matches topic.
// Non-blocking: a subscriber with a full buffer has the event dropped.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				n := b.droppedEvents.Add(1)
				if b.logger != nil {
					b.logger.Warn("bus event dropped, subscriber buffer full", "topic", topic, "dropped_total", n)
				}
			}
		}
	}
}

// DroppedEventCount returns the total number of events dropped so far.
func (b *Bus) DroppedEventCount() int64 { return b.droppedEvents.Load() }

// Package events provides the in-process pub/sub bus that carries live
// job and host notifications to SSE streams and the scheduler's peers.
//
// Topics are per entity ("job:{id}", "host:{id}"). Delivery is
// at-least-once for live subscriptions only; nothing is replayed, so a
// consumer that reconnects re-reads current state before resubscribing.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/me/gpubroker/pkg/model"
)

// subscriptionBuffer is the per-subscriber channel capacity. A consumer
// that falls this far behind loses the newest signals, which are
// dropped rather than queued, and is expected to recover via a point
// read.
const subscriptionBuffer = 64

// Bus fans events out to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*Subscription
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]map[int]*Subscription),
		logger: logger.With("component", "events"),
	}
}

// Subscription is one consumer's feed for a single topic.
// Close it when done or the bus will keep delivering.
type Subscription struct {
	C     <-chan model.Event
	ch    chan model.Event
	topic string
	id    int
	bus   *Bus
}

// Close detaches the subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	topicSubs, ok := s.bus.subs[s.topic]
	if !ok {
		return
	}
	if _, live := topicSubs[s.id]; !live {
		return
	}
	delete(topicSubs, s.id)
	if len(topicSubs) == 0 {
		delete(s.bus.subs, s.topic)
	}
	close(s.ch)
}

// Subscribe registers a consumer for a topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.Event, subscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch, topic: topic, id: b.nextID, bus: b}
	b.nextID++

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*Subscription)
	}
	b.subs[topic][sub.id] = sub
	return sub
}

// Publish delivers an event to every live subscription on the topic.
// Publishing never blocks: a full subscriber buffer drops the event for
// that subscriber only.
func (b *Bus) Publish(topic string, ev model.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("subscriber lagging, dropping event",
				"topic", topic, "type", ev.Type)
		}
	}
}

// SubscriberCount returns the number of live subscriptions on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

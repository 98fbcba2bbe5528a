// Package bus provides the in-process pub/sub used for cross-component
// hooks (plan step completed, query processed, consensus closed).
// Delivery is best-effort at-most-once per subscriber: each subscriber
// owns a bounded queue and events are dropped with a log line when the
// queue is full. Subscribers are registered at startup, not discovered
// dynamically.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Topics published by the core.
const (
	TopicStepCompleted      = "plan.step_completed"
	TopicStepFailed         = "plan.step_failed"
	TopicQueryProcessed     = "query.processed"
	TopicConsensusClosed    = "consensus.closed"
	TopicMemoryConsolidated = "memory.consolidated"
)

// Event is one published message.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Data      map[string]any
}

type subscriber struct {
	name  string
	topic string
	ch    chan Event
}

// Bus fans events out to subscribers without blocking publishers.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	closed  bool
	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for a topic with a bounded queue of
// size buffer. The handler runs on a dedicated goroutine until Close.
func (b *Bus) Subscribe(name, topic string, buffer int, handler func(Event)) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{name: name, topic: topic, ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		for evt := range sub.ch {
			handler(evt)
		}
	}()
}

// Publish delivers the event to every subscriber of the topic. A full
// subscriber queue drops the event; the publisher never blocks.
func (b *Bus) Publish(topic, source string, data map[string]any) {
	evt := Event{Topic: topic, Source: source, Timestamp: time.Now().UTC(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.topic != topic {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
			log.Warn().
				Str("topic", topic).
				Str("subscriber", sub.name).
				Msg("Event dropped, subscriber queue full")
		}
	}
}

// Dropped returns the number of events dropped so far.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops delivery and releases subscriber goroutines.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

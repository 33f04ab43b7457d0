// Package events is the in-process pub/sub channel between the scheduler
// and observability consumers (progress log, learnings log, summary).
// Publishing never blocks the scheduler: a slow consumer drops events
// rather than stalling task execution.
package events

import (
	"sync"
)

// defaultBufSize is the subscriber channel buffer.
const defaultBufSize = 256

// Bus is a topic-keyed pub/sub bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	all    []chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel receiving events published to topic.
func (b *Bus) Subscribe(topic string) <-chan Event {
	ch := make(chan Event, defaultBufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *Bus) SubscribeAll() <-chan Event {
	ch := make(chan Event, defaultBufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.all = append(b.all, ch)
	return ch
}

// Publish delivers e to topic subscribers and all-topic subscribers.
// Full subscriber channels drop the event.
func (b *Bus) Publish(topic string, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- e:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- e:
		default:
		}
	}
}

// Task publishes a task-topic event.
func (b *Bus) Task(e Event) { b.Publish(TopicTask, e) }

// Run publishes a run-topic event.
func (b *Bus) Run(e Event) { b.Publish(TopicRun, e) }

// Close closes every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
}

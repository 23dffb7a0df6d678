package events

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 256

// Bus is a channel-based pub-sub notification bus. It exists to cut
// scheduling latency; the store remains the source of truth, so components
// that miss a notification converge on their next poll. Delivery to a slow
// subscriber is therefore allowed to drop rather than block a publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event
	all     []chan Event
	closed  bool
	dropped atomic.Int64
}

// NewBus creates a new notification bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel fed by events published to topic. A bufSize
// at or below zero gets the default buffer.
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.newSub(bufSize, func(ch chan Event) {
		b.subs[topic] = append(b.subs[topic], ch)
	})
}

// SubscribeAll returns a channel fed by events from every topic.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	return b.newSub(bufSize, func(ch chan Event) {
		b.all = append(b.all, ch)
	})
}

// newSub allocates a subscriber channel and registers it under the bus
// lock. Subscribing to a closed bus yields an already-closed channel.
func (b *Bus) newSub(bufSize int, register func(ch chan Event)) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBuffer
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	register(ch)
	return ch
}

// Publish sends an event to the topic's subscribers and to every all-topic
// subscriber. Non-blocking: a full subscriber channel drops the event for
// that subscriber and bumps the drop counter.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		b.send(ch, event)
	}
	for _, ch := range b.all {
		b.send(ch, event)
	}
}

func (b *Bus) send(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the bus and every subscriber channel. Idempotent.
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

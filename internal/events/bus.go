package events

import (
	"sync"
)

// Sink receives engine events. The engine publishes after each committed
// transition; a sink must not block.
type Sink interface {
	Publish(topic string, event Event)
}

// NopSink discards every event.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(string, Event) {}

const defaultBufSize = 256

// EventBus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	closed  bool
}

var _ Sink = (*EventBus)(nil)

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events published to topic.
// bufSize defaults to 256 if <= 0.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(bufSize, func(ch chan Event) {
		b.subs[topic] = append(b.subs[topic], ch)
	})
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe(bufSize, func(ch chan Event) {
		b.allSubs = append(b.allSubs, ch)
	})
}

func (b *EventBus) subscribe(bufSize int, register func(chan Event)) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
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

// Publish sends an event to the subscribers of topic and to every
// SubscribeAll channel. A full subscriber channel drops the event for that
// subscriber only.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	deliver(b.subs[topic], event)
	deliver(b.allSubs, event)
}

func deliver(channels []chan Event, event Event) {
	for _, ch := range channels {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times.
func (b *EventBus) Close() {
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
	for _, ch := range b.allSubs {
		close(ch)
	}
}

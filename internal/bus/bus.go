package bus

import (
	"context"
	"sync"
)

// MessageBus routes inbound events from sources to the engine consumer and
// broadcasts engine events to subscribers (gateway WebSocket clients).
type MessageBus struct {
	inbound chan Event

	mu          sync.RWMutex
	subscribers map[string]EventHandler
	closed      bool
}

// NewMessageBus creates a bus with a bounded inbound queue.
func NewMessageBus(queueSize int) *MessageBus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &MessageBus{
		inbound:     make(chan Event, queueSize),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues an event for the engine consumer.
// Returns false if the queue is full or the bus is closed; the caller decides
// whether to log or retry — publishing never blocks the source.
// The lock is held across the send so Close cannot interleave between the
// closed check and the channel send (the send itself never blocks).
func (b *MessageBus) PublishInbound(ev Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.inbound <- ev:
		return true
	default:
		return false
	}
}

// ConsumeInbound blocks until an event is available or ctx is done.
// The second return is false when the consumer should stop.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-b.inbound:
		return ev, ok
	case <-ctx.Done():
		return Event{}, false
	}
}

// Subscribe registers a handler for broadcast engine events.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes a handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers an engine event to all subscribers.
// Handlers run synchronously; they must not block.
func (b *MessageBus) Broadcast(event EngineEvent) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Close marks the bus closed and releases the consumer.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.inbound)
}

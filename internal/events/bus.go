// Package events distributes endpoint lifecycle events inside one process.
//
// The endpoint publishes when it opens, faults, closes or cancels pending
// transactions; the controller subscribes to decide how a fault is surfaced
// (log, shut down, page someone).
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies lifecycle events.
type EventType string

const (
	EventEndpointOpened        EventType = "endpoint.opened"
	EventEndpointFaulted       EventType = "endpoint.faulted"
	EventEndpointClosed        EventType = "endpoint.closed"
	EventTransactionsCancelled EventType = "transactions.cancelled"
)

// Event is one lifecycle notification.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	EndpointID string                 `json:"endpoint_id"`
	Payload    map[string]interface{} `json:"payload"`
	Timestamp  time.Time              `json:"timestamp"`
}

// EventHandler processes events of a subscribed type.
type EventHandler func(ctx context.Context, event *Event) error

// Bus provides publish/subscribe for lifecycle events.
type Bus interface {
	// Publish sends an event to all subscribers of the event type.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) (unsubscribe func())

	// Close shuts down the bus.
	Close() error
}

// LocalBus is the in-memory Bus. Handlers run on their own goroutines so a
// slow subscriber never stalls the publisher.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscriberEntry
	nextID      int
	closed      bool
	wg          sync.WaitGroup
}

type subscriberEntry struct {
	id      int
	handler EventHandler
}

// NewLocalBus creates an empty in-memory bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscribers: make(map[EventType][]subscriberEntry),
	}
}

// Publish delivers an event to all matching subscribers asynchronously.
// Publishing on a closed bus is a no-op.
func (b *LocalBus) Publish(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	for _, entry := range b.subscribers[event.Type] {
		h := entry.handler
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := h(ctx, event); err != nil {
				slog.Warn("[EventBus] Handler error", "type", event.Type, "error", err)
			}
		}()
	}

	return nil
}

// Subscribe registers a handler for a specific event type.
func (b *LocalBus) Subscribe(eventType EventType, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{
		id:      id,
		handler: handler,
	})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close stops delivery and waits for in-flight handlers.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subscribers = nil
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubForwarder copies lifecycle events from a Bus to a Google Cloud
// Pub/Sub topic, so services outside this process learn about worker faults.
//
// Messages carry CloudEvents metadata as attributes and the endpoint ID as
// ordering key. LocalBus runs handlers concurrently, so two events raised
// back to back may still reach the topic in either order; consumers should
// use ce-time.
//
// Usage:
//
//	client, _ := pubsub.NewClient(ctx, "my-project")
//	fwd, err := events.NewPubSubForwarder(ctx, client, "workerlink-events")
//	fwd.Forward(bus)
//	defer func() {
//		bus.Close() // drains handlers still publishing
//		fwd.Close()
//	}()
type PubSubForwarder struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	unsubs []func()

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// ErrForwarderClosed is returned for events that arrive after Close.
var ErrForwarderClosed = errors.New("pubsub forwarder closed")

const publishTimeout = 10 * time.Second

// NewPubSubForwarder uses topicID on client, creating the topic if needed.
// The forwarder owns client from then on.
func NewPubSubForwarder(ctx context.Context, client *pubsub.Client, topicID string) (*PubSubForwarder, error) {
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("[PubSub] Created topic", "topic", topicID)
	}

	topic.EnableMessageOrdering = true

	slog.Info("[PubSub] Forwarding lifecycle events", "topic", topic.String())
	return &PubSubForwarder{client: client, topic: topic}, nil
}

// Forward subscribes to types on bus, or to every lifecycle type when none
// are given.
func (f *PubSubForwarder) Forward(bus Bus, types ...EventType) {
	if len(types) == 0 {
		types = []EventType{
			EventEndpointOpened,
			EventEndpointFaulted,
			EventEndpointClosed,
			EventTransactionsCancelled,
		}
	}
	for _, t := range types {
		f.unsubs = append(f.unsubs, bus.Subscribe(t, f.publish))
	}
}

func (f *PubSubForwarder) publish(ctx context.Context, event *Event) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrForwarderClosed
	}
	f.inflight.Add(1)
	f.mu.Unlock()
	defer f.inflight.Done()

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	result := f.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": "1.0",
			"ce-type":        string(event.Type),
			"ce-source":      "workerlink/endpoint/" + event.EndpointID,
			"ce-id":          event.ID,
			"ce-time":        event.Timestamp.Format(time.RFC3339Nano),
		},
		OrderingKey: event.EndpointID,
	})

	serverID, err := result.Get(ctx)
	if err != nil {
		// A failed publish pauses the ordering key; resume so later events flow.
		f.topic.ResumePublish(event.EndpointID)
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}
	slog.Debug("[PubSub] Published event", "id", event.ID, "msg_id", serverID, "type", event.Type)
	return nil
}

// Close stops forwarding, waits for publishes already under way and closes
// the client. Handlers the bus has started but not yet run are rejected, so
// close the bus first to flush them.
func (f *PubSubForwarder) Close() error {
	for _, unsub := range f.unsubs {
		unsub()
	}
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.inflight.Wait()

	f.topic.Stop()
	if err := f.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

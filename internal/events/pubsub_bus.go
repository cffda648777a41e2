package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

// topicPublisher is the slice of *pubsub.Topic the relay uses.
type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
	Stop()
	String() string
}

// PubSubRelay forwards every event on a bus to a Google Cloud Pub/Sub
// topic. Messages for the same packet share an ordering key so downstream
// consumers see one packet's events in order.
type PubSubRelay struct {
	client *pubsub.Client
	topic  topicPublisher
	unsub  func()

	wg sync.WaitGroup
}

// NewPubSubRelay connects to projectID, creating topicID if needed, and
// starts relaying events from bus.
func NewPubSubRelay(ctx context.Context, bus Bus, projectID, topicID string) (*PubSubRelay, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(dialCtx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(dialCtx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		if topic, err = client.CreateTopic(dialCtx, topicID); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("[PubSub] Created topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	r := &PubSubRelay{client: client, topic: topic}
	r.unsub = bus.Subscribe(AllTypes, r.forward)
	slog.Info("[PubSub] Relaying events", "topic", topic.String())
	return r, nil
}

func (r *PubSubRelay) forward(ctx context.Context, e *Event) error {
	msg, err := toMessage(e)
	if err != nil {
		return err
	}
	res := r.topic.Publish(ctx, msg)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		id, err := res.Get(context.Background())
		if err != nil {
			slog.Warn("[PubSub] Publish failed", "event_id", e.ID, "type", e.Type, "error", err)
			return
		}
		slog.Debug("[PubSub] Published", "event_id", e.ID, "msg_id", id)
	}()
	return nil
}

// toMessage encodes e with its metadata mirrored into attributes for
// subscription filters.
func toMessage(e *Event) (*pubsub.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	return &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_id":   e.ID,
			"event_type": string(e.Type),
			"source":     e.Source,
			"packet_id":  e.PacketID,
			"time":       e.Timestamp.Format(time.RFC3339Nano),
		},
		OrderingKey: e.PacketID,
	}, nil
}

// Close stops relaying, flushes pending publishes and closes the client.
func (r *PubSubRelay) Close() error {
	if r.unsub != nil {
		r.unsub()
	}
	r.topic.Stop()
	r.wg.Wait()
	if r.client != nil {
		if err := r.client.Close(); err != nil {
			return fmt.Errorf("pubsub client close: %w", err)
		}
	}
	slog.Info("[PubSub] Relay closed")
	return nil
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// PubSubClient is the Redis pub/sub surface RedisBus needs.
// infra.RedisAdapter satisfies it.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisBus shares events between server instances over one Redis channel.
// Every instance, the publisher included, receives events back from Redis
// and fans them out to its local subscribers. When Redis is unreachable
// events are delivered locally only.
type RedisBus struct {
	client  PubSubClient
	channel string
	local   *dispatcher

	mu     sync.Mutex
	unsub  func()
	closed bool
}

// NewRedisBus subscribes to prefix+"events". A failed subscription leaves
// the bus in local-only mode.
func NewRedisBus(ctx context.Context, client PubSubClient, prefix string) *RedisBus {
	if prefix == "" {
		prefix = "dccp:"
	}
	b := &RedisBus{
		client:  client,
		channel: prefix + "events",
		local:   newDispatcher("RedisEventBus"),
	}

	unsub, err := client.Subscribe(ctx, b.channel, b.onMessage)
	if err != nil {
		slog.Warn("[RedisEventBus] Subscribe failed, local-only mode", "channel", b.channel, "error", err)
	} else {
		b.unsub = unsub
	}
	return b
}

// Remote reports whether the Redis subscription is live.
func (b *RedisBus) Remote() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsub != nil
}

func (b *RedisBus) onMessage(data []byte) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		slog.Warn("[RedisEventBus] Dropping undecodable message", "error", err)
		return
	}
	b.local.deliver(context.Background(), &e)
}

func (b *RedisBus) Publish(ctx context.Context, e *Event) error {
	b.mu.Lock()
	closed, remote := b.closed, b.unsub != nil
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if !remote {
		b.local.deliver(ctx, e)
		return nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data); err != nil {
		slog.Warn("[RedisEventBus] Publish failed, delivering locally", "type", e.Type, "error", err)
		b.local.deliver(ctx, e)
	}
	return nil
}

func (b *RedisBus) Subscribe(t Type, h Handler) func() {
	return b.local.subscribe(t, h)
}

// Close drops the Redis subscription and waits for running handlers.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	unsub := b.unsub
	b.unsub = nil
	b.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	b.local.close()
	slog.Info("[RedisEventBus] Closed", "channel", b.channel)
	return nil
}

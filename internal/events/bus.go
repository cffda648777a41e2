package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus is closed")

// Handler processes one event.
type Handler func(ctx context.Context, e *Event) error

// Bus is a publish/subscribe channel for orchestration events.
type Bus interface {
	Publish(ctx context.Context, e *Event) error
	// Subscribe registers handler for t, or for everything with AllTypes.
	// The returned function removes the subscription.
	Subscribe(t Type, handler Handler) (unsubscribe func())
	Close() error
}

// Publisher is the publishing half of Bus, for components that only emit.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
}

// Nop discards events. Useful where no observer is configured.
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error { return nil }

type subscriber struct {
	id      uint64
	handler Handler
}

// dispatcher is the in-process fan-out shared by LocalBus and RedisBus.
type dispatcher struct {
	mu     sync.RWMutex
	subs   map[Type][]subscriber
	nextID uint64
	closed bool
	wg     sync.WaitGroup
	name   string
}

func newDispatcher(name string) *dispatcher {
	return &dispatcher{subs: make(map[Type][]subscriber), name: name}
}

func (d *dispatcher) subscribe(t Type, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.subs[t] = append(d.subs[t], subscriber{id: id, handler: h})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		list := d.subs[t]
		for i, s := range list {
			if s.id == id {
				d.subs[t] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// deliver runs every matching handler on its own goroutine.
func (d *dispatcher) deliver(ctx context.Context, e *Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}

	targets := make([]subscriber, 0, len(d.subs[e.Type])+len(d.subs[AllTypes]))
	targets = append(targets, d.subs[e.Type]...)
	targets = append(targets, d.subs[AllTypes]...)

	// Handlers outlive the publisher's request.
	ctx = context.WithoutCancel(ctx)
	for _, s := range targets {
		h := s.handler
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := h(ctx, e); err != nil {
				slog.Warn("["+d.name+"] Handler error", "type", e.Type, "event_id", e.ID, "error", err)
			}
		}()
	}
	return true
}

func (d *dispatcher) count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, list := range d.subs {
		n += len(list)
	}
	return n
}

// close stops delivery and waits for running handlers.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.subs = make(map[Type][]subscriber)
	d.mu.Unlock()
	d.wg.Wait()
}

// LocalBus delivers events within the process.
type LocalBus struct {
	d *dispatcher
}

func NewLocalBus() *LocalBus {
	return &LocalBus{d: newDispatcher("EventBus")}
}

func (b *LocalBus) Publish(ctx context.Context, e *Event) error {
	if !b.d.deliver(ctx, e) {
		return ErrClosed
	}
	return nil
}

func (b *LocalBus) Subscribe(t Type, h Handler) func() {
	return b.d.subscribe(t, h)
}

// SubscriberCount is the number of active subscriptions.
func (b *LocalBus) SubscriberCount() int { return b.d.count() }

// Close stops delivery and waits for in-flight handlers to return.
func (b *LocalBus) Close() error {
	b.d.close()
	return nil
}

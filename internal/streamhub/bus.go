// Package streamhub fans completed and in-flight events out to stream
// subscribers: websocket connections on this node, and peers via the bus.
package streamhub

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event is one unit of fan-out. Seq is assigned per channel by the hub
// and drives reconnect catch-up.
type Event struct {
	Seq     int64           `json:"seq"`
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Bus carries events between gateway nodes. Publish sends to every node
// including the publisher; the hub drops its own messages by node ID.
type Bus interface {
	Publish(ctx context.Context, ev *Event) error
	Subscribe(ctx context.Context, handler func(*Event)) error
	Close() error
}

// MemoryBus is a single-node Bus used without Redis and in tests.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers []func(*Event)
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

// Publish delivers synchronously to every subscriber.
func (b *MemoryBus) Publish(_ context.Context, ev *Event) error {
	b.mu.RLock()
	handlers := make([]func(*Event), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
	return nil
}

// Subscribe registers a handler.
func (b *MemoryBus) Subscribe(_ context.Context, handler func(*Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	return nil
}

// Close is a no-op.
func (b *MemoryBus) Close() error { return nil }

const redisBusChannel = "modelgrid:streams"

type busEnvelope struct {
	NodeID string `json:"node_id"`
	Event  *Event `json:"event"`
}

// RedisBus relays events across nodes over Redis pub/sub. Each bus tags
// outgoing messages with its node ID and discards its own on receipt,
// since local connections were already served directly.
type RedisBus struct {
	client redis.UniversalClient
	nodeID string
	sub    *redis.PubSub

	mu     sync.Mutex
	closed bool
}

// NewRedisBus creates a bus with a fresh node identity.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client, nodeID: uuid.NewString()}
}

// NodeID returns this bus's identity.
func (b *RedisBus) NodeID() string { return b.nodeID }

// Publish broadcasts the event to all nodes.
func (b *RedisBus) Publish(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(busEnvelope{NodeID: b.nodeID, Event: ev})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, redisBusChannel, payload).Err()
}

// Subscribe starts a receive loop that runs until the context is canceled
// or the bus is closed.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(*Event)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.sub = b.client.Subscribe(ctx, redisBusChannel)
	sub := b.sub
	b.mu.Unlock()

	// Force the subscription to establish before returning.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env busEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				if env.NodeID == b.nodeID || env.Event == nil {
					continue
				}
				handler(env.Event)
			}
		}
	}()
	return nil
}

// Close tears down the subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.sub != nil {
		return b.sub.Close()
	}
	return nil
}

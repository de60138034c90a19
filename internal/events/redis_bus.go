package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// PubSubClient is the minimal Redis pub/sub surface the bus needs.
// Implemented by infra.Redis.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, pattern string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisBus distributes envelopes across pods using Redis pub/sub. Locally it
// also fans out through an embedded MemoryBus so co-located subscribers (the
// SSE stream, the storage worker in cmd/server) get zero-latency delivery
// without a Redis round trip.
type RedisBus struct {
	local  *MemoryBus
	pubsub PubSubClient
	prefix string

	mu      sync.Mutex
	unsub   func()
	started bool
	closed  bool
}

// NewRedisBus creates a Redis-backed bus. One channel per topic, named
// prefix+topic, so downstream consumers can PSUBSCRIBE selectively.
func NewRedisBus(client PubSubClient, channelPrefix string) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "crucible:events:"
	}
	return &RedisBus{
		local:  NewMemoryBus(),
		pubsub: client,
		prefix: channelPrefix,
	}
}

// Start subscribes to the bus's own channel pattern so envelopes published
// by other pods reach local subscribers. Call once before Subscribe.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	unsub, err := b.pubsub.Subscribe(ctx, b.prefix+"*", func(payload []byte) {
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			slog.Warn("dropping malformed event from redis", "error", err)
			return
		}
		// Local publish only — never re-publish to Redis or events loop forever
		_ = b.local.Publish(context.Background(), &env)
	})
	if err != nil {
		return fmt.Errorf("redis bus start: %w", err)
	}
	b.unsub = unsub
	b.started = true
	return nil
}

// Publish sends the envelope to Redis; remote pods (and this one, via the
// Start subscription) deliver it to their local subscribers.
func (b *RedisBus) Publish(ctx context.Context, env *Envelope) error {
	b.mu.Lock()
	closed := b.closed
	started := b.started
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}

	payload, err := env.JSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.pubsub.Publish(ctx, b.prefix+env.Topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", env.Topic, err)
	}
	if !started {
		// No loopback subscription yet; fan out locally so single-pod
		// deployments that skip Start still deliver.
		return b.local.Publish(ctx, env)
	}
	return nil
}

// Subscribe registers a local pattern-filtered subscriber.
func (b *RedisBus) Subscribe(patterns ...string) (<-chan *Envelope, func()) {
	return b.local.Subscribe(patterns...)
}

// Close tears down the Redis subscription and the local bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.unsub != nil {
		b.unsub()
	}
	return b.local.Close()
}

var _ Bus = (*RedisBus)(nil)

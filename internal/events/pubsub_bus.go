package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory bus and also publishes every envelope to a
// Google Cloud Pub/Sub topic for durable, cross-service delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to downstream consumers
//   - In-memory: immediate push to SSE /events subscribers in this process
type PubSubBus struct {
	local  *MemoryBus
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus creates a Pub/Sub-backed bus, creating the topic if missing.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic", topicID)
	}

	// Ordering key = evaluation id, so per-evaluation event order survives
	// the broker even though cross-evaluation order is not guaranteed.
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		local:  NewMemoryBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	bus.logger.Printf("✅ Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Publish sends to Pub/Sub (durable) then fans out in-process.
func (b *PubSubBus) Publish(ctx context.Context, env *Envelope) error {
	payload, err := env.JSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"topic":    env.Topic,
			"kind":     env.Kind,
			"eval_id":  env.EvalID,
			"event_id": env.ID,
			"time":     env.Timestamp.Format(time.RFC3339Nano),
		},
		OrderingKey: env.EvalID,
	}

	result := b.topic.Publish(ctx, msg)

	// Non-blocking: check result off the hot path
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			b.logger.Printf("❌ Pub/Sub publish failed: %s → %v", env.ID, err)
		}
	}()

	return b.local.Publish(ctx, env)
}

// Subscribe registers a local pattern-filtered subscriber.
func (b *PubSubBus) Subscribe(patterns ...string) (<-chan *Envelope, func()) {
	return b.local.Subscribe(patterns...)
}

// HealthCheck verifies the topic is reachable.
func (b *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := b.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// Close gracefully shuts down the Pub/Sub client.
func (b *PubSubBus) Close() error {
	b.topic.Stop()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	b.logger.Printf("🔌 Pub/Sub client closed")
	return b.local.Close()
}

var _ Bus = (*PubSubBus)(nil)

// Package events is the glue between asynchronous state updates and the
// durable store: a publish/subscribe bus over dotted topic names.
//
// Three backends share one interface: the in-memory bus (single process),
// the Redis pub/sub bus (multi-pod), and the GCP Pub/Sub bus (durable).
// Publishing is fire-and-forget; the storage worker's write is the durable
// fence.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
)

// Topic names. Lifecycle topics are "evaluation." + event kind.
const (
	TopicQueued          = "evaluation.queued"
	TopicProvisioning    = "evaluation.provisioning"
	TopicRunning         = "evaluation.running"
	TopicCompleted       = "evaluation.completed"
	TopicFailed          = "evaluation.failed"
	TopicStorageUpdated  = "storage.updated"
	TopicWorkloadCleaned = "workload.cleaned"
)

// TopicForKind maps an event kind to its bus topic.
func TopicForKind(kind string) string {
	if kind == core.EventWorkloadCleaned {
		return TopicWorkloadCleaned
	}
	return "evaluation." + kind
}

// Envelope is the wire form of one event.
type Envelope struct {
	ID        string                 `json:"id"`
	Topic     string                 `json:"topic"`
	Source    string                 `json:"source"`
	EvalID    string                 `json:"eval_id"`
	Sequence  int64                  `json:"sequence"`
	Timestamp time.Time              `json:"timestamp"`
	Kind      string                 `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// NewEnvelope wraps a domain event for publication.
func NewEnvelope(source string, ev *core.Event) *Envelope {
	return &Envelope{
		ID:        "ce-" + uuid.New().String(),
		Topic:     TopicForKind(ev.Kind),
		Source:    source,
		EvalID:    ev.EvalID,
		Sequence:  ev.Sequence,
		Timestamp: ev.Timestamp,
		Kind:      ev.Kind,
		Payload:   ev.Payload,
	}
}

// Event converts back to the domain tuple.
func (e *Envelope) Event() *core.Event {
	return &core.Event{
		EvalID:    e.EvalID,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		Kind:      e.Kind,
		Payload:   e.Payload,
	}
}

// JSON serializes the envelope.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat renders the envelope as a Server-Sent Events frame.
func (e *Envelope) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Topic, data, e.ID)), nil
}

// TopicMatches reports whether topic satisfies pattern. A pattern of "" or
// "*" matches everything; a trailing ".*" matches the dotted prefix.
func TopicMatches(pattern, topic string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == topic
}

// Bus is the pub/sub contract shared by all backends.
type Bus interface {
	// Publish delivers the envelope to all matching subscribers.
	Publish(ctx context.Context, env *Envelope) error

	// Subscribe returns a channel of envelopes whose topics match any of the
	// given patterns (empty patterns = all), plus a cancel function.
	Subscribe(patterns ...string) (<-chan *Envelope, func())

	// Close shuts the bus down; subscriber channels are closed.
	Close() error
}

type subscriber struct {
	ch       chan *Envelope
	patterns []string
}

func (s *subscriber) wants(topic string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, p := range s.patterns {
		if TopicMatches(p, topic) {
			return true
		}
	}
	return false
}

// MemoryBus is the in-process bus. Slow subscribers are skipped rather than
// blocking publishers; the durable store, not the bus, is the system of
// record.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       []*subscriber
	bufferSize int
	closed     bool
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{bufferSize: 256}
}

// Publish fans out to matching subscribers without blocking.
func (b *MemoryBus) Publish(_ context.Context, env *Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}
	for _, sub := range b.subs {
		if !sub.wants(env.Topic) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Channel full, skip
		}
	}
	return nil
}

// Subscribe registers a pattern-filtered subscriber.
func (b *MemoryBus) Subscribe(patterns ...string) (<-chan *Envelope, func()) {
	sub := &subscriber{ch: make(chan *Envelope, b.bufferSize), patterns: patterns}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close marks the bus closed and closes all subscriber channels.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	return nil
}

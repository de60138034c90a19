package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/infra"
)

func newEnvelope(evalID, kind string, seq int64) *Envelope {
	return NewEnvelope("test", &core.Event{
		EvalID:    evalID,
		Sequence:  seq,
		Timestamp: time.Now(),
		Kind:      kind,
		Payload:   map[string]interface{}{"n": float64(seq)},
	})
}

func TestTopicForKind(t *testing.T) {
	assert.Equal(t, "evaluation.queued", TopicForKind(core.EventQueued))
	assert.Equal(t, "evaluation.completed", TopicForKind(core.EventCompleted))
	assert.Equal(t, "workload.cleaned", TopicForKind(core.EventWorkloadCleaned))
}

func TestTopicMatches(t *testing.T) {
	assert.True(t, TopicMatches("", "evaluation.queued"))
	assert.True(t, TopicMatches("*", "workload.cleaned"))
	assert.True(t, TopicMatches("evaluation.*", "evaluation.failed"))
	assert.True(t, TopicMatches("evaluation.queued", "evaluation.queued"))
	assert.False(t, TopicMatches("evaluation.*", "workload.cleaned"))
	assert.False(t, TopicMatches("evaluation.queued", "evaluation.failed"))
}

func TestMemoryBusFiltering(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	all, cancelAll := bus.Subscribe()
	defer cancelAll()
	lifecycle, cancelLC := bus.Subscribe("evaluation.*")
	defer cancelLC()
	failures, cancelF := bus.Subscribe(TopicFailed)
	defer cancelF()

	require.NoError(t, bus.Publish(context.Background(), newEnvelope("e1", core.EventQueued, 1)))
	require.NoError(t, bus.Publish(context.Background(), newEnvelope("e1", core.EventFailed, 2)))
	require.NoError(t, bus.Publish(context.Background(), newEnvelope("e1", core.EventWorkloadCleaned, 3)))

	assert.Len(t, drain(all), 3)
	assert.Len(t, drain(lifecycle), 2)

	got := drain(failures)
	require.Len(t, got, 1)
	assert.Equal(t, core.EventFailed, got[0].Kind)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())
	cancel()
	assert.Equal(t, 0, bus.SubscriberCount())

	// Channel is closed after cancel
	_, open := <-ch
	assert.False(t, open)

	// Cancel twice is safe
	cancel()
}

func TestMemoryBusFullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewMemoryBus()
	bus.bufferSize = 1
	defer bus.Close()

	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(context.Background(), newEnvelope("e1", core.EventQueued, int64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	adapter := infra.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer adapter.Close()

	bus := NewRedisBus(adapter, "test:events:")
	require.NoError(t, bus.Start(context.Background()))
	defer bus.Close()

	ch, cancel := bus.Subscribe("evaluation.*")
	defer cancel()

	env := newEnvelope("e42", core.EventRunning, 2)
	require.NoError(t, bus.Publish(context.Background(), env))

	select {
	case got := <-ch:
		assert.Equal(t, "e42", got.EvalID)
		assert.Equal(t, int64(2), got.Sequence)
		assert.Equal(t, TopicRunning, got.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("event did not round-trip through redis")
	}
}

func TestEnvelopeSSEFormat(t *testing.T) {
	env := newEnvelope("e1", core.EventQueued, 1)
	frame, err := env.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(frame), "event: evaluation.queued\n")
	assert.Contains(t, string(frame), "id: "+env.ID)
	assert.Contains(t, string(frame), `"eval_id":"e1"`)
}

func drain(ch <-chan *Envelope) []*Envelope {
	var out []*Envelope
	for {
		select {
		case env := <-ch:
			out = append(out, env)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/store"
)

// fakeStore applies the same dedup and DAG guards as Postgres, in memory.
type fakeStore struct {
	mu    sync.Mutex
	rows  map[string]*core.Evaluation
	seqs  map[string]map[int64]bool
	marks []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows: make(map[string]*core.Evaluation),
		seqs: make(map[string]map[int64]bool),
	}
}

func (f *fakeStore) InsertEvaluation(_ context.Context, ev *core.Evaluation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.rows[ev.ID]; !exists {
		cp := *ev
		f.rows[ev.ID] = &cp
	}
	return nil
}

func (f *fakeStore) MarkProvisioning(_ context.Context, id, executorID string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || (row.Status != core.StatusSubmitted && row.Status != core.StatusQueued) {
		return false, nil
	}
	row.Status = core.StatusProvisioning
	row.ExecutorID = executorID
	row.Attempts++
	if row.StartedAt == nil {
		row.StartedAt = &at
	}
	f.marks = append(f.marks, "provisioning")
	return true, nil
}

func (f *fakeStore) MarkRunning(_ context.Context, id string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.Status.Terminal() || row.Status == core.StatusRunning {
		return false, nil
	}
	row.Status = core.StatusRunning
	if row.StartedAt == nil {
		row.StartedAt = &at
	}
	f.marks = append(f.marks, "running")
	return true, nil
}

func (f *fakeStore) MarkTerminal(_ context.Context, id string, u store.TerminalUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.Status.Terminal() {
		return false, nil
	}
	row.Status = u.Status
	row.FinishedAt = &u.FinishedAt
	row.ExitCode = u.ExitCode
	row.Output = u.Output
	row.OutputTruncated = u.OutputTruncated
	row.OutputSize = u.OutputSize
	row.Error = u.Error
	row.LastErrorKind = u.LastErrorKind
	f.marks = append(f.marks, "terminal:"+string(u.Status))
	return true, nil
}

func (f *fakeStore) BackfillStartedAt(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[id]; ok && row.StartedAt == nil {
		row.StartedAt = &at
	}
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, ev *core.Event, _ []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seqs[ev.EvalID] == nil {
		f.seqs[ev.EvalID] = make(map[int64]bool)
	}
	if f.seqs[ev.EvalID][ev.Sequence] {
		return false, nil
	}
	f.seqs[ev.EvalID][ev.Sequence] = true
	return true, nil
}

func (f *fakeStore) get(id string) *core.Evaluation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

type fakeActiveSet struct {
	mu      sync.Mutex
	members map[string]bool
}

func newFakeActiveSet() *fakeActiveSet {
	return &fakeActiveSet{members: make(map[string]bool)}
}

func (f *fakeActiveSet) Add(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[id] = true
	return nil
}

func (f *fakeActiveSet) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, id)
	return nil
}

func (f *fakeActiveSet) contains(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[id]
}

func newWorker(t *testing.T) (*StorageWorker, *fakeStore, *fakeActiveSet, *metrics.Metrics) {
	t.Helper()
	st := newFakeStore()
	rs := newFakeActiveSet()
	m := metrics.NewWith(prometheus.NewRegistry())
	return NewStorageWorker(events.NewMemoryBus(), st, rs, m), st, rs, m
}

func env(evalID, kind string, seq int64, payload map[string]interface{}) *events.Envelope {
	return events.NewEnvelope("test", &core.Event{
		EvalID:    evalID,
		Sequence:  seq,
		Timestamp: time.Now(),
		Kind:      kind,
		Payload:   payload,
	})
}

func queuedPayload() map[string]interface{} {
	return map[string]interface{}{
		"language":        "python",
		"runtime_image":   "crucible-python:3.11",
		"timeout_seconds": float64(30),
		"priority":        "normal",
		"route_tag":       "primary",
	}
}

func TestHappyPathLifecycle(t *testing.T) {
	w, st, rs, _ := newWorker(t)
	ctx := context.Background()

	require.NoError(t, w.Apply(ctx, env("eval-1", core.EventQueued, 1, queuedPayload())))
	require.NoError(t, w.Apply(ctx, env("eval-1", core.EventProvisioning, 101, map[string]interface{}{"executor_id": "executor-2"})))
	assert.True(t, rs.contains("eval-1"))

	require.NoError(t, w.Apply(ctx, env("eval-1", core.EventRunning, 102, nil)))
	require.NoError(t, w.Apply(ctx, env("eval-1", core.EventCompleted, 103, map[string]interface{}{
		"exit_code":   float64(0),
		"output":      "hi\n",
		"output_size": float64(3),
	})))

	row := st.get("eval-1")
	require.NotNil(t, row)
	assert.Equal(t, core.StatusCompleted, row.Status)
	assert.Equal(t, "executor-2", row.ExecutorID)
	assert.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.ExitCode)
	assert.Zero(t, *row.ExitCode)
	assert.Equal(t, "hi\n", string(row.Output))
	assert.False(t, rs.contains("eval-1"), "terminal removes from the running-set")
}

func TestDuplicateEventIsDropped(t *testing.T) {
	w, st, _, m := newWorker(t)
	ctx := context.Background()

	require.NoError(t, w.Apply(ctx, env("eval-1", core.EventQueued, 1, queuedPayload())))
	e := env("eval-1", core.EventProvisioning, 101, map[string]interface{}{"executor_id": "executor-1"})
	require.NoError(t, w.Apply(ctx, e))
	require.NoError(t, w.Apply(ctx, e)) // redelivery, same sequence

	assert.Equal(t, float64(1), testutil.ToFloat64(m.DuplicateEvents))
	assert.Equal(t, 1, st.get("eval-1").Attempts, "duplicate must not bump attempts")
}

func TestTerminalWinsOverLateRunning(t *testing.T) {
	w, st, _, m := newWorker(t)
	ctx := context.Background()

	require.NoError(t, w.Apply(ctx, env("eval-1", core.EventQueued, 1, queuedPayload())))
	require.NoError(t, w.Apply(ctx, env("eval-1", core.EventFailed, 103, map[string]interface{}{
		"error":      "executor lost",
		"error_kind": "executor_crash",
	})))

	started := time.Now()
	late := env("eval-1", core.EventRunning, 102, nil)
	late.Timestamp = started
	require.NoError(t, w.Apply(ctx, late))

	row := st.get("eval-1")
	assert.Equal(t, core.StatusFailed, row.Status, "terminal state is never overwritten")
	require.NotNil(t, row.StartedAt, "late running backfills started_at")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OutOfOrderEvents))
}

func TestLateTerminalAfterTerminalIsDropped(t *testing.T) {
	w, st, _, m := newWorker(t)
	ctx := context.Background()

	require.NoError(t, w.Apply(ctx, env("eval-1", core.EventQueued, 1, queuedPayload())))
	require.NoError(t, w.Apply(ctx, env("eval-1", core.EventCompleted, 103, map[string]interface{}{"exit_code": float64(0)})))
	require.NoError(t, w.Apply(ctx, env("eval-1", core.EventFailed, 203, map[string]interface{}{"error": "retry raced"})))

	assert.Equal(t, core.StatusCompleted, st.get("eval-1").Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OutOfOrderEvents))
}

func TestOversizeOutputTruncatedAtWrite(t *testing.T) {
	w, st, _, _ := newWorker(t)
	ctx := context.Background()

	big := make([]byte, core.OutputTruncateBytes+10)
	for i := range big {
		big[i] = 'a'
	}

	require.NoError(t, w.Apply(ctx, env("eval-1", core.EventQueued, 1, queuedPayload())))
	require.NoError(t, w.Apply(ctx, env("eval-1", core.EventCompleted, 103, map[string]interface{}{
		"exit_code": float64(0),
		"output":    string(big),
	})))

	row := st.get("eval-1")
	assert.Len(t, row.Output, core.OutputTruncateBytes)
	assert.True(t, row.OutputTruncated)
	assert.Equal(t, int64(core.OutputTruncateBytes+10), row.OutputSize)
}

func TestRunConsumesFromBus(t *testing.T) {
	bus := events.NewMemoryBus()
	st := newFakeStore()
	rs := newFakeActiveSet()
	w := NewStorageWorker(bus, st, rs, metrics.NewWith(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Let the subscription register before publishing
	require.Eventually(t, func() bool { return bus.SubscriberCount() > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, env("eval-1", core.EventQueued, 1, queuedPayload())))
	require.Eventually(t, func() bool { return st.get("eval-1") != nil }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestStorageUpdatedPublishedAfterApply(t *testing.T) {
	bus := events.NewMemoryBus()
	st := newFakeStore()
	w := NewStorageWorker(bus, st, newFakeActiveSet(), metrics.NewWith(prometheus.NewRegistry()))

	updates, unsub := bus.Subscribe(events.TopicStorageUpdated)
	defer unsub()

	require.NoError(t, w.Apply(context.Background(), env("eval-1", core.EventQueued, 1, queuedPayload())))

	select {
	case u := <-updates:
		assert.Equal(t, "eval-1", u.EvalID)
		assert.Equal(t, core.EventQueued, u.Kind)
		assert.Equal(t, "storage-worker", u.Source)
	case <-time.After(time.Second):
		t.Fatal("no storage.updated published")
	}
}

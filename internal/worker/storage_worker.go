// Package worker hosts the storage worker: the only component that writes
// evaluation lifecycle state to the durable store.
//
// It subscribes to the lifecycle topics, deduplicates by (eval_id, sequence),
// enforces the status DAG, and keeps the Redis running-set in step with
// terminal transitions. Out-of-order deliveries are dropped, with one
// exception: a late "running" after a terminal event backfills started_at.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/store"
)

// EvaluationStore is the slice of the durable store the worker writes.
type EvaluationStore interface {
	InsertEvaluation(ctx context.Context, ev *core.Evaluation) error
	MarkProvisioning(ctx context.Context, id, executorID string, at time.Time) (bool, error)
	MarkRunning(ctx context.Context, id string, at time.Time) (bool, error)
	MarkTerminal(ctx context.Context, id string, u store.TerminalUpdate) (bool, error)
	BackfillStartedAt(ctx context.Context, id string, at time.Time) error
	AppendEvent(ctx context.Context, ev *core.Event, payload []byte) (bool, error)
}

// ActiveSet is the running-evaluation index the worker maintains.
type ActiveSet interface {
	Add(ctx context.Context, evalID string) error
	Remove(ctx context.Context, evalID string) error
}

// maxErrorBytes caps the stored error message.
const maxErrorBytes = 16 << 10

// StorageWorker consumes lifecycle events and applies them to the store.
type StorageWorker struct {
	bus     events.Bus
	store   EvaluationStore
	running ActiveSet
	metrics *metrics.Metrics
	logger  *log.Logger
}

func NewStorageWorker(bus events.Bus, st EvaluationStore, running ActiveSet, m *metrics.Metrics) *StorageWorker {
	return &StorageWorker{
		bus:     bus,
		store:   st,
		running: running,
		metrics: m,
		logger:  log.New(log.Writer(), "[STORAGE-WORKER] ", log.LstdFlags),
	}
}

// Run consumes until ctx is cancelled.
func (w *StorageWorker) Run(ctx context.Context) error {
	ch, cancel := w.bus.Subscribe("evaluation.*", events.TopicWorkloadCleaned)
	defer cancel()

	w.logger.Printf("📦 Storage worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Printf("📦 Storage worker stopping")
			return ctx.Err()
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			if err := w.Apply(ctx, env); err != nil {
				w.logger.Printf("❌ Failed to apply %s for %s: %v", env.Kind, env.EvalID, err)
			}
		}
	}
}

// Apply reduces one envelope into the store. Exported so tests and the
// startup replay path can drive it directly.
func (w *StorageWorker) Apply(ctx context.Context, env *events.Envelope) error {
	payload, _ := json.Marshal(env.Payload)
	inserted, err := w.store.AppendEvent(ctx, env.Event(), payload)
	if err != nil {
		return err
	}
	if !inserted {
		w.metrics.DuplicateEvents.Inc()
		return nil
	}

	switch env.Kind {
	case core.EventQueued:
		err = w.applyQueued(ctx, env)
	case core.EventProvisioning:
		err = w.applyProvisioning(ctx, env)
	case core.EventRunning:
		err = w.applyRunning(ctx, env)
	case core.EventCompleted, core.EventFailed:
		err = w.applyTerminal(ctx, env)
	case core.EventWorkloadCleaned:
		// Audit only: the workload row is already terminal
	default:
		w.logger.Printf("⚠️  Unknown event kind %q for %s — recorded, not reduced", env.Kind, env.EvalID)
	}
	if err != nil {
		return err
	}

	w.metrics.EventsApplied.WithLabelValues(env.Kind).Inc()
	w.publishStorageUpdated(ctx, env)
	return nil
}

func (w *StorageWorker) applyQueued(ctx context.Context, env *events.Envelope) error {
	// Ingress already inserted the row; this insert is the replay-safe no-op
	// that also covers events replayed after a restore.
	ev := &core.Evaluation{
		ID:             env.EvalID,
		Language:       str(env.Payload, "language"),
		RuntimeImage:   str(env.Payload, "runtime_image"),
		TimeoutSeconds: integer(env.Payload, "timeout_seconds"),
		MemoryBytes:    integer64(env.Payload, "memory_bytes"),
		CPUShares:      integer64(env.Payload, "cpu_shares"),
		Priority:       core.Priority(str(env.Payload, "priority")),
		Preserve:       boolean(env.Payload, "preserve"),
		RouteTag:       core.RouteTag(str(env.Payload, "route_tag")),
		Status:         core.StatusQueued,
		SubmittedAt:    env.Timestamp,
		QueuedAt:       env.Timestamp,
	}
	return w.store.InsertEvaluation(ctx, ev)
}

func (w *StorageWorker) applyProvisioning(ctx context.Context, env *events.Envelope) error {
	applied, err := w.store.MarkProvisioning(ctx, env.EvalID, str(env.Payload, "executor_id"), env.Timestamp)
	if err != nil {
		return err
	}
	if !applied {
		w.metrics.OutOfOrderEvents.Inc()
		return nil
	}
	return w.running.Add(ctx, env.EvalID)
}

func (w *StorageWorker) applyRunning(ctx context.Context, env *events.Envelope) error {
	applied, err := w.store.MarkRunning(ctx, env.EvalID, env.Timestamp)
	if err != nil {
		return err
	}
	if !applied {
		// Terminal already won. The observation that the workload did run is
		// still worth keeping — backfill started_at without touching status.
		w.metrics.OutOfOrderEvents.Inc()
		return w.store.BackfillStartedAt(ctx, env.EvalID, env.Timestamp)
	}
	return w.running.Add(ctx, env.EvalID)
}

func (w *StorageWorker) applyTerminal(ctx context.Context, env *events.Envelope) error {
	status := core.StatusCompleted
	if env.Kind == core.EventFailed {
		status = core.StatusFailed
	}
	if s := str(env.Payload, "status"); s == string(core.StatusCancelled) {
		status = core.StatusCancelled
	}

	// Producers truncate before publishing; this is the enforcement point in
	// case one did not.
	output, truncated, size := core.TruncateOutput([]byte(str(env.Payload, "output")))
	if reported := integer64(env.Payload, "output_size"); reported > size {
		size = reported
		truncated = true
	}

	// Error messages get a much tighter cap than output: they are display
	// fields, not artifacts.
	errMsg := str(env.Payload, "error")
	if len(errMsg) > maxErrorBytes {
		errMsg = errMsg[:maxErrorBytes]
	}

	u := store.TerminalUpdate{
		Status:          status,
		FinishedAt:      env.Timestamp,
		Output:          output,
		OutputTruncated: truncated,
		OutputSize:      size,
		Error:           errMsg,
		LastErrorKind:   core.ErrorKind(str(env.Payload, "error_kind")),
	}
	if code, ok := maybeInteger(env.Payload, "exit_code"); ok {
		u.ExitCode = &code
	}

	applied, err := w.store.MarkTerminal(ctx, env.EvalID, u)
	if err != nil {
		return err
	}
	if !applied {
		w.metrics.OutOfOrderEvents.Inc()
	} else {
		w.metrics.EvaluationOutcomes.WithLabelValues(string(status), string(u.LastErrorKind)).Inc()
	}

	// Removal is idempotent, so it runs on every terminal delivery: the row
	// update and the set removal converge even when one side raced.
	return w.running.Remove(ctx, env.EvalID)
}

func (w *StorageWorker) publishStorageUpdated(ctx context.Context, env *events.Envelope) {
	update := &events.Envelope{
		ID:        env.ID + ":stored",
		Topic:     events.TopicStorageUpdated,
		Source:    "storage-worker",
		EvalID:    env.EvalID,
		Sequence:  env.Sequence,
		Timestamp: env.Timestamp,
		Kind:      env.Kind,
	}
	if err := w.bus.Publish(ctx, update); err != nil {
		w.logger.Printf("⚠️  Failed to publish storage.updated for %s: %v", env.EvalID, err)
	}
}

// Payload extraction. Values arrive as interface{} from JSON, so numbers may
// be float64 or json.Number depending on the bus backend.

func str(p map[string]interface{}, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func boolean(p map[string]interface{}, key string) bool {
	v, _ := p[key].(bool)
	return v
}

func integer(p map[string]interface{}, key string) int {
	n, _ := maybeInteger(p, key)
	return n
}

func integer64(p map[string]interface{}, key string) int64 {
	n, _ := maybeInteger(p, key)
	return int64(n)
}

func maybeInteger(p map[string]interface{}, key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
)

// LegacyQueue is the in-process FIFO kept alive while migrating to the
// primary queue. No persistence: on restart the queue is empty and a startup
// reconciliation job re-enqueues router-tagged evaluations stuck in
// "queued". Its presence is gated by the router percentage.
type LegacyQueue struct {
	mu       sync.Mutex
	ready    []*core.TaskEnvelope
	inflight map[string]*legacyLease // receipt → lease
	signal   chan struct{}
	metrics  *metrics.Metrics
	logger   *log.Logger
	nowFn    func() time.Time

	// visibility bounds how long an unacked dequeue may be held before the
	// envelope returns to the head of the queue.
	visibility time.Duration
}

type legacyLease struct {
	env      *core.TaskEnvelope
	deadline time.Time
}

// NewLegacyQueue creates the FIFO.
func NewLegacyQueue(visibility time.Duration, m *metrics.Metrics) *LegacyQueue {
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	return &LegacyQueue{
		inflight:   make(map[string]*legacyLease),
		signal:     make(chan struct{}, 1),
		metrics:    m,
		logger:     log.New(log.Writer(), "[LEGACY-Q] ", log.LstdFlags),
		nowFn:      time.Now,
		visibility: visibility,
	}
}

// Enqueue appends to the FIFO.
func (q *LegacyQueue) Enqueue(_ context.Context, env *core.TaskEnvelope) error {
	q.mu.Lock()
	q.ready = append(q.ready, env)
	depth := len(q.ready)
	q.mu.Unlock()

	q.metrics.QueueDepth.WithLabelValues(NameLegacy, string(env.Priority)).Set(float64(depth))
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Depth reports waiting envelopes.
func (q *LegacyQueue) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

// Reserve pops the head of the FIFO. Strict arrival order — the legacy
// queue ignores priorities.
func (q *LegacyQueue) Reserve(_ context.Context) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reapLocked()

	if len(q.ready) == 0 {
		return nil, ErrNoTask
	}
	env := q.ready[0]
	q.ready = q.ready[1:]
	env.Attempt++

	receipt := uuid.New().String()
	q.inflight[receipt] = &legacyLease{env: env, deadline: q.nowFn().Add(q.visibility)}
	q.metrics.QueueReserved.WithLabelValues(NameLegacy, string(env.Priority)).Inc()
	return &Delivery{Envelope: env, Receipt: receipt, Queue: NameLegacy}, nil
}

// ReserveWait blocks up to wait for an envelope to arrive.
func (q *LegacyQueue) ReserveWait(ctx context.Context, wait time.Duration) (*Delivery, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		d, err := q.Reserve(ctx)
		if err == nil {
			return d, nil
		}
		select {
		case <-q.signal:
		case <-deadline.C:
			return nil, ErrNoTask
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack completes the envelope.
func (q *LegacyQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.Receipt)
	return nil
}

// Nack requeues at the tail. The legacy queue has no retry budget or DLQ.
func (q *LegacyQueue) Nack(_ context.Context, d *Delivery, cause string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.Receipt)
	q.ready = append(q.ready, d.Envelope)
	q.logger.Printf("🔁 Requeued %s: %s", d.Envelope.EvaluationID, cause)
	return nil
}

// Release requeues at the head after rolling back the attempt counter.
func (q *LegacyQueue) Release(_ context.Context, d *Delivery, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.Receipt)
	env := *d.Envelope
	if env.Attempt > 0 {
		env.Attempt--
	}
	q.ready = append([]*core.TaskEnvelope{&env}, q.ready...)
	return nil
}

// reapLocked returns lapsed in-flight envelopes to the head of the queue.
func (q *LegacyQueue) reapLocked() {
	now := q.nowFn()
	for receipt, lease := range q.inflight {
		if now.After(lease.deadline) {
			delete(q.inflight, receipt)
			q.ready = append([]*core.TaskEnvelope{lease.env}, q.ready...)
			q.logger.Printf("⏰ Reclaimed %s from a stalled consumer", lease.env.EvaluationID)
		}
	}
}

// =============================================================================
// HTTP surface
// =============================================================================

// Routes mounts the legacy queue's HTTP surface:
//
//	POST /tasks               enqueue
//	GET  /tasks/next?wait=30  dequeue (long-poll optional)
//	POST /tasks/{id}/complete ack
//	POST /tasks/{id}/fail     requeue
func (q *LegacyQueue) Routes(r *mux.Router) {
	r.HandleFunc("/tasks", q.handleEnqueue).Methods("POST")
	r.HandleFunc("/tasks/next", q.handleNext).Methods("GET")
	r.HandleFunc("/tasks/{id}/complete", q.handleComplete).Methods("POST")
	r.HandleFunc("/tasks/{id}/fail", q.handleFail).Methods("POST")
}

func (q *LegacyQueue) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var env core.TaskEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), http.StatusBadRequest)
		return
	}
	if env.EvaluationID == "" {
		http.Error(w, `{"error": "evaluation_id is required"}`, http.StatusBadRequest)
		return
	}
	if err := q.Enqueue(r.Context(), &env); err != nil {
		http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"task_id": env.EvaluationID, "status": "queued"})
}

func (q *LegacyQueue) handleNext(w http.ResponseWriter, r *http.Request) {
	var d *Delivery
	var err error
	if waitStr := r.URL.Query().Get("wait"); waitStr != "" {
		waitSecs, convErr := strconv.Atoi(waitStr)
		if convErr != nil || waitSecs < 0 || waitSecs > 60 {
			http.Error(w, `{"error": "wait must be 0-60 seconds"}`, http.StatusBadRequest)
			return
		}
		d, err = q.ReserveWait(r.Context(), time.Duration(waitSecs)*time.Second)
	} else {
		d, err = q.Reserve(r.Context())
	}
	if err == ErrNoTask {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"receipt":  d.Receipt,
		"envelope": d.Envelope,
	})
}

func (q *LegacyQueue) handleComplete(w http.ResponseWriter, r *http.Request) {
	receipt := r.URL.Query().Get("receipt")
	id := mux.Vars(r)["id"]
	if err := q.Ack(r.Context(), &Delivery{Receipt: receipt, Envelope: &core.TaskEnvelope{EvaluationID: id}}); err != nil {
		http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (q *LegacyQueue) handleFail(w http.ResponseWriter, r *http.Request) {
	receipt := r.URL.Query().Get("receipt")
	id := mux.Vars(r)["id"]

	q.mu.Lock()
	lease, ok := q.inflight[receipt]
	q.mu.Unlock()
	if !ok {
		// Unknown receipt — already reclaimed or completed
		w.WriteHeader(http.StatusOK)
		return
	}
	d := &Delivery{Receipt: receipt, Envelope: lease.env, Queue: NameLegacy}
	if err := q.Nack(r.Context(), d, "failed via /tasks/"+id+"/fail"); err != nil {
		http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

var (
	_ Producer = (*LegacyQueue)(nil)
	_ Consumer = (*LegacyQueue)(nil)
)

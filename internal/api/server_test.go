package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/config"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/queue"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/store"
)

// fakeStore is an in-memory EvaluationStore for handler tests.
type fakeStore struct {
	mu     sync.Mutex
	evals  map[string]*core.Evaluation
	events map[string][]*core.Event
	keys   map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		evals:  make(map[string]*core.Evaluation),
		events: make(map[string][]*core.Event),
		keys:   make(map[string]string),
	}
}

func (f *fakeStore) InsertEvaluation(_ context.Context, ev *core.Evaluation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.evals[ev.ID]; !ok {
		clone := *ev
		f.evals[ev.ID] = &clone
	}
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*core.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.evals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *ev
	return &clone, nil
}

func (f *fakeStore) List(_ context.Context, opts store.ListOptions) ([]*core.Evaluation, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.Evaluation
	for _, ev := range f.evals {
		if opts.Status != "" && ev.Status != opts.Status {
			continue
		}
		clone := *ev
		out = append(out, &clone)
	}
	return out, "", nil
}

func (f *fakeStore) Events(_ context.Context, evalID string) ([]*core.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[evalID], nil
}

func (f *fakeStore) ResolveIdempotencyKey(_ context.Context, key, evalID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.keys[key]; ok {
		return existing, true, nil
	}
	f.keys[key] = evalID
	return evalID, false, nil
}

func (f *fakeStore) CountByStatus(context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for _, ev := range f.evals {
		counts[string(ev.Status)]++
	}
	return counts, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeRunning struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeRunning) Members(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...), nil
}

type fakeDLQ struct {
	mu      sync.Mutex
	letters []*queue.DeadLetter
	redrove []string
}

func (f *fakeDLQ) ListDLQ(_ context.Context, limit int64) ([]*queue.DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int64(len(f.letters)) > limit {
		return f.letters[:limit], nil
	}
	return f.letters, nil
}

func (f *fakeDLQ) Redrive(_ context.Context, evaluationID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, dl := range f.letters {
		if dl.Envelope.EvaluationID == evaluationID {
			f.redrove = append(f.redrove, evaluationID)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDLQ) Depth(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.letters)), nil
}

type fakePool struct{ free int64 }

func (f *fakePool) FreeCount(context.Context) (int64, error) { return f.free, nil }

// captureProducer records enqueued envelopes.
type captureProducer struct {
	mu   sync.Mutex
	envs []*core.TaskEnvelope
}

func (c *captureProducer) Enqueue(_ context.Context, env *core.TaskEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureProducer) Depth(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.envs)), nil
}

type harness struct {
	server  *Server
	store   *fakeStore
	running *fakeRunning
	dlq     *fakeDLQ
	primary *captureProducer
	legacy  *captureProducer
	bus     *events.MemoryBus
	metrics *metrics.Metrics
	mux     *mux.Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.RateLimitPerMin = 10_000 // rate limiting is tested in middleware

	m := metrics.NewWith(prometheus.NewRegistry())
	st := newFakeStore()
	running := &fakeRunning{}
	dlq := &fakeDLQ{}
	primary, legacy := &captureProducer{}, &captureProducer{}
	router := queue.NewRouter(primary, legacy, 1.0, false, m)
	bus := events.NewMemoryBus()

	srv := NewServer(cfg, st, running, router, dlq, &fakePool{free: 3}, bus, m)
	r := mux.NewRouter()
	srv.Routes(r)

	return &harness{server: srv, store: st, running: running, dlq: dlq,
		primary: primary, legacy: legacy, bus: bus, metrics: m, mux: r}
}

func (h *harness) submit(t *testing.T, body map[string]interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/eval", bytes.NewReader(raw))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func TestSubmitHappyPath(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.bus.Subscribe(events.TopicQueued)
	defer cancel()

	rec := h.submit(t, map[string]interface{}{"code": "print('hi')"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.EvalID, "eval-"))
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "primary", resp.Route)

	// Envelope landed on the primary queue with the normalized defaults.
	require.Len(t, h.primary.envs, 1)
	env := h.primary.envs[0]
	assert.Equal(t, resp.EvalID, env.EvaluationID)
	assert.Equal(t, "python", env.Language)
	assert.Equal(t, "crucible-python:3.11", env.RuntimeImage)
	assert.Equal(t, 30, env.TimeoutSeconds)
	assert.Equal(t, core.PriorityNormal, env.Priority)
	assert.Equal(t, core.RoutePrimary, env.RouteTag)
	assert.Empty(t, h.legacy.envs)

	// Durable row committed before the queued event.
	ev, err := h.store.Get(context.Background(), resp.EvalID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, ev.Status)

	select {
	case queued := <-ch:
		assert.Equal(t, resp.EvalID, queued.EvalID)
		assert.Equal(t, int64(1), queued.Sequence)
		assert.Equal(t, "api", queued.Source)
	case <-time.After(time.Second):
		t.Fatal("no queued event published")
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		body   map[string]interface{}
		status int
		reason string
	}{
		{"missing code", map[string]interface{}{}, http.StatusBadRequest, "code_missing"},
		{"oversize code", map[string]interface{}{"code": strings.Repeat("a", 256*1024+1)},
			http.StatusRequestEntityTooLarge, "code_too_large"},
		{"unknown language", map[string]interface{}{"code": "x", "language": "cobol"},
			http.StatusBadRequest, "language_not_allowed"},
		{"unknown image", map[string]interface{}{"code": "x", "runtime_image": "alpine:latest"},
			http.StatusBadRequest, "image_not_allowed"},
		{"negative timeout", map[string]interface{}{"code": "x", "timeout_seconds": -1},
			http.StatusBadRequest, "timeout_invalid"},
		{"bad priority", map[string]interface{}{"code": "x", "priority": "asap"},
			http.StatusBadRequest, "priority_invalid"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.submit(t, tc.body, nil)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, float64(1),
				testutil.ToFloat64(h.metrics.ValidationFailures.WithLabelValues(tc.reason)))
		})
	}
	assert.Empty(t, h.primary.envs, "rejected submissions never reach the queue")
}

func TestSubmitClampsTimeoutAndMemory(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t, map[string]interface{}{
		"code":            "x",
		"timeout_seconds": 100_000,
		"memory_bytes":    int64(64) * 1024 * 1024 * 1024,
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, h.primary.envs, 1)
	assert.Equal(t, 900, h.primary.envs[0].TimeoutSeconds)
	assert.Equal(t, int64(4)*1024*1024*1024, h.primary.envs[0].MemoryBytes)
}

func TestSubmitIdempotentReplay(t *testing.T) {
	h := newHarness(t)
	headers := map[string]string{"Idempotency-Key": "retry-abc"}

	first := h.submit(t, map[string]interface{}{"code": "x"}, headers)
	require.Equal(t, http.StatusAccepted, first.Code)
	var firstResp submitResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

	second := h.submit(t, map[string]interface{}{"code": "x"}, headers)
	require.Equal(t, http.StatusOK, second.Code, "replay answers 200, not 202")
	var secondResp submitResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))

	assert.Equal(t, firstResp.EvalID, secondResp.EvalID)
	assert.Len(t, h.primary.envs, 1, "replay does not enqueue again")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.IdempotentReplays))
}

func TestGetEvaluation(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/eval/eval-missing", nil)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	exit := 0
	now := time.Now()
	require.NoError(t, h.store.InsertEvaluation(context.Background(), &core.Evaluation{
		ID: "eval-1", Language: "python", Status: core.StatusCompleted,
		SubmittedAt: now, FinishedAt: &now, ExitCode: &exit,
		Output: []byte("hello\n"), OutputSize: 6, RouteTag: core.RoutePrimary,
	}))

	req = httptest.NewRequest(http.MethodGet, "/eval/eval-1", nil)
	rec = httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "hello\n", body["output"])
	assert.Equal(t, float64(0), body["exit_code"])
	assert.NotContains(t, body, "code", "submitted code never leaves the store")
}

func TestListRunningHydratesFromSet(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.InsertEvaluation(context.Background(), &core.Evaluation{
		ID: "eval-run", Status: core.StatusRunning, Language: "python",
	}))
	h.running.ids = []string{"eval-run", "eval-gone"}

	req := httptest.NewRequest(http.MethodGet, "/evaluations?status=running", nil)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Evaluations []map[string]interface{} `json:"evaluations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Evaluations, 1, "ids missing from the store are skipped")
	assert.Equal(t, "eval-run", body.Evaluations[0]["eval_id"])
}

func TestDLQEndpoints(t *testing.T) {
	h := newHarness(t)
	h.dlq.letters = []*queue.DeadLetter{{
		Envelope:  &core.TaskEnvelope{EvaluationID: "eval-dead"},
		LastError: "node lost",
		Attempts:  5,
		FailedAt:  time.Now(),
	}}

	req := httptest.NewRequest(http.MethodGet, "/queue/dlq", nil)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "eval-dead")

	req = httptest.NewRequest(http.MethodPost, "/queue/dlq/eval-dead/redrive", nil)
	rec = httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"eval-dead"}, h.dlq.redrove)

	req = httptest.NewRequest(http.MethodPost, "/queue/dlq/eval-unknown/redrive", nil)
	rec = httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndStatus(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.InsertEvaluation(context.Background(), &core.Evaluation{
		ID: "eval-1", Status: core.StatusQueued,
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	rec = httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["evaluations"].(map[string]interface{})["queued"])
	assert.Equal(t, float64(3), body["executors_free"])
}

func TestSSEStreamsEvents(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.mux)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?eval_id=eval-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Wait for the handler's subscription before publishing.
	require.Eventually(t, func() bool { return h.bus.SubscriberCount() > 0 },
		time.Second, 10*time.Millisecond)

	publish := func(evalID string) {
		err := h.bus.Publish(context.Background(), events.NewEnvelope("test", &core.Event{
			EvalID: evalID, Sequence: 102, Timestamp: time.Now(), Kind: core.EventRunning,
		}))
		require.NoError(t, err)
	}
	publish("eval-other") // filtered out
	publish("eval-1")

	reader := bufio.NewReader(resp.Body)
	var frame strings.Builder
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		frame.WriteString(line)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	assert.Contains(t, frame.String(), fmt.Sprintf("event: %s", events.TopicRunning))
	assert.Contains(t, frame.String(), `"eval_id":"eval-1"`)
	assert.NotContains(t, frame.String(), "eval-other")
}

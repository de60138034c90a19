package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/store"
)

// submitRequest is the POST /eval body.
type submitRequest struct {
	Code           string `json:"code"`
	Language       string `json:"language"`
	RuntimeImage   string `json:"runtime_image"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MemoryBytes    int64  `json:"memory_bytes"`
	CPUShares      int64  `json:"cpu_shares"`
	Priority       string `json:"priority"`
	Preserve       bool   `json:"preserve"`
}

type submitResponse struct {
	EvalID string `json:"eval_id"`
	Status string `json:"status"`
	Route  string `json:"route"`
}

// handleSubmit is the intake path: validate, route, mint an id, resolve the
// idempotency key, commit the durable row, enqueue, emit queued.
//
// The route is decided before the id is minted so each id is bound to exactly
// one queue for its lifetime.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.Eval.CodeMaxBytes*2)).Decode(&req); err != nil {
		s.reject(w, http.StatusBadRequest, "malformed_body", "request body is not valid JSON")
		return
	}

	ev, status, reason, msg := s.validate(&req)
	if reason != "" {
		s.reject(w, status, reason, msg)
		return
	}

	ctx := r.Context()
	tag := s.router.Route(ctx)
	ev.ID = s.idFn()
	ev.RouteTag = tag

	// Idempotency-Key replay returns the original evaluation untouched.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		existingID, replayed, err := s.store.ResolveIdempotencyKey(ctx, key, ev.ID)
		if err != nil {
			s.logger.Printf("❌ Idempotency resolution failed: %v", err)
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
		if replayed {
			s.metrics.IdempotentReplays.Inc()
			existing, err := s.store.Get(ctx, existingID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "submission failed")
				return
			}
			writeJSON(w, http.StatusOK, submitResponse{
				EvalID: existing.ID,
				Status: string(existing.Status),
				Route:  string(existing.RouteTag),
			})
			return
		}
	}

	if err := s.store.InsertEvaluation(ctx, ev); err != nil {
		s.logger.Printf("❌ Insert failed for %s: %v", ev.ID, err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	env := &core.TaskEnvelope{
		EvaluationID:   ev.ID,
		RuntimeImage:   ev.RuntimeImage,
		Language:       ev.Language,
		Code:           ev.Code,
		TimeoutSeconds: ev.TimeoutSeconds,
		MemoryBytes:    ev.MemoryBytes,
		CPUShares:      ev.CPUShares,
		Priority:       ev.Priority,
		Preserve:       ev.Preserve,
	}
	if err := s.router.EnqueueTo(ctx, tag, env); err != nil {
		s.logger.Printf("❌ Enqueue failed for %s: %v", ev.ID, err)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	s.emitQueued(r, ev)
	s.logger.Printf("✅ Accepted %s (lang=%s route=%s priority=%s)", ev.ID, ev.Language, tag, ev.Priority)
	writeJSON(w, http.StatusAccepted, submitResponse{
		EvalID: ev.ID,
		Status: string(core.StatusQueued),
		Route:  string(tag),
	})
}

// validate normalizes the request into an Evaluation, or returns the HTTP
// status, metric reason and message of the first violation.
func (s *Server) validate(req *submitRequest) (*core.Evaluation, int, string, string) {
	limits := s.cfg.Eval

	if req.Code == "" {
		return nil, http.StatusBadRequest, "code_missing", "code is required"
	}
	if int64(len(req.Code)) > limits.CodeMaxBytes {
		return nil, http.StatusRequestEntityTooLarge, "code_too_large",
			"code exceeds " + strconv.FormatInt(limits.CodeMaxBytes, 10) + " bytes"
	}

	lang := req.Language
	if lang == "" {
		lang = limits.AllowedLanguages[0]
	}
	if !contains(limits.AllowedLanguages, lang) {
		return nil, http.StatusBadRequest, "language_not_allowed", "language " + lang + " is not allowed"
	}

	image := req.RuntimeImage
	if image == "" {
		image = s.cfg.Executor.DefaultImage
	}
	if !contains(limits.AllowedImages, image) {
		return nil, http.StatusBadRequest, "image_not_allowed", "runtime image " + image + " is not allowed"
	}

	timeout := req.TimeoutSeconds
	switch {
	case timeout == 0:
		timeout = limits.DefaultTimeoutSeconds
	case timeout < 0:
		return nil, http.StatusBadRequest, "timeout_invalid", "timeout_seconds must be positive"
	case timeout > limits.MaxTimeoutSeconds:
		timeout = limits.MaxTimeoutSeconds
	}

	memory := req.MemoryBytes
	switch {
	case memory == 0:
		memory = limits.DefaultMemoryBytes
	case memory < 0:
		return nil, http.StatusBadRequest, "memory_invalid", "memory_bytes must be positive"
	case memory > limits.MaxMemoryBytes:
		memory = limits.MaxMemoryBytes
	}

	cpu := req.CPUShares
	if cpu <= 0 {
		cpu = limits.DefaultCPUShares
	}

	priority := core.Priority(req.Priority)
	if req.Priority == "" {
		priority = core.PriorityNormal
	}
	if !core.ValidPriority(priority) {
		return nil, http.StatusBadRequest, "priority_invalid", "unknown priority " + req.Priority
	}

	now := s.nowFn()
	return &core.Evaluation{
		Code:           []byte(req.Code),
		Language:       lang,
		RuntimeImage:   image,
		TimeoutSeconds: timeout,
		MemoryBytes:    memory,
		CPUShares:      cpu,
		Priority:       priority,
		Preserve:       req.Preserve,
		Status:         core.StatusQueued,
		SubmittedAt:    now,
		QueuedAt:       now,
	}, 0, "", ""
}

func (s *Server) reject(w http.ResponseWriter, status int, reason, msg string) {
	s.metrics.ValidationFailures.WithLabelValues(reason).Inc()
	writeError(w, status, msg)
}

// emitQueued publishes the first lifecycle event. Sequence 1: ingress owns
// the pre-attempt range.
func (s *Server) emitQueued(r *http.Request, ev *core.Evaluation) {
	event := &core.Event{
		EvalID:    ev.ID,
		Sequence:  1,
		Timestamp: s.nowFn(),
		Kind:      core.EventQueued,
		Payload: map[string]interface{}{
			"language":        ev.Language,
			"runtime_image":   ev.RuntimeImage,
			"timeout_seconds": ev.TimeoutSeconds,
			"memory_bytes":    ev.MemoryBytes,
			"cpu_shares":      ev.CPUShares,
			"priority":        string(ev.Priority),
			"preserve":        ev.Preserve,
			"route":           string(ev.RouteTag),
		},
	}
	if err := s.bus.Publish(r.Context(), events.NewEnvelope("api", event)); err != nil {
		// The durable row is already committed; the bus is best-effort.
		s.logger.Printf("⚠️  Failed to publish queued event for %s: %v", ev.ID, err)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ev, err := s.store.Get(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "evaluation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, evalView(ev))
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	evts, err := s.store.Events(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "event lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"eval_id": id, "events": evts})
}

// handleList pages evaluations by status. status=running is answered from
// the running-set so the hot path never scans the store.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be in [1,500]")
			return
		}
		limit = n
	}

	status := core.Status(q.Get("status"))
	if status == core.StatusRunning {
		ids, err := s.running.Members(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "running set unavailable")
			return
		}
		out := make([]map[string]interface{}, 0, len(ids))
		for _, id := range ids {
			if len(out) >= limit {
				break
			}
			ev, err := s.store.Get(ctx, id)
			if err != nil || ev.Status.Terminal() {
				// Set and store can disagree briefly around terminal writes;
				// terminal rows never surface here.
				continue
			}
			out = append(out, evalView(ev))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"evaluations": out, "next_cursor": ""})
		return
	}

	evs, next, err := s.store.List(ctx, store.ListOptions{Status: status, Limit: limit, Cursor: q.Get("cursor")})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	out := make([]map[string]interface{}, 0, len(evs))
	for _, ev := range evs {
		out = append(out, evalView(ev))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"evaluations": out, "next_cursor": next})
}

// evalView is the read-model shape: code stays out of responses, output is
// rendered as a string.
func evalView(ev *core.Evaluation) map[string]interface{} {
	v := map[string]interface{}{
		"eval_id":          ev.ID,
		"status":           string(ev.Status),
		"language":         ev.Language,
		"runtime_image":    ev.RuntimeImage,
		"timeout_seconds":  ev.TimeoutSeconds,
		"memory_bytes":     ev.MemoryBytes,
		"priority":         string(ev.Priority),
		"preserve":         ev.Preserve,
		"route_tag":        string(ev.RouteTag),
		"submitted_at":     ev.SubmittedAt,
		"attempts":         ev.Attempts,
		"output_truncated": ev.OutputTruncated,
		"output_size":      ev.OutputSize,
	}
	if ev.StartedAt != nil {
		v["started_at"] = ev.StartedAt
	}
	if ev.FinishedAt != nil {
		v["finished_at"] = ev.FinishedAt
	}
	if ev.ExitCode != nil {
		v["exit_code"] = *ev.ExitCode
	}
	if len(ev.Output) > 0 {
		v["output"] = string(ev.Output)
	}
	if ev.Error != "" {
		v["error"] = ev.Error
		v["error_kind"] = string(ev.LastErrorKind)
	}
	if ev.ExecutorID != "" {
		v["executor_id"] = ev.ExecutorID
	}
	return v
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

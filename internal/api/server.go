// Package api exposes the submission surface: evaluation intake, status
// reads, the event streams, and the DLQ admin endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/config"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/middleware"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/queue"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/store"
)

// EvaluationStore is the slice of the durable store the API reads and the
// one insert it performs at intake.
type EvaluationStore interface {
	InsertEvaluation(ctx context.Context, ev *core.Evaluation) error
	Get(ctx context.Context, id string) (*core.Evaluation, error)
	List(ctx context.Context, opts store.ListOptions) ([]*core.Evaluation, string, error)
	Events(ctx context.Context, evalID string) ([]*core.Event, error)
	ResolveIdempotencyKey(ctx context.Context, key, evalID string) (string, bool, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
	Ping(ctx context.Context) error
}

// RunningIndex hydrates status=running list queries.
type RunningIndex interface {
	Members(ctx context.Context) ([]string, error)
}

// DLQAdmin is the admin surface of the primary queue: dead-letter
// inspection plus the ready-depth gauge for /health and /status.
type DLQAdmin interface {
	ListDLQ(ctx context.Context, limit int64) ([]*queue.DeadLetter, error)
	Redrive(ctx context.Context, evaluationID string) (bool, error)
	Depth(ctx context.Context) (int64, error)
}

// PoolStats reports free-executor counts for /status.
type PoolStats interface {
	FreeCount(ctx context.Context) (int64, error)
}

// Server is the HTTP API.
type Server struct {
	cfg     *config.Config
	store   EvaluationStore
	running RunningIndex
	router  *queue.Router
	dlq     DLQAdmin
	pool    PoolStats
	bus     events.Bus
	limiter *middleware.RateLimiter
	metrics *metrics.Metrics
	logger  *log.Logger

	startedAt time.Time
	nowFn     func() time.Time
	idFn      func() string
}

// Version is stamped at build time via -ldflags.
var Version = "dev"

func NewServer(cfg *config.Config, st EvaluationStore, running RunningIndex, router *queue.Router,
	dlq DLQAdmin, pool PoolStats, bus events.Bus, m *metrics.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		running: running,
		router:  router,
		dlq:     dlq,
		pool:    pool,
		bus:     bus,
		limiter: middleware.NewRateLimiter(middleware.RateLimitConfig{
			MaxCallsPerMinute: cfg.Server.RateLimitPerMin,
			BurstSize:         cfg.Server.RateLimitBurst,
		}),
		metrics:   m,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
		startedAt: time.Now(),
		nowFn:     time.Now,
		idFn:      core.NewEvaluationID,
	}
}

// Routes mounts all handlers on r.
func (s *Server) Routes(r *mux.Router) {
	r.Use(corsMiddleware)

	r.Handle("/eval", s.limiter.Middleware(http.HandlerFunc(s.handleSubmit))).Methods(http.MethodPost)
	r.HandleFunc("/eval/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/eval/{id}/events", s.handleGetEvents).Methods(http.MethodGet)
	r.HandleFunc("/evaluations", s.handleList).Methods(http.MethodGet)

	r.HandleFunc("/events", s.handleSSE).Methods(http.MethodGet)
	r.HandleFunc("/events/ws", s.handleWebSocket).Methods(http.MethodGet)

	r.HandleFunc("/queue/dlq", s.handleListDLQ).Methods(http.MethodGet)
	r.HandleFunc("/queue/dlq/{id}/redrive", s.handleRedrive).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Start serves until ctx is cancelled, then drains within the configured
// shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	r := mux.NewRouter()
	s.Routes(r)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and websocket connections are long-lived
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("🚀 API listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout())
		defer cancel()
		s.logger.Printf("🛑 API shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := map[string]string{"store": "ok"}
	healthy := true
	if err := s.store.Ping(ctx); err != nil {
		components["store"] = err.Error()
		healthy = false
	}

	depth, _ := s.dlq.Depth(ctx)
	free, _ := s.pool.FreeCount(ctx)
	var runningCount int
	if ids, err := s.running.Members(ctx); err == nil {
		runningCount = len(ids)
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":         state,
		"version":        Version,
		"uptime_seconds": int64(s.nowFn().Sub(s.startedAt).Seconds()),
		"queue_depth":    depth,
		"running":        runningCount,
		"pool_free":      free,
		"components":     components,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status aggregation failed")
		return
	}
	depth, _ := s.dlq.Depth(ctx)
	free, _ := s.pool.FreeCount(ctx)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"evaluations":         counts,
		"primary_queue_depth": depth,
		"executors_free":      free,
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

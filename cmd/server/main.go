// The crucible API server: submission intake, reads, event streams, and the
// in-process storage worker that reduces events into the durable store.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/api"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/config"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/infra"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/pool"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/queue"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/retry"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/store"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/worker"
)

func main() {
	_ = godotenv.Load()
	log.Println("🔥 Starting Crucible API server...")

	cfg, err := config.Load(os.Getenv("CRUCIBLE_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	// The output cap is compiled in; a mismatched override would silently
	// change what deployments believe is stored.
	if v := os.Getenv("OUTPUT_TRUNCATE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n != core.OutputTruncateBytes {
			log.Fatalf("OUTPUT_TRUNCATE_BYTES=%d does not match the compiled cap %d", n, core.OutputTruncateBytes)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	st, err := store.Open(cfg.Store.URL)
	if err != nil {
		log.Fatalf("durable store: %v", err)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("durable store schema: %v", err)
	}

	kv, err := infra.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("ephemeral kv: %v", err)
	}
	defer kv.Close()

	bus, err := events.FromConfig(cfg.EventBus, kv)
	if err != nil {
		log.Fatalf("event bus: %v", err)
	}
	defer bus.Close()

	// Rebuild the running-set from the store before serving list queries.
	running := store.NewRunningSet(kv)
	activeIDs, err := st.ActiveIDs(ctx)
	if err != nil {
		log.Fatalf("running-set rebuild: %v", err)
	}
	if err := running.Rebuild(ctx, activeIDs); err != nil {
		log.Fatalf("running-set rebuild: %v", err)
	}
	log.Printf("♻️  Running-set rebuilt with %d active evaluations", len(activeIDs))

	primary := queue.NewRedisQueue(kv, cfg.Queue.KeyPrefix, retry.Default,
		secondsToDuration(cfg.Queue.VisibilityOverhead), m)
	legacy := queue.NewLegacyClient(legacyURL(cfg))
	router := queue.NewRouter(primary, legacy, cfg.Router.PrimaryPercentage, cfg.Router.ForceLegacy, m)
	router.SetShiftThreshold(cfg.Router.ShiftThreshold)

	registry := pool.NewRegistry(kv, cfg.Pool.ExecutorIDs, m)

	// Storage worker: single writer to the durable store.
	w := worker.NewStorageWorker(bus, st, running, m)
	go w.Run(ctx)

	// Legacy queue state is lost on its restart; re-enqueue evaluations the
	// store still believes are queued there.
	requeueStuckLegacy(ctx, st, router)

	server := api.NewServer(cfg, st, running, router, primary, registry, bus, m)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("api server: %v", err)
	}
	log.Println("👋 Crucible API server stopped")
}

// requeueStuckLegacy re-enqueues legacy-routed evaluations stuck in
// "queued". Best effort: enqueueing an evaluation twice is safe because the
// storage worker's writes are idempotent.
func requeueStuckLegacy(ctx context.Context, st *store.Store, router *queue.Router) {
	ids, err := st.NonTerminalIDs(ctx)
	if err != nil {
		log.Printf("⚠️  Legacy requeue scan failed: %v", err)
		return
	}
	requeued := 0
	for _, id := range ids {
		ev, err := st.Get(ctx, id)
		if err != nil || ev.Status != core.StatusQueued || ev.RouteTag != core.RouteLegacy {
			continue
		}
		env, err := st.GetEnvelope(ctx, id)
		if err != nil {
			log.Printf("⚠️  Legacy requeue: envelope for %s: %v", id, err)
			continue
		}
		if err := router.EnqueueTo(ctx, core.RouteLegacy, env); err != nil {
			log.Printf("⚠️  Legacy requeue: enqueue %s: %v", id, err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		log.Printf("♻️  Re-enqueued %d legacy-routed evaluations", requeued)
	}
}

func legacyURL(cfg *config.Config) string {
	if cfg.Queue.LegacyURL != "" {
		return cfg.Queue.LegacyURL
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Queue.LegacyPort)
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}


// The crucible dispatcher: consumes both queues, leases executors, and
// materializes workloads on the orchestrator.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/circuitbreaker"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/config"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/dispatcher"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/executor"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/infra"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/pool"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/queue"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/retry"
)

const reconcileInterval = 15 * time.Second

func main() {
	_ = godotenv.Load()
	log.Println("🔥 Starting Crucible dispatcher...")

	cfg, err := config.Load(os.Getenv("CRUCIBLE_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

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

	driver, err := buildDriver(cfg)
	if err != nil {
		log.Fatalf("executor driver: %v", err)
	}

	registry := pool.NewRegistry(kv, cfg.Pool.ExecutorIDs, m)
	if err := registry.Seed(ctx); err != nil {
		log.Fatalf("pool seed: %v", err)
	}
	go registry.RunReconciler(ctx, reconcileInterval)

	primary := queue.NewRedisQueue(kv, cfg.Queue.KeyPrefix, retry.Default,
		time.Duration(cfg.Queue.VisibilityOverhead)*time.Second, m)
	legacy := queue.NewLegacyClient(legacyURL(cfg))

	primaryCfg := dispatcher.DefaultConfig()
	primaryCfg.Workers = cfg.Executor.Workers
	primaryCfg.ProvisioningDeadline = time.Duration(cfg.Executor.ProvisioningDeadlineSeconds) * time.Second
	primaryCfg.LeaseOverhead = time.Duration(cfg.Pool.LeaseTTLOverhead) * time.Second

	legacyCfg := primaryCfg
	legacyCfg.Source = "dispatcher-legacy"

	// One breaker per outbound dependency: both dispatchers share the
	// orchestrator, so they share its breaker.
	breaker := circuitbreaker.New(circuitbreaker.OrchestratorConfig())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.New(primary, registry, driver, bus, breaker, m, primaryCfg).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dispatcher.New(legacy, registry, driver, bus, breaker, m, legacyCfg).Run(ctx)
	}()

	go serveMetrics(ctx)

	wg.Wait()
	log.Println("👋 Crucible dispatcher stopped")
}

func buildDriver(cfg *config.Config) (executor.Driver, error) {
	switch cfg.Executor.Driver {
	case "gvisor":
		return executor.NewGVisorDriver(cfg.Executor.RunscPath, cfg.Executor.RootfsDir, cfg.Executor.BundleDir)
	default:
		return executor.NewDockerDriver(os.Getenv("DOCKER_HOST"))
	}
}

func legacyURL(cfg *config.Config) string {
	if cfg.Queue.LegacyURL != "" {
		return cfg.Queue.LegacyURL
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Queue.LegacyPort)
}

func serveMetrics(ctx context.Context) {
	addr := os.Getenv("METRICS_ADDR")
	if addr == "" {
		addr = ":9091"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("⚠️  Metrics listener: %v", err)
	}
}

// The crucible cleanup controller: reclaims terminated sandboxes from the
// orchestrator on a retention policy.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/cleanup"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/config"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/executor"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/infra"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
)

func main() {
	_ = godotenv.Load()
	log.Println("🔥 Starting Crucible cleanup controller...")

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

	controller := cleanup.New(driver, bus, m, cleanup.Config{
		Interval:     time.Duration(cfg.Cleanup.PollSeconds) * time.Second,
		SucceededTTL: time.Duration(cfg.Cleanup.NormalTTLSeconds) * time.Second,
		FailedGrace:  time.Duration(cfg.Cleanup.FailGraceSeconds) * time.Second,
		PreserveTTL:  time.Duration(cfg.Cleanup.PreserveTTLSeconds) * time.Second,
		GraceSeconds: 10,
	})

	go serveMetrics(ctx)

	controller.Run(ctx)
	log.Println("👋 Crucible cleanup controller stopped")
}

func buildDriver(cfg *config.Config) (executor.Driver, error) {
	switch cfg.Executor.Driver {
	case "gvisor":
		return executor.NewGVisorDriver(cfg.Executor.RunscPath, cfg.Executor.RootfsDir, cfg.Executor.BundleDir)
	default:
		return executor.NewDockerDriver(os.Getenv("DOCKER_HOST"))
	}
}

func serveMetrics(ctx context.Context) {
	addr := os.Getenv("METRICS_ADDR")
	if addr == "" {
		addr = ":9092"
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

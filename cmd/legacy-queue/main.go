// The legacy task queue: the pre-migration in-process FIFO behind an HTTP
// surface. Kept alive while the router percentage ramps traffic onto the
// primary queue.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/config"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/queue"
)

func main() {
	_ = godotenv.Load()
	log.Println("🔥 Starting Crucible legacy queue...")

	cfg, err := config.Load(os.Getenv("CRUCIBLE_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	q := queue.NewLegacyQueue(10*time.Minute, m)

	r := mux.NewRouter()
	q.Routes(r)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		depth, _ := q.Depth(req.Context())
		fmt.Fprintf(w, `{"status":"healthy","depth":%d}`, depth)
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Queue.LegacyPort),
		Handler:     r,
		ReadTimeout: 90 * time.Second, // long-poll dequeues hold the connection
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("🚀 Legacy queue listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		log.Fatalf("legacy queue: %v", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️  Shutdown: %v", err)
		}
	}
	log.Println("👋 Crucible legacy queue stopped")
}

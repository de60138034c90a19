// Package cleanup reclaims terminated workloads from the orchestrator.
//
// The controller never talks to the queue or the store: it sweeps the
// driver's labeled workloads and applies a retention policy keyed on phase
// and the preserve flag. Running workloads are never touched — enforcement
// of timeouts is the dispatcher's job.
package cleanup

import (
	"context"
	"log"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/executor"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/retry"
)

// Cleanup reasons, used as both the event payload and the metric label.
const (
	ReasonTTLExpired      = "ttl_expired"
	ReasonFailedGrace     = "failed_grace"
	ReasonPreserveExpired = "preserve_expired"
)

// Config holds the retention policy.
type Config struct {
	Interval     time.Duration // sweep cadence
	SucceededTTL time.Duration // retention for successful workloads
	FailedGrace  time.Duration // debugging window for failed, non-preserved workloads
	PreserveTTL  time.Duration // retention for failed workloads marked preserve
	GraceSeconds int           // stop grace passed to the driver on delete
}

// DefaultConfig mirrors the production retention policy.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		SucceededTTL: 600 * time.Second,
		FailedGrace:  10 * time.Second,
		PreserveTTL:  3600 * time.Second,
		GraceSeconds: 10,
	}
}

// Controller sweeps and deletes expired workloads.
type Controller struct {
	driver  executor.Driver
	bus     events.Bus
	metrics *metrics.Metrics
	logger  *log.Logger
	cfg     Config
	nowFn   func() time.Time
}

func New(driver executor.Driver, bus events.Bus, m *metrics.Metrics, cfg Config) *Controller {
	return &Controller{
		driver:  driver,
		bus:     bus,
		metrics: m,
		logger:  log.New(log.Writer(), "[CLEANUP] ", log.LstdFlags),
		cfg:     cfg,
		nowFn:   time.Now,
	}
}

// Run sweeps on the configured interval until ctx is done. Consecutive sweep
// failures back off exponentially instead of hammering a sick orchestrator.
func (c *Controller) Run(ctx context.Context) {
	c.logger.Printf("🧹 Cleanup controller started (interval=%s)", c.cfg.Interval)
	failures := 0
	for {
		wait := c.cfg.Interval
		if failures > 0 {
			wait = retry.Default.NextDelay(failures - 1)
		}
		select {
		case <-ctx.Done():
			c.logger.Printf("🧹 Cleanup controller stopped")
			return
		case <-time.After(wait):
		}

		if _, err := c.Sweep(ctx); err != nil {
			failures++
			c.logger.Printf("❌ Sweep failed (%d consecutive): %v", failures, err)
			continue
		}
		failures = 0
	}
}

// Sweep lists managed workloads and deletes the expired ones, returning how
// many were removed.
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	workloads, err := c.driver.List(ctx, nil)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, w := range workloads {
		reason, due := c.decide(w)
		if !due {
			continue
		}
		if err := c.driver.Delete(ctx, &w.Handle, c.cfg.GraceSeconds); err != nil {
			c.logger.Printf("⚠️  Delete failed for %s: %v", w.Handle.EvalID, err)
			continue
		}
		removed++
		c.metrics.WorkloadsCleaned.WithLabelValues(reason).Inc()
		c.logger.Printf("🧹 Removed workload %s (%s)", w.Handle.ID, reason)
		c.emitCleaned(ctx, w, reason)
	}
	return removed, nil
}

// decide applies the retention table to one workload.
func (c *Controller) decide(w *executor.Workload) (string, bool) {
	if !w.Phase.Terminal() || w.FinishedAt.IsZero() {
		return "", false
	}
	age := c.nowFn().Sub(w.FinishedAt)

	switch {
	case w.Phase == executor.PhaseSucceeded:
		return ReasonTTLExpired, age >= c.cfg.SucceededTTL
	case w.Preserve:
		return ReasonPreserveExpired, age >= c.cfg.PreserveTTL
	default:
		return ReasonFailedGrace, age >= c.cfg.FailedGrace
	}
}

func (c *Controller) emitCleaned(ctx context.Context, w *executor.Workload, reason string) {
	now := c.nowFn()
	ev := &core.Event{
		EvalID: w.Handle.EvalID,
		// Cleanup runs outside the attempt sequence ranges; wall-clock
		// milliseconds keep the (eval_id, sequence) pair unique.
		Sequence:  now.UnixMilli(),
		Timestamp: now,
		Kind:      core.EventWorkloadCleaned,
		Payload: map[string]interface{}{
			"workload_id": w.Handle.ID,
			"reason":      reason,
		},
	}
	if err := c.bus.Publish(ctx, events.NewEnvelope("cleanup-controller", ev)); err != nil {
		c.logger.Printf("⚠️  Failed to publish workload.cleaned for %s: %v", w.Handle.EvalID, err)
	}
}

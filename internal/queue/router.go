package queue

import (
	"context"
	"log"
	"math/rand"
	"sync"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
)

// Router chooses between the primary and legacy queues per submission by
// weighted percentage. The choice is recorded on the envelope's RouteTag so
// the two queues can be compared in analysis; the router never inspects code.
type Router struct {
	primary Producer
	legacy  Producer
	metrics *metrics.Metrics
	logger  *log.Logger

	mu                sync.RWMutex
	primaryPercentage float64 // share routed to primary, in [0,1]
	forceLegacy       bool    // emergency rollback switch
	shiftThreshold    int64   // primary depth that temporarily shifts traffic; 0 disables
	randFn            func() float64
}

// NewRouter builds a router. primaryPercentage is the share of traffic
// bound for the primary queue; forceLegacy overrides it entirely.
func NewRouter(primary, legacy Producer, primaryPercentage float64, forceLegacy bool, m *metrics.Metrics) *Router {
	return &Router{
		primary:           primary,
		legacy:            legacy,
		metrics:           m,
		logger:            log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
		primaryPercentage: primaryPercentage,
		forceLegacy:       forceLegacy,
		randFn:            rand.Float64,
	}
}

// SetShiftThreshold enables depth-based load shedding: when the primary
// queue holds more than n envelopes, new traffic temporarily routes legacy.
func (r *Router) SetShiftThreshold(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shiftThreshold = n
}

// SetForceLegacy flips the emergency rollback switch at runtime.
func (r *Router) SetForceLegacy(force bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forceLegacy = force
	if force {
		r.logger.Printf("⚠️  FORCE_LEGACY_QUEUE engaged — all traffic to legacy")
	}
}

// Route decides the queue for one envelope. Decided before id allocation so
// each id is bound to exactly one queue.
func (r *Router) Route(ctx context.Context) core.RouteTag {
	r.mu.RLock()
	force := r.forceLegacy
	pct := r.primaryPercentage
	threshold := r.shiftThreshold
	roll := r.randFn()
	r.mu.RUnlock()

	if force {
		return core.RouteLegacy
	}
	if threshold > 0 {
		if depth, err := r.primary.Depth(ctx); err == nil && depth > threshold {
			r.logger.Printf("↪️  Primary depth %d over threshold %d — shifting to legacy", depth, threshold)
			return core.RouteLegacy
		}
	}
	if roll < pct {
		return core.RoutePrimary
	}
	return core.RouteLegacy
}

// EnqueueTo stamps the envelope with a previously-decided tag and enqueues
// it on that queue. Ingress calls Route before allocating the evaluation id,
// then EnqueueTo once the durable row is committed.
func (r *Router) EnqueueTo(ctx context.Context, tag core.RouteTag, env *core.TaskEnvelope) error {
	env.RouteTag = tag

	var err error
	switch tag {
	case core.RoutePrimary:
		err = r.primary.Enqueue(ctx, env)
	default:
		err = r.legacy.Enqueue(ctx, env)
	}
	if err != nil {
		return err
	}
	r.metrics.EvaluationsSubmitted.WithLabelValues(string(tag)).Inc()
	return nil
}

// Submit routes the envelope, stamps its RouteTag, and enqueues it.
func (r *Router) Submit(ctx context.Context, env *core.TaskEnvelope) (core.RouteTag, error) {
	tag := r.Route(ctx)
	return tag, r.EnqueueTo(ctx, tag, env)
}

// Package pool tracks the set of available sandbox executors and hands out
// TTL-bounded leases.
//
// State lives in the ephemeral KV:
//
//	pool.free        — set of available executor ids
//	busy:{id}        — current evaluation id, expiring at acquired_at + ttl
//
// An executor id appears in exactly one of the two except during the atomic
// server-side scripts below. The TTL is the last-resort safety net: if a
// dispatcher crashes, the busy key expires and the reconciler returns the id
// to pool.free.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/infra"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
)

// ErrPoolEmpty is returned by Acquire when no executor is free.
var ErrPoolEmpty = errors.New("executor pool is empty")

const (
	// FreeKey is the set of available executor ids.
	FreeKey = "pool.free"
	// busyPrefix prefixes the per-executor lease keys.
	busyPrefix = "busy:"
)

// acquireScript atomically moves one id from pool.free to busy:{id}.
// KEYS[1] = pool.free; ARGV[1] = evaluation id, ARGV[2] = ttl seconds,
// ARGV[3] = busy key prefix. Returns the executor id or false.
var acquireScript = redis.NewScript(`
local id = redis.call('SPOP', KEYS[1])
if not id then
  return false
end
redis.call('SET', ARGV[3] .. id, ARGV[1], 'EX', tonumber(ARGV[2]))
return id
`)

// releaseScript idempotently returns an executor to pool.free.
// KEYS[1] = pool.free, KEYS[2] = busy:{id}; ARGV[1] = evaluation id,
// ARGV[2] = executor id. Returns 1 when the lease was released, 0 when the
// call was a no-op (missing lease or owned by a different evaluation).
// SADD makes re-insertion safe: a double release can never create a
// duplicate entry in pool.free.
var releaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[2])
if current == ARGV[1] then
  redis.call('DEL', KEYS[2])
  redis.call('SADD', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// Registry is the executor pool over the ephemeral KV.
type Registry struct {
	kv      *infra.Redis
	ids     []string
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewRegistry creates a registry for the configured executor ids.
func NewRegistry(kv *infra.Redis, ids []string, m *metrics.Metrics) *Registry {
	return &Registry{
		kv:      kv,
		ids:     ids,
		metrics: m,
		logger:  log.New(log.Writer(), "[POOL] ", log.LstdFlags),
	}
}

// Seed registers all configured executor ids that are not currently leased.
// Called at startup; safe to call repeatedly.
func (r *Registry) Seed(ctx context.Context) error {
	for _, id := range r.ids {
		busy, err := r.kv.Exists(ctx, busyPrefix+id)
		if err != nil {
			return fmt.Errorf("seed pool: %w", err)
		}
		if busy {
			continue
		}
		if err := r.kv.SAdd(ctx, FreeKey, id); err != nil {
			return fmt.Errorf("seed pool: %w", err)
		}
	}
	return r.updateFreeGauge(ctx)
}

// Acquire atomically claims a free executor for evaluationID with the given
// TTL. Returns ErrPoolEmpty within one round trip when pool.free is empty;
// no busy key is created in that case.
func (r *Registry) Acquire(ctx context.Context, evaluationID string, ttl time.Duration) (string, error) {
	ttlSeconds := int64(ttl / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	res, err := r.kv.RunScript(ctx, acquireScript, []string{FreeKey}, evaluationID, ttlSeconds, busyPrefix)
	if err != nil {
		return "", fmt.Errorf("acquire lease: %w", err)
	}
	if res == nil {
		r.metrics.PoolEmpty.Inc()
		return "", ErrPoolEmpty
	}

	executorID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("acquire lease: unexpected script result %T", res)
	}

	r.metrics.LeaseAcquired.Inc()
	r.updateFreeGauge(ctx)
	r.logger.Printf("🔒 Leased %s → %s (ttl=%ds)", executorID, evaluationID, ttlSeconds)
	return executorID, nil
}

// Release idempotently returns executorID to pool.free if (and only if) it
// is currently leased to evaluationID. Any other state is a no-op: the
// double_release_detected counter increments and no error is returned,
// because both the success and failure paths of a dispatch call Release.
func (r *Registry) Release(ctx context.Context, executorID, evaluationID string) error {
	res, err := r.kv.RunScript(ctx, releaseScript,
		[]string{FreeKey, busyPrefix + executorID}, evaluationID, executorID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}

	released, _ := res.(int64)
	if released == 1 {
		r.metrics.LeaseReleased.Inc()
		r.logger.Printf("🔓 Released %s (eval %s)", executorID, evaluationID)
	} else {
		r.metrics.DoubleReleaseDetected.Inc()
		r.logger.Printf("⚠️  Double release detected: %s (eval %s) — no-op", executorID, evaluationID)
	}
	r.updateFreeGauge(ctx)
	return nil
}

// Holder returns the evaluation currently leasing executorID, if any.
func (r *Registry) Holder(ctx context.Context, executorID string) (string, bool, error) {
	val, err := r.kv.Get(ctx, busyPrefix+executorID)
	if errors.Is(err, infra.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(val), true, nil
}

// FreeCount returns the size of pool.free.
func (r *Registry) FreeCount(ctx context.Context) (int64, error) {
	return r.kv.SCard(ctx, FreeKey)
}

// Reconcile returns expired leases to the pool: any configured id that is
// neither free nor busy lost its busy key to TTL expiry, so it rejoins
// pool.free (at most once — SADD is idempotent).
func (r *Registry) Reconcile(ctx context.Context) error {
	for _, id := range r.ids {
		busy, err := r.kv.Exists(ctx, busyPrefix+id)
		if err != nil {
			return fmt.Errorf("reconcile pool: %w", err)
		}
		if busy {
			continue
		}
		free, err := r.kv.SIsMember(ctx, FreeKey, id)
		if err != nil {
			return fmt.Errorf("reconcile pool: %w", err)
		}
		if !free {
			r.logger.Printf("♻️  Lease on %s expired — returning to pool", id)
			if err := r.kv.SAdd(ctx, FreeKey, id); err != nil {
				return fmt.Errorf("reconcile pool: %w", err)
			}
		}
	}
	return r.updateFreeGauge(ctx)
}

// RunReconciler loops Reconcile until ctx is done.
func (r *Registry) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Printf("❌ Reconcile failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) updateFreeGauge(ctx context.Context) error {
	n, err := r.kv.SCard(ctx, FreeKey)
	if err != nil {
		return err
	}
	r.metrics.PoolFree.Set(float64(n))
	return nil
}

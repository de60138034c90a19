package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/infra"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/retry"
)

// RedisQueue is the primary queue: priority-aware, at-least-once, with
// exponential-backoff retries and a dead-letter queue.
//
// Key layout under the configured prefix:
//
//	ready:{priority}  list   — FIFO per logical queue
//	delayed           zset   — envelopes scheduled for later (score = visible-at)
//	reserved          zset   — receipts under visibility timeout (score = deadline)
//	payloads          hash   — receipt → envelope JSON
//	dlq               list   — DeadLetter JSON
type RedisQueue struct {
	kv         *infra.Redis
	prefix     string
	priorities []core.Priority
	policy     retry.Policy
	overhead   time.Duration // added to timeout_seconds for the visibility window
	metrics    *metrics.Metrics
	logger     *log.Logger
	nowFn      func() time.Time
}

// NewRedisQueue builds the primary queue. overhead is the fixed slack added
// to each envelope's timeout for its visibility window.
func NewRedisQueue(kv *infra.Redis, prefix string, policy retry.Policy, overhead time.Duration, m *metrics.Metrics) *RedisQueue {
	if prefix == "" {
		prefix = "crucible:queue:"
	}
	return &RedisQueue{
		kv:         kv,
		prefix:     prefix,
		priorities: core.Priorities,
		policy:     policy,
		overhead:   overhead,
		metrics:    m,
		logger:     log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
		nowFn:      time.Now,
	}
}

// reserveScript atomically moves the next ready envelope into the reserved
// state: pop, stash the payload under the receipt, and register the
// visibility deadline as one server-side step, so a consumer crash can never
// strand an envelope outside both structures.
// KEYS[1] = ready list, KEYS[2] = payloads hash, KEYS[3] = reserved zset;
// ARGV[1] = receipt, ARGV[2] = now + overhead in ms. The envelope's own
// timeout_seconds is decoded server-side and added to the deadline. Returns
// the raw payload or false.
var reserveScript = redis.NewScript(`
local payload = redis.call('LPOP', KEYS[1])
if not payload then
  return false
end
local timeout = 0
local ok, env = pcall(cjson.decode, payload)
if ok and type(env) == 'table' and tonumber(env['timeout_seconds']) then
  timeout = tonumber(env['timeout_seconds'])
end
redis.call('HSET', KEYS[2], ARGV[1], payload)
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]) + timeout * 1000, ARGV[1])
return payload
`)

func (q *RedisQueue) readyKey(p core.Priority) string { return q.prefix + "ready:" + string(p) }
func (q *RedisQueue) delayedKey() string              { return q.prefix + "delayed" }
func (q *RedisQueue) reservedKey() string             { return q.prefix + "reserved" }
func (q *RedisQueue) payloadsKey() string             { return q.prefix + "payloads" }
func (q *RedisQueue) dlqKey() string                  { return q.prefix + "dlq" }

// Enqueue appends the envelope to its priority's ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, env *core.TaskEnvelope) error {
	if !core.ValidPriority(env.Priority) {
		env.Priority = core.PriorityNormal
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.kv.RPush(ctx, q.readyKey(env.Priority), payload); err != nil {
		return fmt.Errorf("enqueue %s: %w", env.EvaluationID, err)
	}
	q.updateDepthGauges(ctx)
	return nil
}

// Reserve promotes due work, reaps lapsed reservations, then pulls the
// highest-priority ready envelope. Urgent drains first; no starvation
// guarantee is made for lower priorities under sustained urgent load.
func (q *RedisQueue) Reserve(ctx context.Context) (*Delivery, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}
	if err := q.reapExpired(ctx); err != nil {
		return nil, err
	}

	for _, priority := range q.priorities {
		receipt := uuid.New().String()
		base := q.nowFn().Add(q.overhead).UnixMilli()
		res, err := q.kv.RunScript(ctx, reserveScript,
			[]string{q.readyKey(priority), q.payloadsKey(), q.reservedKey()}, receipt, base)
		if err != nil {
			return nil, fmt.Errorf("reserve: %w", err)
		}
		if res == nil {
			continue
		}
		payload, ok := res.(string)
		if !ok {
			return nil, fmt.Errorf("reserve: unexpected script result %T", res)
		}

		// The stored payload keeps the pre-delivery attempt count; the reaper
		// applies the same increment when a reservation lapses.
		var env core.TaskEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			q.logger.Printf("❌ Dropping undecodable envelope: %v", err)
			if err := q.dropReservation(ctx, receipt); err != nil {
				return nil, fmt.Errorf("reserve: %w", err)
			}
			continue
		}
		env.Attempt++

		q.metrics.QueueReserved.WithLabelValues(NamePrimary, string(priority)).Inc()
		q.updateDepthGauges(ctx)
		return &Delivery{Envelope: &env, Receipt: receipt, Queue: NamePrimary}, nil
	}
	return nil, ErrNoTask
}

// Ack removes the reservation permanently.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.dropReservation(ctx, d.Receipt); err != nil {
		return fmt.Errorf("ack %s: %w", d.Envelope.EvaluationID, err)
	}
	return nil
}

// Nack reschedules the envelope with backoff, or dead-letters it once the
// retry budget is spent. Consumers share the queue's policy, so they can
// tell from the attempt count when a nack dead-lettered the envelope.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, cause string) error {
	if err := q.dropReservation(ctx, d.Receipt); err != nil {
		return fmt.Errorf("nack %s: %w", d.Envelope.EvaluationID, err)
	}

	env := d.Envelope
	if q.policy.Exhausted(env.Attempt - 1) {
		dl := &DeadLetter{
			Envelope:  env,
			LastError: cause,
			Attempts:  env.Attempt,
			FailedAt:  q.nowFn(),
		}
		payload, err := json.Marshal(dl)
		if err != nil {
			return fmt.Errorf("marshal dead letter: %w", err)
		}
		if err := q.kv.RPush(ctx, q.dlqKey(), payload); err != nil {
			return fmt.Errorf("dead-letter %s: %w", env.EvaluationID, err)
		}
		q.metrics.DLQTotal.WithLabelValues(NamePrimary).Inc()
		q.logger.Printf("💀 Dead-lettered %s after %d attempts: %s", env.EvaluationID, env.Attempt, cause)
		return nil
	}

	delay := q.policy.NextDelay(env.Attempt - 1)
	q.metrics.QueueRetries.WithLabelValues(NamePrimary).Inc()
	q.logger.Printf("🔁 Retry %s in %v (attempt %d): %s", env.EvaluationID, delay.Round(time.Millisecond), env.Attempt, cause)
	return q.schedule(ctx, env, delay)
}

// Release requeues after delay without consuming a retry (pool backpressure).
// The attempt counter is rolled back so a starved envelope cannot drift into
// the DLQ without ever failing.
func (q *RedisQueue) Release(ctx context.Context, d *Delivery, delay time.Duration) error {
	if err := q.dropReservation(ctx, d.Receipt); err != nil {
		return fmt.Errorf("release %s: %w", d.Envelope.EvaluationID, err)
	}
	env := *d.Envelope
	if env.Attempt > 0 {
		env.Attempt--
	}
	return q.schedule(ctx, &env, delay)
}

// Depth counts ready plus scheduled envelopes (reserved ones excluded).
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	var total int64
	for _, priority := range q.priorities {
		n, err := q.kv.LLen(ctx, q.readyKey(priority))
		if err != nil {
			return 0, err
		}
		total += n
	}
	delayed, err := q.kv.ZCard(ctx, q.delayedKey())
	if err != nil {
		return 0, err
	}
	return total + delayed, nil
}

// ListDLQ returns up to limit dead letters, oldest first.
func (q *RedisQueue) ListDLQ(ctx context.Context, limit int64) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.kv.LRange(ctx, q.dlqKey(), 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	out := make([]*DeadLetter, 0, len(raw))
	for _, item := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			continue
		}
		out = append(out, &dl)
	}
	return out, nil
}

// Redrive moves one dead letter back to its priority queue with a fresh
// attempt budget. Returns false when no DLQ entry matches evaluationID.
func (q *RedisQueue) Redrive(ctx context.Context, evaluationID string) (bool, error) {
	raw, err := q.kv.LRange(ctx, q.dlqKey(), 0, -1)
	if err != nil {
		return false, fmt.Errorf("redrive: %w", err)
	}
	for _, item := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			continue
		}
		if dl.Envelope == nil || dl.Envelope.EvaluationID != evaluationID {
			continue
		}
		if err := q.kv.LRem(ctx, q.dlqKey(), []byte(item)); err != nil {
			return false, fmt.Errorf("redrive: %w", err)
		}
		dl.Envelope.Attempt = 0
		if err := q.Enqueue(ctx, dl.Envelope); err != nil {
			return false, err
		}
		q.logger.Printf("⤴️  Redrove %s from DLQ", evaluationID)
		return true, nil
	}
	return false, nil
}

func (q *RedisQueue) schedule(ctx context.Context, env *core.TaskEnvelope, delay time.Duration) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	visibleAt := q.nowFn().Add(delay)
	if err := q.kv.ZAdd(ctx, q.delayedKey(), float64(visibleAt.UnixMilli()), payload); err != nil {
		return fmt.Errorf("schedule %s: %w", env.EvaluationID, err)
	}
	q.updateDepthGauges(ctx)
	return nil
}

// promoteDue moves envelopes whose visible-at has passed onto their ready lists.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	due, err := q.kv.ZRangeByScore(ctx, q.delayedKey(), float64(q.nowFn().UnixMilli()), 100)
	if err != nil {
		return fmt.Errorf("promote due: %w", err)
	}
	for _, item := range due {
		if err := q.kv.ZRem(ctx, q.delayedKey(), item); err != nil {
			return err
		}
		var env core.TaskEnvelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			q.logger.Printf("❌ Dropping undecodable delayed envelope: %v", err)
			continue
		}
		if err := q.kv.RPush(ctx, q.readyKey(env.Priority), []byte(item)); err != nil {
			return err
		}
	}
	return nil
}

// reapExpired requeues reservations whose visibility timeout lapsed without
// an ack — the consumer died or stalled, so the delivery counts as a failed
// attempt and the envelope retries (or dead-letters) per policy.
func (q *RedisQueue) reapExpired(ctx context.Context) error {
	lapsed, err := q.kv.ZRangeByScore(ctx, q.reservedKey(), float64(q.nowFn().UnixMilli()), 100)
	if err != nil {
		return fmt.Errorf("reap expired: %w", err)
	}
	for _, receipt := range lapsed {
		payload, ok, err := q.kv.HGet(ctx, q.payloadsKey(), receipt)
		if err != nil {
			return err
		}
		if err := q.kv.ZRem(ctx, q.reservedKey(), receipt); err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := q.kv.HDel(ctx, q.payloadsKey(), receipt); err != nil {
			return err
		}

		var env core.TaskEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}
		env.Attempt++ // the lapsed delivery consumed this attempt
		q.logger.Printf("⏰ Visibility lapsed for %s (attempt %d)", env.EvaluationID, env.Attempt)

		d := &Delivery{Envelope: &env, Receipt: receipt, Queue: NamePrimary}
		if err := q.Nack(ctx, d, "visibility timeout lapsed"); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) dropReservation(ctx context.Context, receipt string) error {
	if err := q.kv.ZRem(ctx, q.reservedKey(), receipt); err != nil {
		return err
	}
	return q.kv.HDel(ctx, q.payloadsKey(), receipt)
}

func (q *RedisQueue) updateDepthGauges(ctx context.Context) {
	for _, priority := range q.priorities {
		n, err := q.kv.LLen(ctx, q.readyKey(priority))
		if err != nil {
			return
		}
		q.metrics.QueueDepth.WithLabelValues(NamePrimary, string(priority)).Set(float64(n))
	}
}

var (
	_ Producer = (*RedisQueue)(nil)
	_ Consumer = (*RedisQueue)(nil)
)

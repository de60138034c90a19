// Package dispatcher drives reserved queue deliveries to completion: lease
// an executor, materialize the workload, enforce the wall-clock timeout,
// collect output, emit lifecycle events, settle the delivery.
//
// The dispatcher is stateless between deliveries. Everything it knows about
// an evaluation lives in the envelope, the lease, and the events it emits;
// a crashed dispatcher costs at most one visibility window per in-flight
// delivery.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/circuitbreaker"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/executor"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/pool"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/queue"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/retry"
)

// Leaser is the slice of the executor pool the dispatcher uses.
type Leaser interface {
	Acquire(ctx context.Context, evaluationID string, ttl time.Duration) (string, error)
	Release(ctx context.Context, executorID, evaluationID string) error
}

// Config tunes one dispatcher process.
type Config struct {
	Workers              int
	PollInterval         time.Duration
	EmptyPoolBackoff     time.Duration // delivery release delay when no executor is free
	LeaseOverhead        time.Duration // added to timeout_seconds for the lease TTL
	ProvisioningDeadline time.Duration
	Policy               retry.Policy // must match the consumed queue's policy
	Source               string       // event source identifier
}

// DefaultConfig mirrors the production deployment.
func DefaultConfig() Config {
	return Config{
		Workers:              4,
		PollInterval:         250 * time.Millisecond,
		EmptyPoolBackoff:     2 * time.Second,
		LeaseOverhead:        120 * time.Second,
		ProvisioningDeadline: 60 * time.Second,
		Policy:               retry.Default,
		Source:               "dispatcher",
	}
}

// Dispatcher consumes one queue with a pool of workers.
type Dispatcher struct {
	consumer queue.Consumer
	leaser   Leaser
	driver   executor.Driver
	bus      events.Bus
	breaker  *circuitbreaker.CircuitBreaker
	metrics  *metrics.Metrics
	logger   *log.Logger
	cfg      Config
	nowFn    func() time.Time
}

func New(consumer queue.Consumer, leaser Leaser, driver executor.Driver, bus events.Bus,
	breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.OrchestratorConfig())
	}
	return &Dispatcher{
		consumer: consumer,
		leaser:   leaser,
		driver:   driver,
		bus:      bus,
		breaker:  breaker,
		metrics:  m,
		logger:   log.New(log.Writer(), "[DISPATCHER] ", log.LstdFlags),
		cfg:      cfg,
		nowFn:    time.Now,
	}
}

// Run blocks until ctx is cancelled, draining the queue with cfg.Workers
// concurrent workers.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Printf("🚚 Dispatcher starting with %d workers", d.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.workLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	d.logger.Printf("🚚 Dispatcher stopped")
}

func (d *Dispatcher) workLoop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := d.consumer.Reserve(ctx)
		if errors.Is(err, queue.ErrNoTask) {
			select {
			case <-time.After(d.cfg.PollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}
		if err != nil {
			d.logger.Printf("❌ Worker %d reserve failed: %v", worker, err)
			select {
			case <-time.After(d.cfg.PollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		d.Dispatch(ctx, delivery)
	}
}

// Dispatch runs one delivery end to end. Exported for tests and for the
// startup drain path.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery *queue.Delivery) {
	env := delivery.Envelope
	started := d.nowFn()
	outcome := d.dispatch(ctx, delivery)
	d.metrics.DispatchDuration.WithLabelValues(outcome).Observe(d.nowFn().Sub(started).Seconds())
	d.logger.Printf("📋 %s attempt %d → %s (%.2fs)", env.EvaluationID, env.Attempt, outcome, d.nowFn().Sub(started).Seconds())
}

func (d *Dispatcher) dispatch(ctx context.Context, delivery *queue.Delivery) (outcome string) {
	env := delivery.Envelope
	seqBase := int64(env.Attempt) * 100

	leaseTTL := time.Duration(env.TimeoutSeconds)*time.Second + d.cfg.LeaseOverhead
	executorID, err := d.leaser.Acquire(ctx, env.EvaluationID, leaseTTL)
	if errors.Is(err, pool.ErrPoolEmpty) {
		// Backpressure, not failure: the delivery goes back without
		// consuming a retry.
		if err := d.consumer.Release(ctx, delivery, d.cfg.EmptyPoolBackoff); err != nil {
			d.logger.Printf("❌ Release after empty pool failed for %s: %v", env.EvaluationID, err)
		}
		return "pool_empty"
	}
	if err != nil {
		d.settleFailure(ctx, delivery, seqBase, core.KindIngressUnavailable, fmt.Sprintf("lease acquisition failed: %v", err))
		return "lease_error"
	}

	// Release is idempotent and runs on every exit path. Detached context:
	// the lease must be returned even when ctx is already cancelled.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.leaser.Release(releaseCtx, executorID, env.EvaluationID); err != nil {
			d.logger.Printf("❌ Lease release failed for %s on %s: %v", env.EvaluationID, executorID, err)
		}
	}()

	d.emit(ctx, env, seqBase+1, core.EventProvisioning, map[string]interface{}{
		"executor_id": executorID,
		"attempt":     env.Attempt,
	})

	handle, err := d.materialize(ctx, env)
	if err != nil {
		kind := core.KindAPIUnavailable
		msg := fmt.Sprintf("workload materialization failed: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			kind = core.KindProvisioningTimeout
			msg = fmt.Sprintf("workload not running within %s", d.cfg.ProvisioningDeadline)
			d.metrics.ProvisioningTimeouts.Inc()
		}
		d.settleFailure(ctx, delivery, seqBase, kind, msg)
		return "provisioning_failed"
	}

	d.emit(ctx, env, seqBase+2, core.EventRunning, map[string]interface{}{
		"executor_id": executorID,
	})

	update, timedOut := d.await(ctx, handle, env)
	if timedOut {
		// Kill first so the partial output is final, read it, then tear down.
		if err := d.driver.Halt(ctx, handle); err != nil && !errors.Is(err, executor.ErrWorkloadNotFound) {
			d.logger.Printf("⚠️  Halt after timeout failed for %s: %v", env.EvaluationID, err)
		}
		logsCtx, cancelLogs := context.WithTimeout(ctx, 10*time.Second)
		output, _, _ := d.driver.Logs(logsCtx, handle)
		cancelLogs()
		if err := d.driver.Delete(ctx, handle, 0); err != nil && !errors.Is(err, executor.ErrWorkloadNotFound) {
			d.logger.Printf("⚠️  Teardown after timeout failed for %s: %v", env.EvaluationID, err)
		}
		d.emit(ctx, env, seqBase+3, core.EventFailed, terminalPayload(
			nil, output, fmt.Sprintf("evaluation exceeded %ds timeout", env.TimeoutSeconds), core.KindTimeout))
		d.ack(ctx, delivery)
		return "timeout"
	}

	output, exitCode, err := d.driver.Logs(ctx, handle)
	if err != nil {
		d.logger.Printf("⚠️  Log collection failed for %s: %v", env.EvaluationID, err)
	}
	if update.ExitCode != nil {
		exitCode = update.ExitCode
	}

	switch {
	case update.Phase == executor.PhaseSucceeded:
		d.emit(ctx, env, seqBase+3, core.EventCompleted, terminalPayload(exitCode, output, "", ""))
		d.ack(ctx, delivery)
		return "completed"

	case update.Phase == executor.PhaseFailed && exitCode != nil:
		// Timeout is decided solely by the dispatcher's own clock above: a
		// non-zero exit within budget is the user's, whatever it printed.
		msg := fmt.Sprintf("process exited with code %d", *exitCode)
		d.emit(ctx, env, seqBase+3, core.EventFailed, terminalPayload(exitCode, output, msg, core.KindUserError))
		d.ack(ctx, delivery)
		return "user_error"

	default:
		// Orchestrator-level loss: no exit code to attribute to the user, so
		// the attempt retries through the queue.
		d.settleFailure(ctx, delivery, seqBase, core.KindExecutorCrash,
			fmt.Sprintf("workload lost: %s", update.Message))
		return "executor_crash"
	}
}

// materialize submits the workload through the breaker, retrying transient
// errors until the provisioning deadline.
func (d *Dispatcher) materialize(ctx context.Context, env *core.TaskEnvelope) (*executor.Handle, error) {
	provCtx, cancel := context.WithTimeout(ctx, d.cfg.ProvisioningDeadline)
	defer cancel()

	spec := &executor.WorkloadSpec{
		EvalID:         env.EvaluationID,
		Image:          env.RuntimeImage,
		Language:       env.Language,
		Code:           env.Code,
		TimeoutSeconds: env.TimeoutSeconds,
		MemoryBytes:    env.MemoryBytes,
		CPUShares:      env.CPUShares,
		Priority:       string(env.Priority),
		Preserve:       env.Preserve,
		Attempt:        env.Attempt,
	}

	var handle *executor.Handle
	err := retry.Do(provCtx, retry.Aggressive, materializeRetryable, func() error {
		res, err := d.breaker.ExecuteContext(provCtx, func(c context.Context) (interface{}, error) {
			return d.driver.Materialize(c, spec)
		})
		if err != nil {
			return err
		}
		handle = res.(*executor.Handle)
		return nil
	})
	if err != nil {
		if provCtx.Err() != nil {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return handle, nil
}

func materializeRetryable(err error) bool {
	// Breaker-open errors retry: the breaker may close within the deadline
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return true
	}
	return retry.RetryableError(err)
}

// await blocks until the workload terminates or its wall-clock budget runs
// out. The timeout clock starts at running, not at enqueue.
func (d *Dispatcher) await(ctx context.Context, h *executor.Handle, env *core.TaskEnvelope) (executor.StatusUpdate, bool) {
	updates, err := d.driver.Watch(ctx, h)
	if err != nil {
		return executor.StatusUpdate{Phase: executor.PhaseUnknown, Message: err.Error()}, false
	}

	budget := time.Duration(env.TimeoutSeconds) * time.Second
	timer := time.NewTimer(budget)
	defer timer.Stop()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return executor.StatusUpdate{Phase: executor.PhaseUnknown, Message: "watch stream closed"}, false
			}
			if update.Phase.Terminal() || update.Phase == executor.PhaseUnknown {
				return update, false
			}
		case <-timer.C:
			return executor.StatusUpdate{}, true
		case <-ctx.Done():
			return executor.StatusUpdate{Phase: executor.PhaseUnknown, Message: ctx.Err().Error()}, false
		}
	}
}

// settleFailure nacks the delivery and, when the nack spends the last retry,
// emits the terminal failure event.
func (d *Dispatcher) settleFailure(ctx context.Context, delivery *queue.Delivery, seqBase int64, kind core.ErrorKind, msg string) {
	env := delivery.Envelope
	if err := d.consumer.Nack(ctx, delivery, msg); err != nil {
		d.logger.Printf("❌ Nack failed for %s: %v", env.EvaluationID, err)
		return
	}

	// The legacy queue retries forever; only the primary queue dead-letters.
	if delivery.Queue == queue.NamePrimary && d.cfg.Policy.Exhausted(env.Attempt-1) {
		d.emit(ctx, env, seqBase+3, core.EventFailed, terminalPayload(
			nil, nil, fmt.Sprintf("retries exhausted after %d attempts: %s", env.Attempt, msg), core.KindDLQExhausted))
	}
}

func (d *Dispatcher) ack(ctx context.Context, delivery *queue.Delivery) {
	if err := d.consumer.Ack(ctx, delivery); err != nil {
		d.logger.Printf("❌ Ack failed for %s: %v", delivery.Envelope.EvaluationID, err)
	}
}

func (d *Dispatcher) emit(ctx context.Context, env *core.TaskEnvelope, seq int64, kind string, payload map[string]interface{}) {
	ev := &core.Event{
		EvalID:    env.EvaluationID,
		Sequence:  seq,
		Timestamp: d.nowFn(),
		Kind:      kind,
		Payload:   payload,
	}
	if err := d.bus.Publish(ctx, events.NewEnvelope(d.cfg.Source, ev)); err != nil {
		d.logger.Printf("❌ Publish %s for %s failed: %v", kind, env.EvaluationID, err)
	}
}

// terminalPayload truncates the output before it crosses the bus: events
// are size-bounded even if the store re-checks.
func terminalPayload(exitCode *int, output []byte, errMsg string, kind core.ErrorKind) map[string]interface{} {
	truncated, wasTruncated, size := core.TruncateOutput(output)
	payload := map[string]interface{}{
		"output":           string(truncated),
		"output_truncated": wasTruncated,
		"output_size":      size,
	}
	if exitCode != nil {
		payload["exit_code"] = *exitCode
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if kind != "" {
		payload["error_kind"] = string(kind)
	}
	return payload
}

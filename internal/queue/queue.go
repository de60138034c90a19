// Package queue carries task envelopes from ingress to the dispatcher.
//
// Delivery is at-least-once: consumers reserve an envelope under a
// visibility timeout, then ack on success or nack on failure. Unacked
// envelopes become visible again when the lease lapses. Exactly-once is NOT
// provided; the storage worker's idempotent, status-keyed writes absorb
// duplicate executions.
//
// Two interchangeable implementations sit behind this contract: the
// broker-backed primary queue (priorities, retries, dead-letter queue) and
// the in-process legacy FIFO with an HTTP surface. The router picks one per
// submission.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
)

// ErrNoTask is returned by Reserve when nothing is ready.
var ErrNoTask = errors.New("queue: no task ready")

// Names for the route tags / metrics labels.
const (
	NamePrimary = "primary"
	NameLegacy  = "legacy"
)

// Delivery is one reserved envelope. Receipt is an opaque token required
// for Ack, Nack, and Release; ownership of the envelope transfers with it.
type Delivery struct {
	Envelope *core.TaskEnvelope
	Receipt  string
	Queue    string
}

// Producer is the enqueue side.
type Producer interface {
	// Enqueue makes the envelope available to consumers.
	Enqueue(ctx context.Context, env *core.TaskEnvelope) error

	// Depth reports how many envelopes are waiting (ready + scheduled).
	Depth(ctx context.Context) (int64, error)
}

// Consumer is the dispatch side.
type Consumer interface {
	// Reserve claims the highest-priority ready envelope under a visibility
	// timeout of timeout_seconds + a fixed overhead. Returns ErrNoTask when
	// nothing is ready.
	Reserve(ctx context.Context) (*Delivery, error)

	// Ack removes the envelope permanently.
	Ack(ctx context.Context, d *Delivery) error

	// Nack records a failed attempt: the envelope is rescheduled with
	// backoff, or moved to the dead-letter queue once retries are exhausted.
	Nack(ctx context.Context, d *Delivery, cause string) error

	// Release returns the envelope to the queue after delay without
	// consuming a retry. Used for pool-empty backpressure.
	Release(ctx context.Context, d *Delivery, delay time.Duration) error
}

// DeadLetter is an envelope that exhausted its retries.
type DeadLetter struct {
	Envelope  *core.TaskEnvelope `json:"envelope"`
	LastError string             `json:"last_error"`
	Attempts  int                `json:"attempts"`
	FailedAt  time.Time          `json:"failed_at"`
}

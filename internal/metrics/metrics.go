// Package metrics holds the Prometheus metric set for the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all control-plane metrics. Construct once per process and
// pass explicitly; tests use NewWith(prometheus.NewRegistry()) to avoid
// default-registry collisions.
type Metrics struct {
	// Ingress
	EvaluationsSubmitted *prometheus.CounterVec // route tag
	ValidationFailures   *prometheus.CounterVec // reason
	IdempotentReplays    prometheus.Counter

	// Queue
	QueueDepth    *prometheus.GaugeVec   // queue, priority
	QueueRetries  *prometheus.CounterVec // queue
	DLQTotal      *prometheus.CounterVec // queue
	QueueReserved *prometheus.CounterVec // queue, priority

	// Pool
	PoolFree              prometheus.Gauge
	LeaseAcquired         prometheus.Counter
	LeaseReleased         prometheus.Counter
	PoolEmpty             prometheus.Counter
	DoubleReleaseDetected prometheus.Counter

	// Dispatcher
	DispatchDuration   *prometheus.HistogramVec // outcome
	EvaluationOutcomes *prometheus.CounterVec   // status, error_kind
	ProvisioningTimeouts prometheus.Counter

	// Storage worker
	EventsApplied    *prometheus.CounterVec // kind
	DuplicateEvents  prometheus.Counter
	OutOfOrderEvents prometheus.Counter

	// Cleanup
	WorkloadsCleaned *prometheus.CounterVec // reason
}

// New registers on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers all metrics with the given registerer.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EvaluationsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_evaluations_submitted_total",
				Help: "Evaluations accepted at ingress, by route tag",
			},
			[]string{"route"},
		),
		ValidationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_validation_failures_total",
				Help: "Submissions rejected at ingress validation",
			},
			[]string{"reason"},
		),
		IdempotentReplays: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crucible_idempotent_replays_total",
				Help: "POST /eval requests answered from an Idempotency-Key match",
			},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crucible_queue_depth",
				Help: "Ready envelopes per queue and priority",
			},
			[]string{"queue", "priority"},
		),
		QueueRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_queue_retries_total",
				Help: "Envelope retries scheduled after nack",
			},
			[]string{"queue"},
		),
		DLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_queue_dlq_total",
				Help: "Envelopes moved to the dead-letter queue",
			},
			[]string{"queue"},
		),
		QueueReserved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_queue_reserved_total",
				Help: "Envelopes reserved by consumers",
			},
			[]string{"queue", "priority"},
		),
		PoolFree: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crucible_pool_free",
				Help: "Executors currently in pool.free",
			},
		),
		LeaseAcquired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crucible_lease_acquired_total",
				Help: "Executor leases acquired",
			},
		),
		LeaseReleased: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crucible_lease_released_total",
				Help: "Executor leases released",
			},
		),
		PoolEmpty: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crucible_pool_empty_total",
				Help: "Acquire attempts that found pool.free empty",
			},
		),
		DoubleReleaseDetected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crucible_double_release_detected_total",
				Help: "Release calls that were no-ops (lease missing or owned by another evaluation)",
			},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crucible_dispatch_duration_seconds",
				Help:    "End-to-end dispatch time from reserve to terminal event",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
			},
			[]string{"outcome"},
		),
		EvaluationOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_evaluation_outcomes_total",
				Help: "Terminal evaluation outcomes",
			},
			[]string{"status", "error_kind"},
		),
		ProvisioningTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crucible_provisioning_timeouts_total",
				Help: "Workloads that never scheduled within the provisioning deadline",
			},
		),
		EventsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_events_applied_total",
				Help: "Events reduced into the durable store",
			},
			[]string{"kind"},
		),
		DuplicateEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crucible_duplicate_events_total",
				Help: "Events discarded as (eval_id, sequence) duplicates",
			},
		),
		OutOfOrderEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crucible_out_of_order_events_total",
				Help: "Events dropped because they would violate the status DAG",
			},
		),
		WorkloadsCleaned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_workloads_cleaned_total",
				Help: "Workloads deleted by the cleanup controller",
			},
			[]string{"reason"},
		),
	}
}

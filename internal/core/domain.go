package core

import "time"

// Priority orders envelopes inside the task queue. Consumers drain urgent
// first; no starvation guarantee is made for lower priorities.
type Priority string

const (
	PriorityUrgent      Priority = "urgent"
	PriorityNormal      Priority = "normal"
	PriorityBatch       Priority = "batch"
	PriorityMaintenance Priority = "maintenance"
)

// Priorities is the consumption order for queue consumers.
var Priorities = []Priority{PriorityUrgent, PriorityNormal, PriorityBatch, PriorityMaintenance}

// ValidPriority reports whether p is one of the known priority levels.
func ValidPriority(p Priority) bool {
	for _, known := range Priorities {
		if p == known {
			return true
		}
	}
	return false
}

// RouteTag records which queue a submission was bound to.
type RouteTag string

const (
	RoutePrimary RouteTag = "primary"
	RouteLegacy  RouteTag = "legacy"
)

// ErrorKind is the machine-readable failure classification stored on
// terminal evaluations and attached to failure events.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindIngressUnavailable  ErrorKind = "ingress_unavailable"
	KindPoolEmpty           ErrorKind = "pool_empty"
	KindProvisioningTimeout ErrorKind = "provisioning_timeout"
	KindTimeout             ErrorKind = "timeout"
	KindAPIUnavailable      ErrorKind = "api_unavailable"
	KindExecutorCrash       ErrorKind = "executor_crash"
	KindUserError           ErrorKind = "user_error"
	KindDLQExhausted        ErrorKind = "dlq_exhausted"
)

// Evaluation is the primary record: one submission and its full lifecycle.
// The durable store owns the history; the storage worker is the only writer.
type Evaluation struct {
	ID              string    `json:"eval_id"`
	Code            []byte    `json:"code,omitempty"` // untrusted, never interpolated into a shell
	Language        string    `json:"language"`
	RuntimeImage    string    `json:"runtime_image"`
	TimeoutSeconds  int       `json:"timeout_seconds"`
	MemoryBytes     int64     `json:"memory_bytes"`
	CPUShares       int64     `json:"cpu_shares"`
	Priority        Priority  `json:"priority"`
	Preserve        bool      `json:"preserve"`
	RouteTag        RouteTag  `json:"route_tag"`
	Status          Status    `json:"status"`
	SubmittedAt     time.Time `json:"submitted_at"`
	QueuedAt        time.Time `json:"queued_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ExitCode        *int      `json:"exit_code,omitempty"`
	Output          []byte    `json:"output,omitempty"`
	OutputTruncated bool      `json:"output_truncated"`
	OutputSize      int64     `json:"output_size"`
	Error           string    `json:"error,omitempty"`
	ExecutorID      string    `json:"executor_id,omitempty"`
	Attempts        int       `json:"attempts"`
	LastErrorKind   ErrorKind `json:"last_error_kind,omitempty"`
}

// Event is one append-only audit tuple. Sequence is per-evaluation and
// strictly increasing when emitted by a single producer; consumers must
// tolerate duplicates and cross-evaluation reordering.
type Event struct {
	EvalID    string                 `json:"eval_id"`
	Sequence  int64                  `json:"sequence"`
	Timestamp time.Time              `json:"timestamp"`
	Kind      string                 `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Event kinds as they appear on the wire and in the events table.
const (
	EventQueued          = "queued"
	EventProvisioning    = "provisioning"
	EventRunning         = "running"
	EventCompleted       = "completed"
	EventFailed          = "failed"
	EventWorkloadCleaned = "workload.cleaned"
)

// TaskEnvelope is the queued representation of an evaluation: just enough
// to build a workload spec. It carries no user identity; identity is
// resolved at ingress.
type TaskEnvelope struct {
	EvaluationID   string   `json:"evaluation_id"`
	RuntimeImage   string   `json:"runtime_image"`
	Language       string   `json:"language"`
	Code           []byte   `json:"code"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	MemoryBytes    int64    `json:"memory_bytes"`
	CPUShares      int64    `json:"cpu_shares"`
	Priority       Priority `json:"priority"`
	Preserve       bool     `json:"preserve"`
	RouteTag       RouteTag `json:"route_tag"`
	Attempt        int      `json:"attempt"`
}

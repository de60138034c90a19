package sdk

import "time"

// SubmitRequest is one evaluation submission.
type SubmitRequest struct {
	// Code is the program to run (required).
	Code string `json:"code"`

	// Language selects the runtime; defaults to the platform default.
	Language string `json:"language,omitempty"`

	// RuntimeImage pins a specific sandbox image.
	RuntimeImage string `json:"runtime_image,omitempty"`

	// TimeoutSeconds caps wall-clock execution; 0 uses the platform default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// MemoryBytes caps the sandbox memory; 0 uses the platform default.
	MemoryBytes int64 `json:"memory_bytes,omitempty"`

	// CPUShares weights CPU allocation; 0 uses the platform default.
	CPUShares int64 `json:"cpu_shares,omitempty"`

	// Priority is urgent, normal, batch, or maintenance.
	Priority string `json:"priority,omitempty"`

	// Preserve keeps a failed sandbox around longer for debugging.
	Preserve bool `json:"preserve,omitempty"`

	// IdempotencyKey makes retried submissions safe: a resubmission with
	// the same key returns the original evaluation instead of a new one.
	IdempotencyKey string `json:"-"`
}

// SubmitResult is the accepted-submission response.
type SubmitResult struct {
	EvalID string `json:"eval_id"`
	Status string `json:"status"`
	Route  string `json:"route"`

	// Replayed is true when the server answered from an idempotency match.
	Replayed bool `json:"-"`
}

// Evaluation is the read model returned by Get, List, and Wait.
type Evaluation struct {
	EvalID          string     `json:"eval_id"`
	Status          string     `json:"status"`
	Language        string     `json:"language"`
	RuntimeImage    string     `json:"runtime_image"`
	TimeoutSeconds  int        `json:"timeout_seconds"`
	Priority        string     `json:"priority"`
	RouteTag        string     `json:"route_tag"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Output          string     `json:"output,omitempty"`
	OutputTruncated bool       `json:"output_truncated"`
	OutputSize      int64      `json:"output_size"`
	Error           string     `json:"error,omitempty"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	ExecutorID      string     `json:"executor_id,omitempty"`
	Attempts        int        `json:"attempts"`
}

// Terminal reports whether the evaluation has reached a final state.
func (e *Evaluation) Terminal() bool {
	switch e.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// Event is one audit-trail entry for an evaluation.
type Event struct {
	EvalID    string                 `json:"eval_id"`
	Sequence  int64                  `json:"sequence"`
	Timestamp time.Time              `json:"timestamp"`
	Kind      string                 `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// StreamEvent is one frame from the live event stream.
type StreamEvent struct {
	ID        string                 `json:"id"`
	Topic     string                 `json:"topic"`
	Source    string                 `json:"source"`
	EvalID    string                 `json:"eval_id"`
	Sequence  int64                  `json:"sequence"`
	Timestamp time.Time              `json:"timestamp"`
	Kind      string                 `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// ListParams filters List queries.
type ListParams struct {
	Status string
	Limit  int
	Cursor string
}

// ListResult is one page of evaluations.
type ListResult struct {
	Evaluations []*Evaluation `json:"evaluations"`
	NextCursor  string        `json:"next_cursor"`
}

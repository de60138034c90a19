// Package executor materializes evaluation workloads on an orchestrator.
//
// A Driver owns the full workload lifecycle: create and start a sandboxed
// container for an envelope, watch it to termination, collect combined
// output, and tear it down. Drivers never talk to the queue or the store;
// the dispatcher and the cleanup controller drive them.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Workload labels. Every container a driver creates carries LabelManaged so
// the cleanup controller can enumerate platform workloads without touching
// anything else on the host.
const (
	LabelManaged  = "crucible.managed"
	LabelEvalID   = "crucible.eval-id"
	LabelPreserve = "crucible.preserve"
	LabelPriority = "crucible.priority"
)

// ErrWorkloadNotFound is returned for handles the driver no longer tracks.
var ErrWorkloadNotFound = errors.New("executor: workload not found")

// Phase is the orchestrator-level workload state.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseUnknown   Phase = "unknown"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// WorkloadSpec is everything a driver needs to materialize one evaluation.
// Code is untrusted: it is staged as a file inside the sandbox and never
// interpolated into a command line.
type WorkloadSpec struct {
	EvalID         string
	Image          string
	Language       string
	Code           []byte
	TimeoutSeconds int
	MemoryBytes    int64
	CPUShares      int64
	Priority       string
	Preserve       bool
	Attempt        int // disambiguates workload names across retries
}

// workloadName builds the orchestrator-visible name for a spec. Attempts
// get distinct names: a retried evaluation must never collide with the
// preserved workload of a previous attempt.
func workloadName(spec *WorkloadSpec) string {
	return fmt.Sprintf("crucible-%s-a%d", spec.EvalID, spec.Attempt)
}

// Handle identifies a materialized workload.
type Handle struct {
	ID     string // orchestrator-native id (container id, sandbox id)
	EvalID string
}

// StatusUpdate is one observation from Watch. ExitCode is set only on
// terminal phases where the orchestrator reported one.
type StatusUpdate struct {
	Phase    Phase
	ExitCode *int
	Message  string
}

// Workload is a listed workload, enough for the cleanup controller to apply
// its retention policy.
type Workload struct {
	Handle     Handle
	Phase      Phase
	Preserve   bool
	Labels     map[string]string
	FinishedAt time.Time // zero while running
}

// Driver is the orchestrator abstraction. Implementations: Docker engine
// and gVisor runsc; tests use the fake.
type Driver interface {
	// Materialize creates and starts the workload.
	Materialize(ctx context.Context, spec *WorkloadSpec) (*Handle, error)

	// Watch streams status updates until the workload terminates or ctx is
	// cancelled. The channel is closed after the first terminal update.
	Watch(ctx context.Context, h *Handle) (<-chan StatusUpdate, error)

	// Logs returns the combined stdout+stderr stream, in emission order,
	// plus the exit code when the workload has terminated.
	Logs(ctx context.Context, h *Handle) ([]byte, *int, error)

	// Halt stops the workload immediately but leaves it in place, so its
	// final output stays retrievable through Logs until Delete runs.
	Halt(ctx context.Context, h *Handle) error

	// Delete tears the workload down, allowing graceSeconds for a clean stop.
	Delete(ctx context.Context, h *Handle, graceSeconds int) error

	// List enumerates managed workloads matching the label selector.
	List(ctx context.Context, selector map[string]string) ([]*Workload, error)
}

// entrypoint maps a language to its interpreter command and staged filename.
// Unknown languages fall back to python, the platform default.
func entrypoint(language string) (cmd []string, filename string) {
	switch language {
	case "javascript", "node":
		return []string{"node", "/eval/main.js"}, "main.js"
	case "bash", "sh":
		return []string{"/bin/sh", "/eval/main.sh"}, "main.sh"
	default:
		return []string{"python3", "-u", "/eval/main.py"}, "main.py"
	}
}

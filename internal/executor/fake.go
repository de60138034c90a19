package executor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// FakeDriver is the scriptable in-memory driver used by dispatcher and
// cleanup tests. Tests materialize workloads through the normal interface
// and then call Complete, Fail, or Crash to drive them to termination.
type FakeDriver struct {
	mu        sync.Mutex
	workloads map[string]*fakeWorkload
	deleted   []string
	halted    []string

	// MaterializeErr, when set, fails the next Materialize call.
	MaterializeErr error
}

type fakeWorkload struct {
	handle     Handle
	spec       *WorkloadSpec
	phase      Phase
	exitCode   *int
	logs       []byte
	finishedAt time.Time
	updates    chan StatusUpdate
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{workloads: make(map[string]*fakeWorkload)}
}

var _ Driver = (*FakeDriver)(nil)

func (f *FakeDriver) Materialize(_ context.Context, spec *WorkloadSpec) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.MaterializeErr; err != nil {
		f.MaterializeErr = nil
		return nil, err
	}

	h := Handle{ID: "fake-" + workloadName(spec), EvalID: spec.EvalID}
	f.workloads[h.ID] = &fakeWorkload{
		handle:  h,
		spec:    spec,
		phase:   PhaseRunning,
		updates: make(chan StatusUpdate, 1),
	}
	return &h, nil
}

func (f *FakeDriver) Watch(_ context.Context, h *Handle) (<-chan StatusUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workloads[h.ID]
	if !ok {
		return nil, ErrWorkloadNotFound
	}
	return w.updates, nil
}

func (f *FakeDriver) Logs(_ context.Context, h *Handle) ([]byte, *int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workloads[h.ID]
	if !ok {
		return nil, nil, ErrWorkloadNotFound
	}
	return w.logs, w.exitCode, nil
}

// Halt kills a still-running workload with the conventional SIGKILL exit
// code, keeping its logs readable. Terminal workloads are left untouched.
func (f *FakeDriver) Halt(_ context.Context, h *Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workloads[h.ID]
	if !ok {
		return ErrWorkloadNotFound
	}
	f.halted = append(f.halted, h.EvalID)
	if w.phase.Terminal() || w.phase == PhaseUnknown {
		return nil
	}
	code := 137
	w.phase = PhaseFailed
	w.exitCode = &code
	w.finishedAt = time.Now()
	w.updates <- StatusUpdate{Phase: PhaseFailed, ExitCode: &code, Message: "killed"}
	close(w.updates)
	return nil
}

func (f *FakeDriver) Delete(_ context.Context, h *Handle, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workloads[h.ID]; !ok {
		return ErrWorkloadNotFound
	}
	delete(f.workloads, h.ID)
	f.deleted = append(f.deleted, h.EvalID)
	return nil
}

func (f *FakeDriver) List(_ context.Context, selector map[string]string) ([]*Workload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*Workload
	for _, w := range f.workloads {
		labels := map[string]string{
			LabelManaged:  "true",
			LabelEvalID:   w.spec.EvalID,
			LabelPreserve: strconv.FormatBool(w.spec.Preserve),
			LabelPriority: w.spec.Priority,
		}
		if !matchesSelector(labels, selector) {
			continue
		}
		out = append(out, &Workload{
			Handle:     w.handle,
			Phase:      w.phase,
			Preserve:   w.spec.Preserve,
			Labels:     labels,
			FinishedAt: w.finishedAt,
		})
	}
	return out, nil
}

// Complete drives the workload for evalID to a successful exit.
func (f *FakeDriver) Complete(evalID string, logs []byte) error {
	return f.terminate(evalID, PhaseSucceeded, 0, logs, "")
}

// Fail drives the workload to a non-zero exit (user error).
func (f *FakeDriver) Fail(evalID string, exitCode int, logs []byte) error {
	return f.terminate(evalID, PhaseFailed, exitCode, logs, "")
}

// Crash simulates an orchestrator-level loss with no exit code.
func (f *FakeDriver) Crash(evalID, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.findLocked(evalID)
	if err != nil {
		return err
	}
	w.phase = PhaseUnknown
	w.finishedAt = time.Now()
	w.updates <- StatusUpdate{Phase: PhaseUnknown, Message: msg}
	close(w.updates)
	return nil
}

// Stream appends to the workload's log buffer while it runs.
func (f *FakeDriver) Stream(evalID string, logs []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.findLocked(evalID)
	if err != nil {
		return err
	}
	w.logs = append(w.logs, logs...)
	return nil
}

// SetFinishedAt backdates a terminal workload (cleanup TTL tests).
func (f *FakeDriver) SetFinishedAt(evalID string, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.findLocked(evalID)
	if err != nil {
		return err
	}
	w.finishedAt = t
	return nil
}

// Deleted reports the eval ids whose workloads were deleted, in order.
func (f *FakeDriver) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// Halted reports the eval ids whose workloads were halted, in order.
func (f *FakeDriver) Halted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.halted...)
}

func (f *FakeDriver) terminate(evalID string, phase Phase, exitCode int, logs []byte, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.findLocked(evalID)
	if err != nil {
		return err
	}
	w.phase = phase
	w.exitCode = &exitCode
	w.logs = logs
	w.finishedAt = time.Now()
	w.updates <- StatusUpdate{Phase: phase, ExitCode: &exitCode, Message: msg}
	close(w.updates)
	return nil
}

func (f *FakeDriver) findLocked(evalID string) (*fakeWorkload, error) {
	for _, w := range f.workloads {
		if w.spec.EvalID == evalID {
			return w, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrWorkloadNotFound, evalID)
}

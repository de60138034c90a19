package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// GVisorDriver materializes workloads as gVisor sandboxes via the runsc
// binary. It is single-host: the sandbox registry lives in memory, so List
// only sees sandboxes this process created. Lost state after a restart is
// reconciled by the cleanup controller removing orphaned bundle directories.
type GVisorDriver struct {
	runscPath string
	rootfs    string
	baseDir   string
	logger    *log.Logger

	mu        sync.Mutex
	sandboxes map[string]*gvisorSandbox
}

type gvisorSandbox struct {
	handle     Handle
	spec       *WorkloadSpec
	phase      Phase
	exitCode   *int
	output     []byte
	finishedAt time.Time
	updates    chan StatusUpdate
	done       chan struct{} // closed once collect has recorded the final state
}

// NewGVisorDriver verifies the runsc binary exists before returning.
func NewGVisorDriver(runscPath, rootfs, baseDir string) (*GVisorDriver, error) {
	if runscPath == "" {
		runscPath = "/usr/local/bin/runsc"
	}
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "crucible-sandboxes")
	}
	if _, err := exec.LookPath(runscPath); err != nil {
		return nil, fmt.Errorf("gVisor runsc not found at %s: %w", runscPath, err)
	}
	return &GVisorDriver{
		runscPath: runscPath,
		rootfs:    rootfs,
		baseDir:   baseDir,
		logger:    log.New(log.Writer(), "[GVISOR] ", log.LstdFlags),
		sandboxes: make(map[string]*gvisorSandbox),
	}, nil
}

var _ Driver = (*GVisorDriver)(nil)

// Materialize writes the bundle directory, stages the code file, and starts
// runsc in a collector goroutine. runsc run is synchronous, so the goroutine
// owns the sandbox until termination and feeds the Watch channel.
//
// The sandbox deliberately outlives the caller's context: provisioning
// contexts end as soon as the handle is returned, and teardown is Halt's
// and Delete's job.
func (d *GVisorDriver) Materialize(_ context.Context, spec *WorkloadSpec) (*Handle, error) {
	sandboxID := workloadName(spec)
	bundleDir := filepath.Join(d.baseDir, sandboxID)
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}

	cmd, filename := entrypoint(spec.Language)
	if err := os.WriteFile(filepath.Join(bundleDir, filename), spec.Code, 0o444); err != nil {
		os.RemoveAll(bundleDir)
		return nil, fmt.Errorf("stage code for %s: %w", spec.EvalID, err)
	}

	h := Handle{ID: sandboxID, EvalID: spec.EvalID}
	sb := &gvisorSandbox{
		handle:  h,
		spec:    spec,
		phase:   PhaseRunning,
		updates: make(chan StatusUpdate, 1),
		done:    make(chan struct{}),
	}
	d.mu.Lock()
	d.sandboxes[sandboxID] = sb
	d.mu.Unlock()

	// The entry command is recorded in the bundle; runsc takes the id last
	if err := writeBundleConfig(bundleDir, cmd); err != nil {
		os.RemoveAll(bundleDir)
		d.mu.Lock()
		delete(d.sandboxes, sandboxID)
		d.mu.Unlock()
		return nil, err
	}
	run := exec.Command(
		d.runscPath,
		"run",
		"--network=none",
		"--platform=ptrace",
		fmt.Sprintf("--rootfs=%s", d.rootfs),
		fmt.Sprintf("--bundle=%s", bundleDir),
		sandboxID,
	)

	go d.collect(sb, run)

	d.logger.Printf("🚀 Sandbox materialized: %s", sandboxID)
	return &h, nil
}

// collect blocks on the runsc process and records the terminal state.
func (d *GVisorDriver) collect(sb *gvisorSandbox, run *exec.Cmd) {
	output, err := run.CombinedOutput()

	code := 0
	phase := PhaseSucceeded
	msg := ""
	if err != nil {
		phase = PhaseFailed
		msg = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
			phase = PhaseUnknown
		}
	}

	d.mu.Lock()
	sb.phase = phase
	sb.exitCode = &code
	sb.output = output
	sb.finishedAt = time.Now()
	d.mu.Unlock()
	close(sb.done)

	sb.updates <- StatusUpdate{Phase: phase, ExitCode: &code, Message: msg}
	close(sb.updates)

	if phase == PhaseSucceeded {
		d.logger.Printf("✅ Sandbox finished: %s", sb.handle.ID)
	} else {
		d.logger.Printf("❌ Sandbox failed: %s (exit %d)", sb.handle.ID, code)
	}
}

func (d *GVisorDriver) Watch(_ context.Context, h *Handle) (<-chan StatusUpdate, error) {
	d.mu.Lock()
	sb, ok := d.sandboxes[h.ID]
	d.mu.Unlock()
	if !ok {
		return nil, ErrWorkloadNotFound
	}
	return sb.updates, nil
}

// Logs blocks until the collector has recorded the final output. runsc run
// buffers stdout+stderr in the collector, so there is nothing to read before
// the sandbox terminates; callers stop a stuck sandbox with Halt first.
func (d *GVisorDriver) Logs(ctx context.Context, h *Handle) ([]byte, *int, error) {
	d.mu.Lock()
	sb, ok := d.sandboxes[h.ID]
	d.mu.Unlock()
	if !ok {
		return nil, nil, ErrWorkloadNotFound
	}

	select {
	case <-sb.done:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return sb.output, sb.exitCode, nil
}

// Halt kills the sandbox and waits for the collector to record its final
// output, leaving the sandbox in place for Logs. The wait is bounded: a
// sandbox the kernel will not reap should not wedge a dispatcher worker.
func (d *GVisorDriver) Halt(ctx context.Context, h *Handle) error {
	d.mu.Lock()
	sb, ok := d.sandboxes[h.ID]
	d.mu.Unlock()
	if !ok {
		return ErrWorkloadNotFound
	}

	exec.Command(d.runscPath, "kill", h.ID).Run()

	select {
	case <-sb.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return fmt.Errorf("sandbox %s did not exit after kill", h.ID)
	}
}

// Delete kills and deletes the sandbox and removes its bundle directory.
// runsc errors are ignored: the sandbox may already have exited.
func (d *GVisorDriver) Delete(_ context.Context, h *Handle, _ int) error {
	exec.Command(d.runscPath, "kill", h.ID).Run()
	exec.Command(d.runscPath, "delete", h.ID).Run()
	os.RemoveAll(filepath.Join(d.baseDir, h.ID))

	d.mu.Lock()
	_, ok := d.sandboxes[h.ID]
	delete(d.sandboxes, h.ID)
	d.mu.Unlock()

	if !ok {
		return ErrWorkloadNotFound
	}
	d.logger.Printf("🧹 Sandbox removed: %s", h.ID)
	return nil
}

func (d *GVisorDriver) List(_ context.Context, selector map[string]string) ([]*Workload, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Workload
	for _, sb := range d.sandboxes {
		labels := map[string]string{
			LabelManaged:  "true",
			LabelEvalID:   sb.spec.EvalID,
			LabelPreserve: fmt.Sprintf("%t", sb.spec.Preserve),
			LabelPriority: sb.spec.Priority,
		}
		if !matchesSelector(labels, selector) {
			continue
		}
		out = append(out, &Workload{
			Handle:     sb.handle,
			Phase:      sb.phase,
			Preserve:   sb.spec.Preserve,
			Labels:     labels,
			FinishedAt: sb.finishedAt,
		})
	}
	return out, nil
}

// writeBundleConfig records the entry command for runsc.
func writeBundleConfig(bundleDir string, cmd []string) error {
	cfg := map[string]interface{}{
		"process": map[string]interface{}{
			"args": cmd,
			"cwd":  "/eval",
			"user": map[string]int{"uid": 65534, "gid": 65534},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("bundle config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "config.json"), data, 0o644); err != nil {
		return fmt.Errorf("bundle config: %w", err)
	}
	return nil
}

func matchesSelector(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

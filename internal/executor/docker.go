package executor

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// sandboxUser runs workloads as nobody. Combined with the readonly rootfs,
// dropped capabilities and disabled networking, an escaped payload has
// nothing to write to and nowhere to go.
const sandboxUser = "65534:65534"

// DockerDriver materializes workloads as locked-down containers on a Docker
// engine.
type DockerDriver struct {
	cli    client.APIClient
	logger *log.Logger
}

// NewDockerDriver connects to the engine. host overrides DOCKER_HOST when
// non-empty.
func NewDockerDriver(host string) (*DockerDriver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerDriver{
		cli:    cli,
		logger: log.New(log.Writer(), "[DOCKER] ", log.LstdFlags),
	}, nil
}

var _ Driver = (*DockerDriver)(nil)

// Materialize creates the container, stages the code inside it, and starts
// it. The code is copied in as a tar stream before start so the runtime
// filesystem can stay readonly.
func (d *DockerDriver) Materialize(ctx context.Context, spec *WorkloadSpec) (*Handle, error) {
	cmd, filename := entrypoint(spec.Language)

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             cmd,
		User:            sandboxUser,
		WorkingDir:      "/eval",
		NetworkDisabled: true,
		Labels: map[string]string{
			LabelManaged:  "true",
			LabelEvalID:   spec.EvalID,
			LabelPreserve: strconv.FormatBool(spec.Preserve),
			LabelPriority: spec.Priority,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			CPUShares: spec.CPUShares,
			PidsLimit: pidsLimit(),
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, workloadName(spec))
	if err != nil {
		return nil, fmt.Errorf("create workload for %s: %w", spec.EvalID, err)
	}
	h := &Handle{ID: resp.ID, EvalID: spec.EvalID}

	archive, err := codeArchive(filename, spec.Code)
	if err != nil {
		d.remove(h)
		return nil, err
	}
	if err := d.cli.CopyToContainer(ctx, resp.ID, "/", archive, types.CopyToContainerOptions{}); err != nil {
		d.remove(h)
		return nil, fmt.Errorf("stage code for %s: %w", spec.EvalID, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		d.remove(h)
		return nil, fmt.Errorf("start workload for %s: %w", spec.EvalID, err)
	}

	d.logger.Printf("🚀 Workload materialized: %s (container %.12s)", spec.EvalID, resp.ID)
	return h, nil
}

// Watch waits for the container to stop and delivers one terminal update.
func (d *DockerDriver) Watch(ctx context.Context, h *Handle) (<-chan StatusUpdate, error) {
	updates := make(chan StatusUpdate, 1)
	waitCh, errCh := d.cli.ContainerWait(ctx, h.ID, container.WaitConditionNotRunning)

	go func() {
		defer close(updates)
		select {
		case res := <-waitCh:
			code := int(res.StatusCode)
			phase := PhaseSucceeded
			if code != 0 {
				phase = PhaseFailed
			}
			msg := ""
			if res.Error != nil {
				msg = res.Error.Message
			}
			updates <- StatusUpdate{Phase: phase, ExitCode: &code, Message: msg}
		case err := <-errCh:
			updates <- StatusUpdate{Phase: PhaseUnknown, Message: err.Error()}
		case <-ctx.Done():
			updates <- StatusUpdate{Phase: PhaseUnknown, Message: ctx.Err().Error()}
		}
	}()
	return updates, nil
}

// Logs demultiplexes the engine's log stream into one combined buffer in
// emission order, and reports the exit code when the container has stopped.
func (d *DockerDriver) Logs(ctx context.Context, h *Handle) ([]byte, *int, error) {
	rc, err := d.cli.ContainerLogs(ctx, h.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logs for %s: %w", h.EvalID, err)
	}
	defer rc.Close()

	var combined bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, &combined, rc); err != nil {
		return nil, nil, fmt.Errorf("demux logs for %s: %w", h.EvalID, err)
	}

	var exitCode *int
	if inspect, err := d.cli.ContainerInspect(ctx, h.ID); err == nil && inspect.State != nil && !inspect.State.Running {
		code := inspect.State.ExitCode
		exitCode = &code
	}
	return combined.Bytes(), exitCode, nil
}

// Halt kills the container without removing it. The engine keeps the log
// stream and exit code of a stopped container, so Logs still works after.
func (d *DockerDriver) Halt(ctx context.Context, h *Handle) error {
	zero := 0
	if err := d.cli.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &zero}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrWorkloadNotFound
		}
		return fmt.Errorf("halt workload %s: %w", h.EvalID, err)
	}
	return nil
}

// Delete stops the container within the grace period and force-removes it.
func (d *DockerDriver) Delete(ctx context.Context, h *Handle, graceSeconds int) error {
	stopTimeout := graceSeconds
	if err := d.cli.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrWorkloadNotFound
		}
		d.logger.Printf("⚠️  Stop failed for %s, forcing removal: %v", h.EvalID, err)
	}
	if err := d.cli.ContainerRemove(ctx, h.ID, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrWorkloadNotFound
		}
		return fmt.Errorf("remove workload %s: %w", h.EvalID, err)
	}
	d.logger.Printf("🧹 Workload removed: %s", h.EvalID)
	return nil
}

// List enumerates managed containers matching the selector.
func (d *DockerDriver) List(ctx context.Context, selector map[string]string) ([]*Workload, error) {
	args := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	for k, v := range selector {
		args.Add("label", k+"="+v)
	}

	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list workloads: %w", err)
	}

	out := make([]*Workload, 0, len(containers))
	for _, c := range containers {
		w := &Workload{
			Handle: Handle{ID: c.ID, EvalID: c.Labels[LabelEvalID]},
			Phase:  phaseFromState(c.State),
			Labels: c.Labels,
		}
		w.Preserve, _ = strconv.ParseBool(c.Labels[LabelPreserve])

		if w.Phase.Terminal() {
			// FinishedAt comes from inspect; the list payload has no timestamps
			if inspect, err := d.cli.ContainerInspect(ctx, c.ID); err == nil && inspect.State != nil {
				if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
					w.FinishedAt = t
				}
				if inspect.State.ExitCode == 0 {
					w.Phase = PhaseSucceeded
				} else {
					w.Phase = PhaseFailed
				}
			}
		}
		out = append(out, w)
	}
	return out, nil
}

func (d *DockerDriver) remove(h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.cli.ContainerRemove(ctx, h.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
		d.logger.Printf("⚠️  Failed to remove container for %s: %v", h.EvalID, err)
	}
}

func phaseFromState(state string) Phase {
	switch state {
	case "created":
		return PhasePending
	case "running", "restarting", "paused":
		return PhaseRunning
	case "exited", "dead":
		return PhaseFailed // refined via inspect exit code
	default:
		return PhaseUnknown
	}
}

func pidsLimit() *int64 {
	n := int64(128)
	return &n
}

// codeArchive wraps the code file in a tar stream rooted at /eval.
func codeArchive(filename string, code []byte) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	dirs := []tar.Header{
		{Name: "eval/", Typeflag: tar.TypeDir, Mode: 0o755},
	}
	for _, hdr := range dirs {
		if err := tw.WriteHeader(&hdr); err != nil {
			return nil, fmt.Errorf("code archive: %w", err)
		}
	}

	hdr := &tar.Header{
		Name: "eval/" + filename,
		Mode: 0o444,
		Size: int64(len(code)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("code archive: %w", err)
	}
	if _, err := tw.Write(code); err != nil {
		return nil, fmt.Errorf("code archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("code archive: %w", err)
	}
	return &buf, nil
}

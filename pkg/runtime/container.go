package runtime

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"go.uber.org/zap"

	"github.com/loomgrid/loom/pkg/api"
)

// Run creates and starts a container for the job. The artifact directory is
// bind-mounted read-write at ArtifactMountPath. On any failure after creation
// the partially built container is removed before returning.
func (a *ContainerdAdapter) Run(ctx context.Context, job api.JobDescriptor, artifactDir string) (Handle, error) {
	ctx = a.withNamespace(ctx)

	containerID := fmt.Sprintf("loom-%s", job.ID)

	a.logger.Info("Creating container",
		zap.String("id", containerID),
		zap.String("image", job.Image),
	)

	image, err := a.client.GetImage(ctx, job.Image)
	if err != nil {
		return "", &RunError{Kind: RunCreate, ContainerID: containerID,
			Err: fmt.Errorf("image not available: %w", err)}
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
	}

	if args := append(append([]string{}, job.Command...), job.Args...); len(args) > 0 {
		specOpts = append(specOpts, oci.WithProcessArgs(args...))
	}

	env := make([]string, 0, len(job.Env)+1)
	for k, v := range job.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	if job.InputURL != "" {
		env = append(env, fmt.Sprintf("%s=%s", inputURLEnv, job.InputURL))
	}
	if len(env) > 0 {
		specOpts = append(specOpts, oci.WithEnv(env))
	}

	// The artifact mount: host-writable directory visible at a fixed path.
	specOpts = append(specOpts, oci.WithMounts([]specs.Mount{
		{
			Source:      artifactDir,
			Destination: ArtifactMountPath,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		},
	}))

	if job.Resources.CPUMillicores > 0 {
		period := uint64(100000) // 100ms
		quota := job.Resources.CPUMillicores * int64(period) / 1000
		specOpts = append(specOpts, oci.WithCPUCFS(quota, period))
	}
	if job.Resources.MemoryBytes > 0 {
		specOpts = append(specOpts, oci.WithMemoryLimit(uint64(job.Resources.MemoryBytes)))
	}
	if job.Resources.GPUCount > 0 {
		specOpts = append(specOpts, withGPUDevices(int(job.Resources.GPUCount)))
	}

	container, err := a.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
		containerd.WithContainerLabels(map[string]string{
			"loom.job.id": job.ID,
		}),
	)
	if err != nil {
		return "", &RunError{Kind: RunCreate, ContainerID: containerID,
			Err: fmt.Errorf("failed to create container: %w", err)}
	}

	tail := newTailBuffer(a.config.LogTailBytes)

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, tail, tail)))
	if err != nil {
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", &RunError{Kind: RunCreate, ContainerID: containerID,
			Err: fmt.Errorf("failed to create task: %w", err)}
	}

	// Wait must be registered before Start so the exit event is never missed.
	exitCh, err := task.Wait(ctx)
	if err != nil {
		task.Delete(ctx)
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", &RunError{Kind: RunCreate, ContainerID: containerID,
			Err: fmt.Errorf("failed to wait on task: %w", err)}
	}

	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", &RunError{Kind: RunCreate, ContainerID: containerID,
			Err: fmt.Errorf("failed to start task: %w", err)}
	}

	h := Handle(containerID)
	a.mu.Lock()
	a.execs[h] = &execution{
		containerID: containerID,
		artifactDir: artifactDir,
		task:        task,
		exitCh:      exitCh,
		tail:        tail,
	}
	a.mu.Unlock()

	a.logger.Info("Container started",
		zap.String("id", containerID),
		zap.Uint32("pid", task.Pid()),
	)

	return h, nil
}

// Wait blocks until the container exits or the wall-clock timeout elapses.
// On timeout the container is still running; the caller issues the forced
// stop.
func (a *ContainerdAdapter) Wait(ctx context.Context, h Handle, timeout time.Duration) (ExitStatus, error) {
	exec, err := a.lookup(h)
	if err != nil {
		return ExitStatus{}, &RunError{Kind: RunForcedStop, ContainerID: string(h), Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-exec.exitCh:
		if err := status.Error(); err != nil {
			return ExitStatus{}, &RunError{Kind: RunForcedStop, ContainerID: exec.containerID,
				Err: fmt.Errorf("task wait failed: %w", err)}
		}
		return ExitStatus{Code: status.ExitCode(), FinishedAt: status.ExitTime()}, nil
	case <-timer.C:
		return ExitStatus{}, &RunError{Kind: RunTimeout, ContainerID: exec.containerID,
			Err: fmt.Errorf("wall-clock timeout of %s elapsed", timeout)}
	case <-ctx.Done():
		return ExitStatus{}, &RunError{Kind: RunForcedStop, ContainerID: exec.containerID, Err: ctx.Err()}
	}
}

// Stop force-stops a running container: SIGTERM, then SIGKILL after grace.
// A container that already exited is not an error.
func (a *ContainerdAdapter) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	ctx = a.withNamespace(ctx)

	exec, err := a.lookup(h)
	if err != nil {
		return err
	}

	a.logger.Info("Stopping container",
		zap.String("id", exec.containerID),
		zap.Duration("grace", grace),
	)

	container, err := a.client.LoadContainer(ctx, exec.containerID)
	if err != nil {
		return fmt.Errorf("failed to load container: %w", err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means container is not running
		return nil
	}

	// The stored exit channel delivers once and the supervisor's Wait may
	// already have consumed it; subscribe freshly so the exit of an
	// already-dead task is still observed here.
	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-statusC:
		// Container stopped gracefully
	case <-timer.C:
		a.logger.Warn("Container did not stop gracefully, forcing kill",
			zap.String("id", exec.containerID),
		)
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// LogTail returns the captured tail of the container's combined output.
// Safe to call on any handle, including after the container exited.
func (a *ContainerdAdapter) LogTail(h Handle) string {
	exec, err := a.lookup(h)
	if err != nil {
		return ""
	}
	return exec.tail.String()
}

// Remove releases the container and its engine resources. It is invoked on
// every exit path, whether the container completed, timed out, or a call
// failed after creation; errors killing an already-dead task are ignored.
func (a *ContainerdAdapter) Remove(ctx context.Context, h Handle) error {
	ctx = a.withNamespace(ctx)

	exec, err := a.lookup(h)
	if err != nil {
		return err
	}

	a.logger.Info("Removing container", zap.String("id", exec.containerID))

	container, err := a.client.LoadContainer(ctx, exec.containerID)
	if err != nil {
		return fmt.Errorf("failed to load container: %w", err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	a.mu.Lock()
	delete(a.execs, h)
	a.mu.Unlock()

	a.logger.Info("Container removed", zap.String("id", exec.containerID))
	return nil
}

// withGPUDevices grants the container access to NVIDIA and DRI devices.
// Device-level scheduling of individual GPUs is left to the engine runtime;
// count is recorded as a label for the orchestrator.
func withGPUDevices(count int) oci.SpecOpts {
	return func(ctx context.Context, client oci.Client, c *containers.Container, s *oci.Spec) error {
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Linux.Resources == nil {
			s.Linux.Resources = &specs.LinuxResources{}
		}

		allow := true
		s.Linux.Resources.Devices = append(s.Linux.Resources.Devices,
			specs.LinuxDeviceCgroup{
				Allow:  allow,
				Type:   "c",
				Major:  int64Ptr(195), // NVIDIA
				Minor:  int64Ptr(-1),
				Access: "rwm",
			},
			specs.LinuxDeviceCgroup{
				Allow:  allow,
				Type:   "c",
				Major:  int64Ptr(226), // DRI
				Minor:  int64Ptr(-1),
				Access: "rwm",
			},
		)

		if c.Labels == nil {
			c.Labels = make(map[string]string)
		}
		c.Labels["loom.gpu.count"] = fmt.Sprintf("%d", count)
		return nil
	}
}

func int64Ptr(i int64) *int64 { return &i }

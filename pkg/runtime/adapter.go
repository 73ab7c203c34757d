// Package runtime wraps the local container engine behind the adapter
// contract the supervisor executes jobs against: pull image, run isolated,
// wait with a deadline, collect artifacts, remove.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"go.uber.org/zap"

	"github.com/loomgrid/loom/pkg/api"
)

// Adapter is the container engine boundary. Implementations own every engine
// handle for the execution's lifetime; callers hold only the opaque Handle.
type Adapter interface {
	// EnsureImage pulls the image if absent and verifies the digest when the
	// reference is pinned.
	EnsureImage(ctx context.Context, ref, digest string) error

	// Run creates a container for the job with resource limits applied, the
	// artifact directory mounted read-write, and starts it.
	Run(ctx context.Context, job api.JobDescriptor, artifactDir string) (Handle, error)

	// Wait blocks until the container exits or the timeout elapses,
	// whichever comes first. A timeout is returned as a RunError with kind
	// RunTimeout; the container keeps running until Stop.
	Wait(ctx context.Context, h Handle, timeout time.Duration) (ExitStatus, error)

	// Stop force-stops a running container: SIGTERM, then SIGKILL after the
	// grace period.
	Stop(ctx context.Context, h Handle, grace time.Duration) error

	// CollectArtifacts scans the container's artifact directory. Called on
	// every exit path, including timeouts, so partial output is preserved.
	CollectArtifacts(h Handle) (api.ArtifactSet, error)

	// LogTail returns the captured tail of the container's combined output.
	LogTail(h Handle) string

	// Remove releases the container and all engine resources. Invoked on
	// every exit path; the handle is invalid afterwards.
	Remove(ctx context.Context, h Handle) error

	// Ping checks engine reachability, used to tell job-level failures from
	// engine-level ones.
	Ping(ctx context.Context) error

	Close() error
}

// Config contains configuration for the containerd adapter.
type Config struct {
	// Containerd socket path.
	SocketPath string

	// Namespace for agent-managed containers.
	Namespace string

	// Timeout for engine connection setup.
	Timeout time.Duration

	// PullRetries bounds image pull attempts before the job fails.
	PullRetries int

	// LogTailBytes bounds the captured container output per execution.
	LogTailBytes int
}

// ContainerdAdapter implements Adapter using containerd.
type ContainerdAdapter struct {
	client *containerd.Client
	config Config
	logger *zap.Logger

	mu    sync.Mutex
	execs map[Handle]*execution
}

// NewContainerdAdapter connects to containerd and verifies the connection.
func NewContainerdAdapter(config Config, logger *zap.Logger) (*ContainerdAdapter, error) {
	if config.SocketPath == "" {
		config.SocketPath = "/run/containerd/containerd.sock"
	}
	if config.Namespace == "" {
		config.Namespace = "loom"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.PullRetries <= 0 {
		config.PullRetries = 3
	}
	if config.LogTailBytes <= 0 {
		config.LogTailBytes = 64 * 1024
	}

	logger.Info("Connecting to containerd",
		zap.String("socket", config.SocketPath),
		zap.String("namespace", config.Namespace),
	)

	client, err := containerd.New(config.SocketPath,
		containerd.WithTimeout(config.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	version, err := client.Version(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get containerd version: %w", err)
	}

	logger.Info("Connected to containerd",
		zap.String("version", version.Version),
		zap.String("revision", version.Revision),
	)

	return &ContainerdAdapter{
		client: client,
		config: config,
		logger: logger,
		execs:  make(map[Handle]*execution),
	}, nil
}

// withNamespace wraps a context with the adapter namespace.
func (a *ContainerdAdapter) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, a.config.Namespace)
}

// lookup returns the adapter-owned state for a handle.
func (a *ContainerdAdapter) lookup(h Handle) (*execution, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	exec, ok := a.execs[h]
	if !ok {
		return nil, fmt.Errorf("unknown container handle %q", h)
	}
	return exec, nil
}

// Ping checks if containerd is responsive.
func (a *ContainerdAdapter) Ping(ctx context.Context) error {
	_, err := a.client.Version(a.withNamespace(ctx))
	return err
}

// Close closes the containerd client.
func (a *ContainerdAdapter) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

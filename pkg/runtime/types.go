package runtime

import (
	"time"

	"github.com/containerd/containerd"
)

// Handle is an opaque reference to a created container. The adapter is the
// sole owner of the underlying engine resources; every operation on a handle
// must be routed through the adapter, and a handle is invalid after Remove.
type Handle string

// ExitStatus is the outcome of a finished container. A non-zero code is not
// an adapter error; the supervisor interprets it.
type ExitStatus struct {
	Code       uint32
	FinishedAt time.Time
}

// ArtifactMountPath is the fixed path inside every job container where the
// host-writable artifact directory is mounted. Everything written there at
// container exit becomes the job's artifact set.
const ArtifactMountPath = "/loom/outputs"

// inputURLEnv exposes the job's optional input payload reference inside the
// container.
const inputURLEnv = "LOOM_INPUT_URL"

// execution tracks adapter-owned state for one created container.
type execution struct {
	containerID string
	artifactDir string
	task        containerd.Task
	exitCh      <-chan containerd.ExitStatus
	tail        *tailBuffer
}

package runtime

import (
	"errors"
	"fmt"
)

// ImageError reports a failed image pull or digest verification. A job that
// hits an ImageError is marked failed without a container ever existing.
type ImageError struct {
	Ref string
	Err error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("image %s: %v", e.Ref, e.Err)
}

func (e *ImageError) Unwrap() error { return e.Err }

// RunErrorKind distinguishes the failure modes of container execution.
type RunErrorKind int

const (
	// RunCreate covers failures while creating or starting the container.
	RunCreate RunErrorKind = iota

	// RunTimeout means the wall-clock limit elapsed before the container
	// exited.
	RunTimeout

	// RunForcedStop means the wait was abandoned because the execution was
	// forcibly stopped.
	RunForcedStop
)

func (k RunErrorKind) String() string {
	switch k {
	case RunCreate:
		return "create"
	case RunTimeout:
		return "timeout"
	case RunForcedStop:
		return "forced_stop"
	default:
		return "unknown"
	}
}

// RunError reports a container execution failure.
type RunError struct {
	Kind        RunErrorKind
	ContainerID string
	Err         error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("container %s: %s: %v", e.ContainerID, e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a wall-clock timeout during wait.
func IsTimeout(err error) bool {
	var re *RunError
	return errors.As(err, &re) && re.Kind == RunTimeout
}

// ArtifactError reports a failed artifact collection. Non-fatal: the
// supervisor reports an empty ArtifactSet with the incomplete flag instead.
type ArtifactError struct {
	Dir string
	Err error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("artifact collection in %s: %v", e.Dir, e.Err)
}

func (e *ArtifactError) Unwrap() error { return e.Err }

// Package api defines the wire types exchanged between the provider agent
// and the LoomGrid orchestrator.
package api

import (
	"time"
)

// NodeProfile is a snapshot of the node's hardware capabilities and load.
// It is refreshed on every telemetry tick and attached to job poll requests
// so the orchestrator only hands out jobs the node can run.
type NodeProfile struct {
	NodeID       string      `json:"node_id"`
	Hostname     string      `json:"hostname"`
	Architecture string      `json:"architecture"`
	OS           string      `json:"os"`
	Status       string      `json:"status"` // idle, busy, offline

	CPUCores        int     `json:"cpu_cores"`
	CPUUsagePercent float64 `json:"cpu_usage_percent"`

	MemoryTotalBytes uint64 `json:"memory_total_bytes"`
	MemoryUsedBytes  uint64 `json:"memory_used_bytes"`
	DiskFreeBytes    uint64 `json:"disk_free_bytes"`

	GPUs []GPUDevice `json:"gpus,omitempty"`
	Tags []string    `json:"tags,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// GPUDevice describes one accelerator visible on the node.
type GPUDevice struct {
	Index int    `json:"index"`
	Model string `json:"model"`
}

// ResourceLimits are the per-job caps applied to the container.
type ResourceLimits struct {
	CPUMillicores int64 `json:"cpu_millicores,omitempty"`
	MemoryBytes   int64 `json:"memory_bytes,omitempty"`
	GPUCount      int32 `json:"gpu_count,omitempty"`
}

// JobDescriptor describes one unit of containerized work assigned by the
// orchestrator. Immutable once received.
type JobDescriptor struct {
	ID      string            `json:"id"`
	Image   string            `json:"image"`
	Digest  string            `json:"digest,omitempty"` // pinned image digest, verified after pull
	Command []string          `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	Resources      ResourceLimits `json:"resources"`
	TimeoutSeconds int64          `json:"timeout_seconds"`

	// InputURL is an optional payload reference exposed to the container
	// through the LOOM_INPUT_URL environment variable.
	InputURL string `json:"input_url,omitempty"`

	// UploadURL is an optional pre-signed URL the agent PUTs a zip of the
	// artifact directory to after the job finishes.
	UploadURL string `json:"upload_url,omitempty"`
}

// Timeout returns the job's wall-clock limit, falling back to a default when
// the orchestrator did not set one.
func (j JobDescriptor) Timeout() time.Duration {
	if j.TimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// JobState is the lifecycle state of a job execution on this node.
type JobState string

const (
	JobStateClaimed   JobState = "claimed"
	JobStatePulling   JobState = "pulling"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateTimedOut  JobState = "timed_out"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition can occur from s.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateTimedOut, JobStateCancelled:
		return true
	}
	return false
}

// Failure reasons attached to terminal status reports.
const (
	FailReasonImage          = "image"
	FailReasonExit           = "exit"
	FailReasonRun            = "run"
	FailReasonInfrastructure = "infrastructure"
)

// Artifact is one file collected from a job's output directory.
type Artifact struct {
	Path      string `json:"path"` // relative to the artifact mount
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"` // sha256, hex
}

// ArtifactSet is the finalized, ordered list of artifacts a job produced.
type ArtifactSet struct {
	Entries []Artifact `json:"entries"`

	// Incomplete is set when artifact collection itself failed; the set may
	// be empty or partial in that case.
	Incomplete bool `json:"incomplete,omitempty"`
}

// StatusReport is sent to POST /jobs/{id}/status. Sequence numbers increase
// strictly per job; the orchestrator treats reports idempotently on
// (job_id, sequence) so retransmissions after a retry are safely ignored.
type StatusReport struct {
	JobID     string       `json:"job_id"`
	State     JobState     `json:"state"`
	Sequence  uint64       `json:"sequence"`
	Reason    string       `json:"reason,omitempty"`
	ExitCode  int          `json:"exit_code,omitempty"`
	LogTail   string       `json:"log_tail,omitempty"`
	Artifacts *ArtifactSet `json:"artifacts,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

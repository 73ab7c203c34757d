package supervisor

import (
	"testing"

	"github.com/loomgrid/loom/pkg/api"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from api.JobState
		to   api.JobState
		want bool
	}{
		{"claimed to pulling", api.JobStateClaimed, api.JobStatePulling, true},
		{"claimed to failed", api.JobStateClaimed, api.JobStateFailed, true},
		{"claimed to cancelled", api.JobStateClaimed, api.JobStateCancelled, true},
		{"claimed skips to running", api.JobStateClaimed, api.JobStateRunning, false},
		{"claimed skips to succeeded", api.JobStateClaimed, api.JobStateSucceeded, false},
		{"pulling to running", api.JobStatePulling, api.JobStateRunning, true},
		{"pulling to failed", api.JobStatePulling, api.JobStateFailed, true},
		{"pulling cannot time out", api.JobStatePulling, api.JobStateTimedOut, false},
		{"running to succeeded", api.JobStateRunning, api.JobStateSucceeded, true},
		{"running to timed out", api.JobStateRunning, api.JobStateTimedOut, true},
		{"running to cancelled", api.JobStateRunning, api.JobStateCancelled, true},
		{"running back to pulling", api.JobStateRunning, api.JobStatePulling, false},
		{"succeeded is terminal", api.JobStateSucceeded, api.JobStateFailed, false},
		{"failed is terminal", api.JobStateFailed, api.JobStateRunning, false},
		{"cancelled is terminal", api.JobStateCancelled, api.JobStateClaimed, false},
		{"timed out is terminal", api.JobStateTimedOut, api.JobStateSucceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := canTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestExecutionAdvance(t *testing.T) {
	exec := newExecution("job-1")

	if got := exec.State(); got != api.JobStateClaimed {
		t.Fatalf("New execution state = %s, want claimed", got)
	}

	for _, next := range []api.JobState{api.JobStatePulling, api.JobStateRunning, api.JobStateSucceeded} {
		if err := exec.advance(next); err != nil {
			t.Fatalf("advance(%s) failed: %v", next, err)
		}
	}

	// Terminal; any further transition must be rejected.
	if err := exec.advance(api.JobStateFailed); err == nil {
		t.Error("Expected terminal state to reject further transitions")
	}
	if got := exec.State(); got != api.JobStateSucceeded {
		t.Errorf("State changed after rejected transition: %s", got)
	}
}

func TestExecutionSequenceMonotonic(t *testing.T) {
	exec := newExecution("job-1")
	var last uint64
	for i := 0; i < 5; i++ {
		seq := exec.nextSeq()
		if seq <= last {
			t.Fatalf("Sequence %d not greater than previous %d", seq, last)
		}
		last = seq
	}
}

func TestExecutionCancel(t *testing.T) {
	exec := newExecution("job-1")

	if exec.cancelRequested() {
		t.Fatal("Fresh execution must not be cancelled")
	}

	exec.requestCancel()
	if !exec.cancelRequested() {
		t.Error("cancelRequested = false after requestCancel")
	}
	select {
	case <-exec.ctx.Done():
	default:
		t.Error("Cancel context not fired")
	}

	// Idempotent.
	exec.requestCancel()
}

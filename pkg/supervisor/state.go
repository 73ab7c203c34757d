package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomgrid/loom/pkg/api"
	"github.com/loomgrid/loom/pkg/runtime"
)

// transitions is the forward-only lifecycle graph. Terminal states have no
// successors, so an execution can never move backwards or leave a terminal
// state.
var transitions = map[api.JobState][]api.JobState{
	api.JobStateClaimed: {api.JobStatePulling, api.JobStateFailed, api.JobStateCancelled},
	api.JobStatePulling: {api.JobStateRunning, api.JobStateFailed, api.JobStateCancelled},
	api.JobStateRunning: {api.JobStateSucceeded, api.JobStateFailed, api.JobStateTimedOut, api.JobStateCancelled},
}

// canTransition reports whether the lifecycle graph permits from -> to.
func canTransition(from, to api.JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Execution is the mutable runtime record for one accepted job. The
// supervisor owns it; the container handle is only a weak reference resolved
// through the adapter.
type Execution struct {
	JobID     string
	StartedAt time.Time

	mu     sync.Mutex
	state  api.JobState
	handle runtime.Handle
	seq    uint64

	// ctx is cancelled to request a forced stop of this execution.
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
}

func newExecution(jobID string) *Execution {
	ctx, cancel := context.WithCancel(context.Background())
	return &Execution{
		JobID:     jobID,
		StartedAt: time.Now(),
		state:     api.JobStateClaimed,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the execution's current lifecycle state.
func (e *Execution) State() api.JobState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// advance moves the execution to the next state, enforcing the forward-only
// transition graph.
func (e *Execution) advance(to api.JobState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !canTransition(e.state, to) {
		return fmt.Errorf("invalid transition %s -> %s for job %s", e.state, to, e.JobID)
	}
	e.state = to
	return nil
}

// nextSeq issues the next status report sequence number. Sequences only move
// forward; a retried report reuses the number it was built with.
func (e *Execution) nextSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.seq
}

// setHandle records the container handle once the adapter created it.
func (e *Execution) setHandle(h runtime.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handle = h
}

// requestCancel marks the execution cancelled and fires its cancel context.
// Safe to call multiple times.
func (e *Execution) requestCancel() {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
	e.cancel()
}

// cancelRequested reports whether an external cancel arrived.
func (e *Execution) cancelRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

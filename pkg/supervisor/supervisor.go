// Package supervisor contains the job execution core: the per-job state
// machine, the bounded concurrency pool, and terminal status reporting with
// per-job sequence numbers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loomgrid/loom/pkg/api"
	"github.com/loomgrid/loom/pkg/observability"
	"github.com/loomgrid/loom/pkg/runtime"
)

// Submission errors surfaced to the agent runtime.
var (
	// ErrSaturated means every execution slot is taken. The poller should
	// not have requested more jobs than free slots; the agent defers.
	ErrSaturated = errors.New("no free execution slots")

	// ErrDegraded means the supervisor stopped accepting jobs after an
	// engine-level failure.
	ErrDegraded = errors.New("supervisor is degraded")

	// ErrStopped means the supervisor is shutting down.
	ErrStopped = errors.New("supervisor is stopped")

	// ErrDuplicate means a job with the same id is already executing.
	ErrDuplicate = errors.New("job is already executing")
)

// Reporter delivers status reports and artifact uploads to the orchestrator.
type Reporter interface {
	ReportStatus(ctx context.Context, report api.StatusReport) error
	UploadArtifacts(ctx context.Context, uploadURL, zipPath string) error
}

// Config configures the supervisor.
type Config struct {
	// MaxConcurrent bounds parallel job executions.
	MaxConcurrent int

	// ArtifactRoot is the host directory holding per-job artifact
	// directories.
	ArtifactRoot string

	// StopGrace is the SIGTERM-to-SIGKILL window for forced stops.
	StopGrace time.Duration

	// ReportRetryLimit bounds delivery attempts for a terminal status
	// report before the loss is logged locally.
	ReportRetryLimit int

	// ReportTimeout bounds one delivery attempt.
	ReportTimeout time.Duration
}

// Validate validates the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.ArtifactRoot == "" {
		return fmt.Errorf("artifact root is required")
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.ReportRetryLimit <= 0 {
		c.ReportRetryLimit = 3
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 30 * time.Second
	}
	return nil
}

// Supervisor owns the mapping from accepted jobs to running container
// executions and drives each job through its lifecycle.
type Supervisor struct {
	config   Config
	adapter  runtime.Adapter
	reporter Reporter
	logger   *zap.Logger

	mu         sync.Mutex
	executions map[string]*Execution

	slots      chan struct{}
	capacityCh chan struct{}

	accepting atomic.Bool
	degraded  atomic.Bool
	wg        sync.WaitGroup
}

// New creates a supervisor with the given concurrency cap.
func New(config Config, adapter runtime.Adapter, reporter Reporter, logger *zap.Logger) (*Supervisor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid supervisor configuration: %w", err)
	}

	s := &Supervisor{
		config:     config,
		adapter:    adapter,
		reporter:   reporter,
		logger:     logger,
		executions: make(map[string]*Execution),
		slots:      make(chan struct{}, config.MaxConcurrent),
		capacityCh: make(chan struct{}, 1),
	}
	s.accepting.Store(true)

	logger.Info("Supervisor initialized",
		zap.Int("max_concurrent", config.MaxConcurrent),
		zap.String("artifact_root", config.ArtifactRoot),
	)
	return s, nil
}

// Submit accepts a job for execution. There is never more than one live
// execution per job id; resubmission of an in-flight id is rejected.
func (s *Supervisor) Submit(job api.JobDescriptor) error {
	if !s.accepting.Load() {
		return ErrStopped
	}
	if s.degraded.Load() {
		return ErrDegraded
	}

	s.mu.Lock()
	if _, exists := s.executions[job.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %s: %w", job.ID, ErrDuplicate)
	}

	select {
	case s.slots <- struct{}{}:
	default:
		s.mu.Unlock()
		return ErrSaturated
	}

	exec := newExecution(job.ID)
	s.executions[job.ID] = exec
	s.mu.Unlock()

	observability.ActiveExecutions.Inc()

	s.logger.Info("Job claimed",
		zap.String("job_id", job.ID),
		zap.String("image", job.Image),
	)

	s.wg.Add(1)
	go s.run(exec, job)

	return nil
}

// FreeSlots returns the number of currently unused execution slots. The
// poller uses it to size the next poll's batch.
func (s *Supervisor) FreeSlots() int {
	return cap(s.slots) - len(s.slots)
}

// CapacityChanged signals (coalesced) whenever an execution slot frees up.
func (s *Supervisor) CapacityChanged() <-chan struct{} {
	return s.capacityCh
}

// Cancel requests cancellation of an in-flight job. The running container,
// if any, is force-stopped; the job reaches the cancelled terminal state.
// Returns false when no execution with that id exists.
func (s *Supervisor) Cancel(jobID string) bool {
	s.mu.Lock()
	exec, ok := s.executions[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.logger.Info("Cancel requested", zap.String("job_id", jobID))
	exec.requestCancel()
	return true
}

// Healthy reports whether the supervisor is still accepting jobs.
func (s *Supervisor) Healthy() bool {
	return !s.degraded.Load() && s.accepting.Load()
}

// ActiveJobs returns the ids of currently executing jobs.
func (s *Supervisor) ActiveJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.executions))
	for id := range s.executions {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops accepting new jobs, cancels all in-flight executions and
// waits for their cleanup, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.accepting.Store(false)

	s.mu.Lock()
	execs := make([]*Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		execs = append(execs, exec)
	}
	s.mu.Unlock()

	s.logger.Info("Supervisor shutting down",
		zap.Int("in_flight", len(execs)),
	)
	for _, exec := range execs {
		exec.requestCancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All executions cleaned up")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown grace period elapsed with executions still in flight: %w", ctx.Err())
	}
}

// run drives one job through its state machine. It always releases the
// execution's slot and, once a container exists, always removes it.
func (s *Supervisor) run(exec *Execution, job api.JobDescriptor) {
	defer s.wg.Done()

	start := time.Now()
	ctx := context.Background()

	s.report(exec, api.StatusReport{State: api.JobStateClaimed})

	artifactDir := filepath.Join(s.config.ArtifactRoot, job.ID)
	if err := os.MkdirAll(artifactDir, 0o777); err != nil {
		s.logger.Error("Failed to create artifact directory",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		s.finish(exec, job, start, terminalOutcome{
			state:  api.JobStateFailed,
			reason: api.FailReasonInfrastructure,
		})
		return
	}
	defer os.RemoveAll(artifactDir)

	// Pulling. The job's cancel context interrupts a long pull.
	if err := exec.advance(api.JobStatePulling); err != nil {
		s.logger.Error("State machine violation", zap.Error(err))
		return
	}
	s.report(exec, api.StatusReport{State: api.JobStatePulling})

	if err := s.adapter.EnsureImage(exec.ctx, job.Image, job.Digest); err != nil {
		if exec.cancelRequested() {
			s.finish(exec, job, start, terminalOutcome{state: api.JobStateCancelled})
			return
		}
		s.logger.Warn("Image pull failed, job failed without a container",
			zap.String("job_id", job.ID),
			zap.String("image", job.Image),
			zap.Error(err),
		)
		s.finish(exec, job, start, terminalOutcome{
			state:  api.JobStateFailed,
			reason: api.FailReasonImage,
		})
		return
	}

	// Running.
	handle, err := s.adapter.Run(ctx, job, artifactDir)
	if err != nil {
		outcome := terminalOutcome{state: api.JobStateFailed, reason: api.FailReasonRun}
		if exec.cancelRequested() {
			outcome = terminalOutcome{state: api.JobStateCancelled}
		} else if s.engineUnreachable(ctx) {
			outcome.reason = api.FailReasonInfrastructure
		}
		s.finish(exec, job, start, outcome)
		return
	}
	exec.setHandle(handle)
	defer func() {
		if err := s.adapter.Remove(ctx, handle); err != nil {
			s.logger.Error("Failed to remove container",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}()

	if err := exec.advance(api.JobStateRunning); err != nil {
		s.logger.Error("State machine violation", zap.Error(err))
		return
	}
	s.report(exec, api.StatusReport{State: api.JobStateRunning})

	// A cancel request must end the wait; the forced-stop path is the only
	// mechanism that terminates a running container early.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-exec.ctx.Done():
			if err := s.adapter.Stop(ctx, handle, s.config.StopGrace); err != nil {
				s.logger.Warn("Forced stop on cancel failed",
					zap.String("job_id", job.ID),
					zap.Error(err),
				)
			}
		case <-watchDone:
		}
	}()

	status, waitErr := s.adapter.Wait(ctx, handle, job.Timeout())
	close(watchDone)

	outcome := s.interpret(ctx, exec, job, status, waitErr, handle)
	outcome.artifacts = s.collect(exec, job, handle, artifactDir, outcome)
	outcome.logTail = s.adapter.LogTail(handle)

	s.finish(exec, job, start, outcome)
}

// terminalOutcome is the resolved end of one execution.
type terminalOutcome struct {
	state     api.JobState
	reason    string
	exitCode  int
	logTail   string
	artifacts *api.ArtifactSet
}

// interpret maps the wait result onto a terminal state. A non-zero exit code
// is a job failure, never an agent failure; only engine unreachability
// degrades the supervisor.
func (s *Supervisor) interpret(ctx context.Context, exec *Execution, job api.JobDescriptor, status runtime.ExitStatus, waitErr error, handle runtime.Handle) terminalOutcome {
	if exec.cancelRequested() {
		return terminalOutcome{state: api.JobStateCancelled}
	}

	if waitErr == nil {
		if status.Code == 0 {
			return terminalOutcome{state: api.JobStateSucceeded}
		}
		return terminalOutcome{
			state:    api.JobStateFailed,
			reason:   api.FailReasonExit,
			exitCode: int(status.Code),
		}
	}

	if runtime.IsTimeout(waitErr) {
		s.logger.Warn("Job exceeded wall-clock timeout, forcing stop",
			zap.String("job_id", job.ID),
			zap.Duration("timeout", job.Timeout()),
		)
		if err := s.adapter.Stop(ctx, handle, s.config.StopGrace); err != nil {
			s.logger.Warn("Forced stop after timeout failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
		return terminalOutcome{state: api.JobStateTimedOut}
	}

	outcome := terminalOutcome{state: api.JobStateFailed, reason: api.FailReasonRun}
	if s.engineUnreachable(ctx) {
		outcome.reason = api.FailReasonInfrastructure
	}
	return outcome
}

// collect gathers artifacts on every exit path where a container ran, so
// partial output from timed-out and failed jobs is preserved. Collection
// failure is non-fatal and reported through the incomplete flag.
func (s *Supervisor) collect(exec *Execution, job api.JobDescriptor, handle runtime.Handle, artifactDir string, outcome terminalOutcome) *api.ArtifactSet {
	switch outcome.state {
	case api.JobStateSucceeded, api.JobStateFailed, api.JobStateTimedOut:
	default:
		return nil
	}

	set, err := s.adapter.CollectArtifacts(handle)
	if err != nil {
		s.logger.Warn("Artifact collection failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		set.Incomplete = true
	}

	if job.UploadURL != "" && len(set.Entries) > 0 && outcome.state != api.JobStateFailed {
		if err := s.upload(job, artifactDir); err != nil {
			s.logger.Warn("Artifact upload failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			set.Incomplete = true
		}
	}

	if len(set.Entries) == 0 && !set.Incomplete {
		return nil
	}
	return &set
}

// upload zips the artifact directory and PUTs it to the job's pre-signed URL.
func (s *Supervisor) upload(job api.JobDescriptor, artifactDir string) error {
	zipPath, err := runtime.ArchiveArtifacts(artifactDir)
	if err != nil {
		return err
	}
	defer os.Remove(zipPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return s.reporter.UploadArtifacts(ctx, job.UploadURL, zipPath)
}

// finish advances to the terminal state, delivers exactly one terminal
// report, and releases the execution's slot.
func (s *Supervisor) finish(exec *Execution, job api.JobDescriptor, start time.Time, outcome terminalOutcome) {
	if err := exec.advance(outcome.state); err != nil {
		s.logger.Error("State machine violation on terminal transition", zap.Error(err))
	}

	s.reportTerminal(exec, api.StatusReport{
		State:     outcome.state,
		Reason:    outcome.reason,
		ExitCode:  outcome.exitCode,
		LogTail:   outcome.logTail,
		Artifacts: outcome.artifacts,
	})

	duration := time.Since(start)
	s.logger.Info("Job reached terminal state",
		zap.String("job_id", job.ID),
		zap.String("state", string(outcome.state)),
		zap.String("reason", outcome.reason),
		zap.Int("exit_code", outcome.exitCode),
		zap.Duration("duration", duration),
	)

	observability.JobsTotal.WithLabelValues(string(outcome.state)).Inc()
	observability.JobDurationSeconds.WithLabelValues(string(outcome.state)).Observe(duration.Seconds())
	observability.ActiveExecutions.Dec()

	s.mu.Lock()
	delete(s.executions, exec.JobID)
	s.mu.Unlock()

	<-s.slots
	select {
	case s.capacityCh <- struct{}{}:
	default:
	}
}

// report delivers a non-terminal status report. Delivery is best-effort:
// progression never blocks on it, and a failure is only logged.
func (s *Supervisor) report(exec *Execution, report api.StatusReport) {
	report.JobID = exec.JobID
	report.Sequence = exec.nextSeq()
	report.Timestamp = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ReportTimeout)
	defer cancel()

	if err := s.reporter.ReportStatus(ctx, report); err != nil {
		s.logger.Warn("Status report failed",
			zap.String("job_id", exec.JobID),
			zap.String("state", string(report.State)),
			zap.Uint64("sequence", report.Sequence),
			zap.Error(err),
		)
	}
}

// reportTerminal delivers the single terminal report for an execution. The
// sequence number is fixed before the first attempt so every retry is a
// retransmission the orchestrator deduplicates. Exhausting retries logs the
// loss; the job's outcome is final and is never recomputed.
func (s *Supervisor) reportTerminal(exec *Execution, report api.StatusReport) {
	report.JobID = exec.JobID
	report.Sequence = exec.nextSeq()
	report.Timestamp = time.Now()

	for attempt := 1; attempt <= s.config.ReportRetryLimit; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ReportTimeout)
		err := s.reporter.ReportStatus(ctx, report)
		cancel()
		if err == nil {
			return
		}

		s.logger.Warn("Terminal status report failed",
			zap.String("job_id", exec.JobID),
			zap.Uint64("sequence", report.Sequence),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	observability.StatusReportLossTotal.Inc()
	s.logger.Error("Terminal status report lost after exhausting retries",
		zap.String("job_id", exec.JobID),
		zap.String("state", string(report.State)),
		zap.Uint64("sequence", report.Sequence),
	)
}

// engineUnreachable probes the engine after an unexpected adapter failure.
// An unreachable engine degrades the whole supervisor: no new jobs are
// accepted while already-terminal jobs keep reporting.
func (s *Supervisor) engineUnreachable(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.adapter.Ping(pingCtx); err == nil {
		return false
	}

	if s.degraded.CompareAndSwap(false, true) {
		observability.AgentDegraded.Set(1)
		s.logger.Error("Container engine unreachable, supervisor degraded: no new jobs will be accepted")
	}
	return true
}

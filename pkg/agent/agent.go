// Package agent wires the provider node together: host profiling, job
// acquisition, execution supervision, and telemetry against the orchestrator.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loomgrid/loom/pkg/api"
	"github.com/loomgrid/loom/pkg/client"
	"github.com/loomgrid/loom/pkg/poller"
	"github.com/loomgrid/loom/pkg/runtime"
	"github.com/loomgrid/loom/pkg/supervisor"
)

// Config configures the agent.
type Config struct {
	Credentials client.Credentials

	// TelemetryInterval is the cadence of node profile reports. Defaults
	// to 30s.
	TelemetryInterval time.Duration

	// ShutdownGrace bounds how long Run waits for in-flight jobs after
	// the context is cancelled. Defaults to 30s.
	ShutdownGrace time.Duration

	Monitor    MonitorConfig
	Poller     poller.Config
	Runtime    runtime.Config
	Supervisor supervisor.Config
}

func (c *Config) validate() error {
	if err := c.Credentials.Validate(); err != nil {
		return fmt.Errorf("invalid credentials: %w", err)
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return nil
}

// Agent is the top-level provider runtime. One per node.
type Agent struct {
	config     Config
	logger     *zap.Logger
	client     *client.Client
	adapter    runtime.Adapter
	supervisor *supervisor.Supervisor
	monitor    *ProfileMonitor
	poller     *poller.Poller
}

// New builds the agent and connects to the container engine. The returned
// agent does not contact the orchestrator until Run.
func New(config Config, logger *zap.Logger) (*Agent, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	cl, err := client.New(client.Config{
		BaseURL: config.Credentials.OrchestratorURL,
		APIKey:  config.Credentials.APIKey,
		NodeID:  config.Credentials.NodeID,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator client: %w", err)
	}

	adapter, err := runtime.NewContainerdAdapter(config.Runtime, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to container engine: %w", err)
	}

	sup, err := supervisor.New(config.Supervisor, adapter, cl, logger)
	if err != nil {
		adapter.Close()
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	monitor := NewProfileMonitor(config.Monitor, config.Credentials.NodeID, func() int {
		return len(sup.ActiveJobs())
	}, logger)

	p := poller.New(config.Poller, cl, monitor.Profile, sup, logger)

	return &Agent{
		config:     config,
		logger:     logger,
		client:     cl,
		adapter:    adapter,
		supervisor: sup,
		monitor:    monitor,
		poller:     p,
	}, nil
}

// Healthy reports whether the agent can accept work. Exposed on /healthz.
func (a *Agent) Healthy() bool {
	return a.supervisor.Healthy()
}

// Run registers the node and drives the poll/dispatch/telemetry loops until
// ctx is cancelled, then drains in-flight jobs and notifies the orchestrator.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.monitor.Start(); err != nil {
		return err
	}
	defer a.monitor.Stop()

	if err := a.client.Register(ctx, a.monitor.Profile()); err != nil {
		return fmt.Errorf("node registration failed: %w", err)
	}
	a.logger.Info("Node registered",
		zap.String("node_id", a.config.Credentials.NodeID),
	)

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()

	pollErr := make(chan error, 1)
	go func() {
		pollErr <- a.poller.Run(pollCtx)
	}()

	go a.telemetryLoop(pollCtx)

	runErr := a.dispatch(pollCtx, pollErr)

	// Orderly shutdown: stop acquiring, drain running jobs, then tell the
	// orchestrator this node is gone.
	cancelPoll()

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), a.config.ShutdownGrace)
	defer cancelGrace()

	if err := a.supervisor.Shutdown(graceCtx); err != nil {
		a.logger.Warn("Shutdown grace expired with jobs still running",
			zap.Error(err),
		)
	}

	if err := a.client.ReportOffline(context.Background()); err != nil {
		a.logger.Warn("Failed to report node offline", zap.Error(err))
	}

	if err := a.adapter.Close(); err != nil {
		a.logger.Warn("Failed to close container engine connection", zap.Error(err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// dispatch forwards polled batches into the supervisor. Returns when the
// poller stops producing.
func (a *Agent) dispatch(ctx context.Context, pollErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-a.poller.Batches():
			if !ok {
				err := <-pollErr
				if err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Error("Job acquisition stopped", zap.Error(err))
				}
				return err
			}
			for _, job := range batch {
				a.submit(ctx, job)
			}
		}
	}
}

// submit hands one job to the supervisor, waiting out transient saturation.
// The poller sizes batches to free slots, so saturation only happens when a
// slot was taken between poll and dispatch.
func (a *Agent) submit(ctx context.Context, job api.JobDescriptor) {
	for {
		err := a.supervisor.Submit(job)
		switch {
		case err == nil:
			return
		case errors.Is(err, supervisor.ErrSaturated):
			select {
			case <-a.supervisor.CapacityChanged():
			case <-ctx.Done():
				return
			}
		case errors.Is(err, supervisor.ErrDuplicate):
			a.logger.Warn("Dropping duplicate job assignment",
				zap.String("job_id", job.ID),
			)
			return
		default:
			a.logger.Error("Dropping job, supervisor rejected it",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			return
		}
	}
}

func (a *Agent) telemetryLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.TelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.client.ReportTelemetry(ctx, a.monitor.Profile()); err != nil {
				a.logger.Warn("Telemetry report failed", zap.Error(err))
			}
		}
	}
}

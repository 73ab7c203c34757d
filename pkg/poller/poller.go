// Package poller implements the job acquisition loop: a backpressure-aware
// long poll against the orchestrator producing batches of job descriptors.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/loomgrid/loom/pkg/api"
	"github.com/loomgrid/loom/pkg/client"
	"github.com/loomgrid/loom/pkg/observability"
)

// JobSource is the orchestrator call the poller drives. Implemented by
// client.Client.
type JobSource interface {
	PollJobs(ctx context.Context, profile api.NodeProfile, wait time.Duration, max int) ([]api.JobDescriptor, error)
}

// Capacity exposes the supervisor's free-slot count so the poller never
// requests more jobs than can be dispatched immediately.
type Capacity interface {
	FreeSlots() int
	CapacityChanged() <-chan struct{}
}

// Config configures the poller.
type Config struct {
	// Wait is the server-side long-poll window. Defaults to 30s.
	Wait time.Duration

	// BackoffBase is the initial delay after a transient failure.
	// Defaults to 1s, doubling to BackoffCap with 20% jitter.
	BackoffBase time.Duration

	// BackoffCap bounds the retry delay. Defaults to 60s.
	BackoffCap time.Duration
}

func (c *Config) validate() {
	if c.Wait <= 0 {
		c.Wait = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 1 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
}

// Poller continuously long-polls for jobs matching the current node profile.
// It yields batches through Batches: a lazy, non-restartable sequence that
// ends when a fatal transport failure occurs or the context is cancelled.
type Poller struct {
	config  Config
	source  JobSource
	profile func() api.NodeProfile
	cap     Capacity
	logger  *zap.Logger

	batches chan []api.JobDescriptor
}

// New creates a poller. profile must return a fresh snapshot on every call.
func New(config Config, source JobSource, profile func() api.NodeProfile, capacity Capacity, logger *zap.Logger) *Poller {
	config.validate()
	return &Poller{
		config:  config,
		source:  source,
		profile: profile,
		cap:     capacity,
		logger:  logger,
		batches: make(chan []api.JobDescriptor),
	}
}

// Batches is the sequence of job batches. Closed when Run returns.
func (p *Poller) Batches() <-chan []api.JobDescriptor {
	return p.batches
}

// Run blocks until the context is cancelled or a fatal transport failure
// stops production. A batch is always handed off before the next poll, so
// jobs can never accumulate beyond what the supervisor accepted.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.batches)

	retry := p.newBackOff()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Backpressure: pause while the pool is saturated.
		free, err := p.awaitCapacity(ctx)
		if err != nil {
			return err
		}

		jobs, err := p.source.PollJobs(ctx, p.profile(), p.config.Wait, free)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if client.IsFatal(err) {
				observability.PollFailuresTotal.WithLabelValues("fatal").Inc()
				p.logger.Error("Fatal orchestrator failure, stopping job acquisition", zap.Error(err))
				return fmt.Errorf("job poll failed fatally: %w", err)
			}

			observability.PollFailuresTotal.WithLabelValues("transient").Inc()
			delay := retry.NextBackOff()
			p.logger.Warn("Job poll failed, backing off",
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		retry.Reset()

		if len(jobs) == 0 {
			continue
		}

		p.logger.Info("Received job batch", zap.Int("jobs", len(jobs)))

		select {
		case p.batches <- jobs:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// awaitCapacity returns the current free-slot count, blocking while it is
// zero.
func (p *Poller) awaitCapacity(ctx context.Context) (int, error) {
	for {
		if free := p.cap.FreeSlots(); free > 0 {
			return free, nil
		}
		select {
		case <-p.cap.CapacityChanged():
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (p *Poller) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.BackoffBase
	b.MaxInterval = p.config.BackoffCap
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // the poller retries transient failures forever
	b.Reset()
	return b
}

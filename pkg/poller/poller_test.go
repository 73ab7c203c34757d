package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/loomgrid/loom/pkg/api"
	"github.com/loomgrid/loom/pkg/client"
)

type fakeSource struct {
	mu        sync.Mutex
	calls     int
	maxSeen   []int
	pollTimes []time.Time
	results   []func() ([]api.JobDescriptor, error)
}

// PollJobs must never block while holding the mutex; tests inspect the fake
// concurrently with a running poller.
func (f *fakeSource) PollJobs(ctx context.Context, profile api.NodeProfile, wait time.Duration, max int) ([]api.JobDescriptor, error) {
	f.mu.Lock()
	f.maxSeen = append(f.maxSeen, max)
	f.pollTimes = append(f.pollTimes, time.Now())
	var r func() ([]api.JobDescriptor, error)
	if f.calls < len(f.results) {
		r = f.results[f.calls]
		f.calls++
	}
	f.mu.Unlock()

	if r == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r()
}

func (f *fakeSource) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCapacity struct {
	mu      sync.Mutex
	free    int
	changed chan struct{}
}

func newFakeCapacity(free int) *fakeCapacity {
	return &fakeCapacity{free: free, changed: make(chan struct{}, 1)}
}

func (f *fakeCapacity) FreeSlots() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free
}

func (f *fakeCapacity) CapacityChanged() <-chan struct{} { return f.changed }

func (f *fakeCapacity) setFree(n int) {
	f.mu.Lock()
	f.free = n
	f.mu.Unlock()
	select {
	case f.changed <- struct{}{}:
	default:
	}
}

func testConfig() Config {
	return Config{
		Wait:        50 * time.Millisecond,
		BackoffBase: 1 * time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}
}

func batch(ids ...string) func() ([]api.JobDescriptor, error) {
	jobs := make([]api.JobDescriptor, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, api.JobDescriptor{ID: id, Image: "docker.io/library/alpine:3.19"})
	}
	return func() ([]api.JobDescriptor, error) { return jobs, nil }
}

func transientErr() func() ([]api.JobDescriptor, error) {
	return func() ([]api.JobDescriptor, error) {
		return nil, &client.TransportError{Op: "poll", StatusCode: 503, Kind: client.Transient, Err: fmt.Errorf("unavailable")}
	}
}

func fatalErr() func() ([]api.JobDescriptor, error) {
	return func() ([]api.JobDescriptor, error) {
		return nil, &client.TransportError{Op: "poll", StatusCode: 401, Kind: client.Fatal, Err: fmt.Errorf("bad key")}
	}
}

func profileFn() api.NodeProfile {
	return api.NodeProfile{NodeID: "node-1"}
}

func TestPoller_DeliversBatches(t *testing.T) {
	source := &fakeSource{results: []func() ([]api.JobDescriptor, error){
		batch("job-1", "job-2"),
	}}
	p := New(testConfig(), source, profileFn, newFakeCapacity(4), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case got := <-p.Batches():
		if len(got) != 2 || got[0].ID != "job-1" {
			t.Errorf("Unexpected batch: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for batch")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	source.mu.Lock()
	defer source.mu.Unlock()
	if source.maxSeen[0] != 4 {
		t.Errorf("Expected poll limited to 4 free slots, got %d", source.maxSeen[0])
	}
}

func TestPoller_RetriesTransientFailures(t *testing.T) {
	source := &fakeSource{results: []func() ([]api.JobDescriptor, error){
		transientErr(),
		transientErr(),
		transientErr(),
		batch("job-1"),
	}}
	p := New(testConfig(), source, profileFn, newFakeCapacity(1), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	select {
	case got := <-p.Batches():
		if len(got) != 1 || got[0].ID != "job-1" {
			t.Errorf("Unexpected batch: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Poller did not recover from transient failures")
	}
	cancel()

	if got := source.pollCount(); got != 4 {
		t.Errorf("Expected 4 poll attempts, got %d", got)
	}
}

func TestPoller_BackoffProgression(t *testing.T) {
	source := &fakeSource{results: []func() ([]api.JobDescriptor, error){
		transientErr(),
		transientErr(),
		transientErr(),
		batch("job-1"),
	}}
	config := Config{
		Wait:        50 * time.Millisecond,
		BackoffBase: 50 * time.Millisecond,
		BackoffCap:  time.Second,
	}
	p := New(config, source, profileFn, newFakeCapacity(1), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	select {
	case <-p.Batches():
	case <-time.After(5 * time.Second):
		t.Fatal("Poller did not recover from transient failures")
	}
	cancel()

	// The poller may begin one more poll after handing off the batch.
	source.mu.Lock()
	times := append([]time.Time(nil), source.pollTimes...)
	source.mu.Unlock()
	if len(times) < 4 {
		t.Fatalf("Expected at least 4 poll attempts, got %d", len(times))
	}

	// Delays double from the base: ~50ms, ~100ms, ~200ms, each within the
	// 20% jitter band (scheduling only ever lengthens a sleep).
	for i, nominal := range []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond} {
		gap := times[i+1].Sub(times[i])
		min := nominal * 8 / 10
		max := 3 * nominal
		if gap < min || gap > max {
			t.Errorf("Delay %d = %v, want within [%v, %v]", i+1, gap, min, max)
		}
	}
}

func TestPoller_FatalStopsProduction(t *testing.T) {
	source := &fakeSource{results: []func() ([]api.JobDescriptor, error){
		fatalErr(),
	}}
	p := New(testConfig(), source, profileFn, newFakeCapacity(1), zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil || !client.IsFatal(err) {
			t.Errorf("Expected fatal error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on fatal failure")
	}

	// The batch channel must be closed so consumers observe termination.
	select {
	case _, ok := <-p.Batches():
		if ok {
			t.Error("Expected closed batch channel")
		}
	case <-time.After(time.Second):
		t.Fatal("Batch channel not closed")
	}
}

func TestPoller_WaitsForCapacity(t *testing.T) {
	source := &fakeSource{results: []func() ([]api.JobDescriptor, error){
		batch("job-1"),
	}}
	capacity := newFakeCapacity(0)
	p := New(testConfig(), source, profileFn, capacity, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// Saturated: no poll may happen.
	time.Sleep(50 * time.Millisecond)
	if polled := source.pollCount(); polled != 0 {
		t.Fatalf("Poller polled %d times with zero free slots", polled)
	}

	capacity.setFree(2)

	select {
	case got := <-p.Batches():
		if len(got) != 1 {
			t.Errorf("Unexpected batch: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Poller did not resume after capacity freed")
	}
}

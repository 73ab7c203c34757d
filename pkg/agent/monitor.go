package agent

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/loomgrid/loom/pkg/api"
)

// ProfileMonitor periodically samples host resources and maintains the node
// profile attached to telemetry reports and job polls.
type ProfileMonitor struct {
	logger   *zap.Logger
	interval time.Duration
	diskPath string

	nodeID string
	tags   []string
	gpus   []api.GPUDevice

	// busy reports how many jobs are currently executing. Set by the agent
	// before Start.
	busy func() int

	mu      sync.RWMutex
	current api.NodeProfile

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// MonitorConfig configures the profile monitor.
type MonitorConfig struct {
	// Interval between resource samples. Defaults to 5s.
	Interval time.Duration

	// DiskPath is the filesystem whose free space is reported. Defaults
	// to "/".
	DiskPath string

	// Tags are operator-assigned capability labels forwarded verbatim to
	// the orchestrator.
	Tags []string
}

// NewProfileMonitor creates a monitor for the given node. GPU detection runs
// once at construction; accelerators do not come and go at runtime.
func NewProfileMonitor(config MonitorConfig, nodeID string, busy func() int, logger *zap.Logger) *ProfileMonitor {
	if config.Interval == 0 {
		config.Interval = 5 * time.Second
	}
	if config.DiskPath == "" {
		config.DiskPath = "/"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ProfileMonitor{
		logger:   logger,
		interval: config.Interval,
		diskPath: config.DiskPath,
		nodeID:   nodeID,
		tags:     config.Tags,
		gpus:     DetectGPUs(logger),
		busy:     busy,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start takes an initial sample and begins the sampling loop.
func (m *ProfileMonitor) Start() error {
	m.logger.Info("Starting profile monitor",
		zap.Duration("interval", m.interval),
		zap.Int("gpus", len(m.gpus)),
	)

	if err := m.sample(); err != nil {
		return fmt.Errorf("failed to take initial sample: %w", err)
	}

	m.wg.Add(1)
	go m.loop()

	return nil
}

// Stop stops the sampling loop.
func (m *ProfileMonitor) Stop() error {
	m.logger.Info("Stopping profile monitor")
	m.cancel()
	m.wg.Wait()
	return nil
}

// Profile returns a copy of the latest node profile.
func (m *ProfileMonitor) Profile() api.NodeProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.current
	p.GPUs = append([]api.GPUDevice(nil), m.current.GPUs...)
	p.Tags = append([]string(nil), m.current.Tags...)
	return p
}

func (m *ProfileMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.sample(); err != nil {
				m.logger.Error("Failed to sample host resources",
					zap.Error(err),
				)
			}
		}
	}
}

func (m *ProfileMonitor) sample() error {
	hostname, _ := os.Hostname()

	profile := api.NodeProfile{
		NodeID:       m.nodeID,
		Hostname:     hostname,
		Architecture: runtime.GOARCH,
		OS:           runtime.GOOS,
		Status:       "idle",
		GPUs:         m.gpus,
		Tags:         m.tags,
		Timestamp:    time.Now().UTC(),
	}

	if m.busy != nil && m.busy() > 0 {
		profile.Status = "busy"
	}

	cpuPercent, err := cpu.Percent(0, false)
	if err == nil && len(cpuPercent) > 0 {
		profile.CPUUsagePercent = cpuPercent[0]
	}

	cpuCounts, err := cpu.Counts(true)
	if err == nil {
		profile.CPUCores = cpuCounts
	}

	memInfo, err := mem.VirtualMemory()
	if err == nil {
		profile.MemoryTotalBytes = memInfo.Total
		profile.MemoryUsedBytes = memInfo.Used
	}

	diskInfo, err := disk.Usage(m.diskPath)
	if err == nil {
		profile.DiskFreeBytes = diskInfo.Free
	}

	m.mu.Lock()
	m.current = profile
	m.mu.Unlock()

	m.logger.Debug("Sampled host resources",
		zap.Float64("cpu_percent", profile.CPUUsagePercent),
		zap.Uint64("memory_used", profile.MemoryUsedBytes),
		zap.String("status", profile.Status),
	)

	return nil
}

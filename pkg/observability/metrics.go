package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job execution metrics
var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_jobs_total",
			Help: "Total number of jobs that reached a terminal state",
		},
		[]string{"state"}, // succeeded, failed, timed_out, cancelled
	)

	ActiveExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_active_executions",
			Help: "Number of job executions currently holding a slot",
		},
	)

	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_job_duration_seconds",
			Help:    "Wall-clock duration of job executions in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"state"},
	)

	ImagePullDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_image_pull_duration_seconds",
			Help:    "Duration of image pulls in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)
)

// Orchestrator transport metrics
var (
	PollFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_poll_failures_total",
			Help: "Total number of failed job poll attempts",
		},
		[]string{"kind"}, // transient, fatal
	)

	TransportRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_transport_retries_total",
			Help: "Total number of transport-level retries per operation",
		},
		[]string{"op"}, // telemetry, status, register
	)

	StatusReportLossTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_status_report_loss_total",
			Help: "Terminal status reports dropped after exhausting retries",
		},
	)
)

// Agent health metrics
var (
	AgentDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_agent_degraded",
			Help: "1 when the supervisor has stopped accepting jobs due to an engine-level failure",
		},
	)

	TelemetryReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_telemetry_reports_total",
			Help: "Total number of telemetry reports by outcome",
		},
		[]string{"result"}, // success, failure
	)
)

package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for a watchmaker run. A nil or
// disabled *Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	workersExecuted *prometheus.CounterVec
	workerDuration  *prometheus.HistogramVec

	commandsExecuted *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec

	fetchAttempts *prometheus.CounterVec

	statusTags *prometheus.CounterVec

	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of the whole run in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		workersExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workers_executed_total",
				Help:      "Total number of worker installs",
			},
			[]string{"worker", "status"},
		),
		workerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_duration_seconds",
				Help:      "Duration of worker installs in seconds",
				Buckets:   buckets,
			},
			[]string{"worker"},
		),

		commandsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_executed_total",
				Help:      "Total number of subprocesses run",
			},
			[]string{"program", "status"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of subprocesses in seconds",
				Buckets:   buckets,
			},
			[]string{"program"},
		),

		fetchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_attempts_total",
				Help:      "Total number of network fetch attempts",
			},
			[]string{"scheme", "outcome"},
		),

		statusTags: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_tags_total",
				Help:      "Total number of status tag operations",
			},
			[]string{"provider", "status", "outcome"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of fatal errors by code",
			},
			[]string{"code"},
		),
	}

	collectors := []prometheus.Collector{
		m.runsCompleted,
		m.runDuration,
		m.workersExecuted,
		m.workerDuration,
		m.commandsExecuted,
		m.commandDuration,
		m.fetchAttempts,
		m.statusTags,
		m.errorsByCode,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRunCompleted records the completion of a run.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordWorker records a worker install.
func (m *Metrics) RecordWorker(worker, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.workersExecuted.WithLabelValues(worker, status).Inc()
	m.workerDuration.WithLabelValues(worker).Observe(duration.Seconds())
}

// RecordCommand records a subprocess invocation.
func (m *Metrics) RecordCommand(program string, retcode int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	status := "success"
	if retcode != 0 {
		status = "failure"
	}
	m.commandsExecuted.WithLabelValues(program, status).Inc()
	m.commandDuration.WithLabelValues(program).Observe(duration.Seconds())
}

// RecordFetchAttempt records a single network fetch attempt.
func (m *Metrics) RecordFetchAttempt(scheme, outcome string) {
	if !m.enabled() {
		return
	}
	m.fetchAttempts.WithLabelValues(scheme, outcome).Inc()
}

// RecordStatusTag records a status tag operation.
func (m *Metrics) RecordStatusTag(provider, status string, err error) {
	if !m.enabled() {
		return
	}
	outcome := "applied"
	if err != nil {
		outcome = "failed"
	}
	m.statusTags.WithLabelValues(provider, status, outcome).Inc()
}

// RecordError records a fatal error by code.
func (m *Metrics) RecordError(code string) {
	if !m.enabled() {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// WriteTextfile writes the current metrics in the Prometheus text format,
// suitable for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if !m.enabled() {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution service. All Record
// methods are safe to call on a nil *Metrics.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal      *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec
	ExecutionErrors      *prometheus.CounterVec
	ActiveExecutions     prometheus.Gauge
	SandboxProvisions    *prometheus.CounterVec
	SandboxProvisionTime *prometheus.HistogramVec
	SandboxReleases      *prometheus.CounterVec
	OracleCalls          *prometheus.CounterVec
	OracleDuration       *prometheus.HistogramVec
	OracleTokens         *prometheus.CounterVec
	FixLoopRuns          *prometheus.CounterVec
	FixLoopIterations    prometheus.Histogram
	CacheLookups         *prometheus.CounterVec
	RequestsInFlight     prometheus.Gauge
	CodeSizeBytes        prometheus.Histogram
	OutputSizeBytes      prometheus.Histogram
	SuspiciousPatterns   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aindro",
				Name:      "executions_total",
				Help:      "Total number of code executions by language and status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "aindro",
				Name:      "execution_duration_seconds",
				Help:      "End-to-end duration of executions including provisioning.",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"language"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aindro",
				Name:      "execution_errors_total",
				Help:      "Total execution errors by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "aindro",
				Name:      "active_executions",
				Help:      "Number of sandbox environments currently held by a call.",
			},
		),

		SandboxProvisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aindro",
				Subsystem: "sandbox",
				Name:      "provisions_total",
				Help:      "Sandbox environments created by platform and result.",
			},
			[]string{"platform", "result"},
		),

		SandboxProvisionTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "aindro",
				Subsystem: "sandbox",
				Name:      "provision_duration_seconds",
				Help:      "Time to create a sandbox environment.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"platform"},
		),

		SandboxReleases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aindro",
				Subsystem: "sandbox",
				Name:      "releases_total",
				Help:      "Sandbox environments released by platform and result.",
			},
			[]string{"platform", "result"},
		),

		OracleCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aindro",
				Subsystem: "oracle",
				Name:      "calls_total",
				Help:      "LLM completion calls by provider and status.",
			},
			[]string{"provider", "status"},
		),

		OracleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "aindro",
				Subsystem: "oracle",
				Name:      "call_duration_seconds",
				Help:      "Duration of LLM completion calls.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
			},
			[]string{"provider"},
		),

		OracleTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aindro",
				Subsystem: "oracle",
				Name:      "tokens_total",
				Help:      "Tokens consumed by provider and direction.",
			},
			[]string{"provider", "direction"},
		),

		FixLoopRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aindro",
				Subsystem: "fixloop",
				Name:      "runs_total",
				Help:      "Fix-loop runs by terminal outcome.",
			},
			[]string{"outcome"},
		),

		FixLoopIterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "aindro",
				Subsystem: "fixloop",
				Name:      "iterations",
				Help:      "Iterations consumed per fix-loop run.",
				Buckets:   prometheus.LinearBuckets(0, 1, 11),
			},
		),

		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aindro",
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Execution result cache lookups by result.",
			},
			[]string{"result"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "aindro",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "aindro",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "aindro",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),

		SuspiciousPatterns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aindro",
				Name:      "suspicious_patterns_total",
				Help:      "Suspicious patterns seen in submitted code or output, by pattern and severity.",
			},
			[]string{"source", "pattern", "severity"},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.SandboxProvisions,
		m.SandboxProvisionTime,
		m.SandboxReleases,
		m.OracleCalls,
		m.OracleDuration,
		m.OracleTokens,
		m.FixLoopRuns,
		m.FixLoopIterations,
		m.CacheLookups,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
		m.SuspiciousPatterns,
	)

	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(language, status string, durationSec float64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
}

// RecordError records an execution error by type.
func (m *Metrics) RecordError(errType string) {
	if m == nil {
		return
	}
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordProvision records one environment creation attempt.
func (m *Metrics) RecordProvision(platform string, durationSec float64, err error) {
	if m == nil {
		return
	}
	m.SandboxProvisions.WithLabelValues(platform, result(err)).Inc()
	if err == nil {
		m.SandboxProvisionTime.WithLabelValues(platform).Observe(durationSec)
	}
}

// RecordRelease records one environment teardown.
func (m *Metrics) RecordRelease(platform string, err error) {
	if m == nil {
		return
	}
	m.SandboxReleases.WithLabelValues(platform, result(err)).Inc()
}

// TrackActive adjusts the active environment gauge by delta.
func (m *Metrics) TrackActive(delta float64) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Add(delta)
}

// RecordOracleCall records one completion call and its token usage.
func (m *Metrics) RecordOracleCall(provider string, durationSec float64, inputTokens, outputTokens int, err error) {
	if m == nil {
		return
	}
	m.OracleCalls.WithLabelValues(provider, result(err)).Inc()
	m.OracleDuration.WithLabelValues(provider).Observe(durationSec)
	m.OracleTokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	m.OracleTokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
}

// RecordFixLoop records a finished fix-loop run.
func (m *Metrics) RecordFixLoop(outcome string, iterations int) {
	if m == nil {
		return
	}
	m.FixLoopRuns.WithLabelValues(outcome).Inc()
	m.FixLoopIterations.Observe(float64(iterations))
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(strconv.FormatBool(hit)).Inc()
}

// ObserveSizes records submitted code and produced output sizes.
func (m *Metrics) ObserveSizes(codeBytes, outputBytes int) {
	if m == nil {
		return
	}
	m.CodeSizeBytes.Observe(float64(codeBytes))
	m.OutputSizeBytes.Observe(float64(outputBytes))
}

// RecordFindings counts scanner findings. source is "code", "command", or
// "output".
func (m *Metrics) RecordFindings(source string, findings []Finding) {
	if m == nil {
		return
	}
	for _, f := range findings {
		m.SuspiciousPatterns.WithLabelValues(source, f.Pattern, f.Severity.String()).Inc()
	}
}

// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/medpipe/core/internal/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Job metrics
	JobsTotal       *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	JobsInFlight    prometheus.Gauge
	JobQueueDepth   prometheus.Gauge

	// Step metrics
	StepsTotal    *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	StepRetries   *prometheus.CounterVec

	// Token / cost metrics
	TokensTotal *prometheus.CounterVec
	CostUSDTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Storage metrics
	StorageQueriesTotal    *prometheus.CounterVec
	StorageQueryDuration   *prometheus.HistogramVec
	StorageConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_total",
				Help: "Total number of jobs processed, by terminal status",
			},
			[]string{"service", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "job_duration_seconds",
				Help:    "Job end-to-end wall-clock duration in seconds",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"service", "status"},
		),
		JobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobs_in_flight",
				Help: "Current number of jobs being processed by a worker",
			},
		),
		JobQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "job_queue_depth",
				Help: "Last observed depth of the broker's pending job queue",
			},
		),

		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_steps_total",
				Help: "Total number of pipeline step executions, by step and terminal status",
			},
			[]string{"service", "step_name", "status"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_step_duration_seconds",
				Help:    "Per-step LLM invocation duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"service", "step_name"},
		),
		StepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_step_retries_total",
				Help: "Total number of step retry attempts",
			},
			[]string{"service", "step_name", "reason"},
		),

		TokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total tokens reported by LLM providers",
			},
			[]string{"service", "model_provider", "model_name", "direction"},
		),
		CostUSDTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_cost_usd_total",
				Help: "Total cost in USD recorded by the cost ledger",
			},
			[]string{"service", "model_provider", "model_name"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		StorageQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_queries_total",
				Help: "Total number of storage queries",
			},
			[]string{"service", "operation", "status"},
		),
		StorageQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_query_duration_seconds",
				Help:    "Storage query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		StorageConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "storage_connections_open",
				Help: "Current number of open storage connections",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.JobsTotal,
			m.JobDuration,
			m.JobsInFlight,
			m.JobQueueDepth,
			m.StepsTotal,
			m.StepDuration,
			m.StepRetries,
			m.TokensTotal,
			m.CostUSDTotal,
			m.ErrorsTotal,
			m.StorageQueriesTotal,
			m.StorageQueryDuration,
			m.StorageConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordJob records a terminal job outcome and its end-to-end duration.
func (m *Metrics) RecordJob(service, status string, duration time.Duration) {
	m.JobsTotal.WithLabelValues(service, status).Inc()
	m.JobDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

// RecordStep records a terminal step outcome and its LLM call duration.
func (m *Metrics) RecordStep(service, stepName, status string, duration time.Duration) {
	m.StepsTotal.WithLabelValues(service, stepName, status).Inc()
	m.StepDuration.WithLabelValues(service, stepName).Observe(duration.Seconds())
}

// RecordStepRetry records a single retry attempt for a step.
func (m *Metrics) RecordStepRetry(service, stepName, reason string) {
	m.StepRetries.WithLabelValues(service, stepName, reason).Inc()
}

// RecordTokens records provider-reported input/output token counts.
func (m *Metrics) RecordTokens(service, provider, modelName string, inputTokens, outputTokens int) {
	m.TokensTotal.WithLabelValues(service, provider, modelName, "input").Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues(service, provider, modelName, "output").Add(float64(outputTokens))
}

// RecordCost records the USD cost of a single ledger entry.
func (m *Metrics) RecordCost(service, provider, modelName string, costUSD float64) {
	m.CostUSDTotal.WithLabelValues(service, provider, modelName).Add(costUSD)
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordStorageQuery records a storage query
func (m *Metrics) RecordStorageQuery(service, operation, status string, duration time.Duration) {
	m.StorageQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.StorageQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetStorageConnections sets the number of open storage connections
func (m *Metrics) SetStorageConnections(count int) {
	m.StorageConnectionsOpen.Set(float64(count))
}

// SetQueueDepth sets the last observed broker queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	m.JobQueueDepth.Set(float64(depth))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight jobs counter
func (m *Metrics) IncrementInFlight() {
	m.JobsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight jobs counter
func (m *Metrics) DecrementInFlight() {
	m.JobsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}

// Package metrics provides the control plane's Prometheus metrics, narrowed
// from infrastructure/metrics/metrics.go's HTTP/blockchain/database counters
// to the run-control domain's surface: queue depth, circuit-breaker state,
// LLM provider retries, and step outcomes (SPEC_FULL.md's DOMAIN STACK
// table).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors registered by cmd/controlplane and
// cmd/worker.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	QueueDepth      *prometheus.GaugeVec
	QueueOldestAge  *prometheus.GaugeVec
	StepOutcomes    *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	GatesPending    prometheus.Gauge
	RunsActive      *prometheus.GaugeVec

	CircuitBreakerState *prometheus.GaugeVec
	LLMRetriesTotal     *prometheus.CounterVec
	LLMCacheHits        *prometheus.CounterVec
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// allowing tests to use a private registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"service", "method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"service", "method", "path"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "queue_depth", Help: "Pending jobs per topic"},
			[]string{"topic"},
		),
		QueueOldestAge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "queue_oldest_job_age_ms", Help: "Age in milliseconds of the oldest undelivered job per topic"},
			[]string{"topic"},
		),
		StepOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "step_outcomes_total", Help: "Total steps reaching a terminal state, by tool and outcome"},
			[]string{"tool", "outcome"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "step_duration_seconds",
				Help:    "Step execution duration in seconds, from lease to terminal state",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"tool"},
		),
		GatesPending: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "gates_pending", Help: "Current number of unresolved gates"},
		),
		RunsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "runs_active", Help: "Current number of runs per status"},
			[]string{"status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "circuit_breaker_state", Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)"},
			[]string{"provider"},
		),
		LLMRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "llm_retries_total", Help: "Total LLM candidate retries, by provider"},
			[]string{"provider"},
		),
		LLMCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "llm_docs_cache_hits_total", Help: "Total docs-task cache hits vs misses"},
			[]string{"result"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.HTTPRequestsTotal, m.HTTPRequestDuration,
			m.QueueDepth, m.QueueOldestAge,
			m.StepOutcomes, m.StepDuration, m.GatesPending, m.RunsActive,
			m.CircuitBreakerState, m.LLMRetriesTotal, m.LLMCacheHits,
		)
	}
	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordStepOutcome records a step reaching a terminal state.
func (m *Metrics) RecordStepOutcome(tool, outcome string, duration time.Duration) {
	m.StepOutcomes.WithLabelValues(tool, outcome).Inc()
	m.StepDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// SetQueueStats updates the depth/age gauges for one topic, intended to be
// called by a ticker-driven sampling worker (SPEC_FULL.md section 3).
func (m *Metrics) SetQueueStats(topic string, depth int, oldestAgeMs int64) {
	m.QueueDepth.WithLabelValues(topic).Set(float64(depth))
	m.QueueOldestAge.WithLabelValues(topic).Set(float64(oldestAgeMs))
}

// RecordLLMRetry increments the retry counter for provider. Intended to be
// wired as internal/llm.Router's OnRetry callback.
func (m *Metrics) RecordLLMRetry(provider string) {
	m.LLMRetriesTotal.WithLabelValues(provider).Inc()
}

// RecordLLMCacheResult records a docs-cache hit or miss.
func (m *Metrics) RecordLLMCacheResult(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.LLMCacheHits.WithLabelValues(result).Inc()
}

// SetCircuitBreakerState records a provider's circuit breaker state as a
// gauge (0=closed, 1=half-open, 2=open), matching reliability.BreakerState's
// ordering.
func (m *Metrics) SetCircuitBreakerState(provider string, state int) {
	m.CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

// SetRunsActive updates the active-runs gauge for one status.
func (m *Metrics) SetRunsActive(status string, count int) {
	m.RunsActive.WithLabelValues(status).Set(float64(count))
}

// SetGatesPending updates the pending-gates gauge.
func (m *Metrics) SetGatesPending(count int) {
	m.GatesPending.Set(float64(count))
}

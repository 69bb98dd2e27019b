// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the toolrunner orchestrator.
package observability

import "github.com/prometheus/client_golang/prometheus"

// ExecutionBuckets defines histogram buckets suited for tool executions,
// ranging from 5ms to the 30s hard deadline.
var ExecutionBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrunner_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolrunner_request_duration_seconds",
			Help:    "Request duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"method", "route"},
	)

	// ActiveExecutions tracks executions currently holding a worker lease.
	ActiveExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolrunner_executions_active",
			Help: "Executions in flight",
		},
	)

	// ExecutionsTotal counts finished executions by language and result code.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrunner_executions_total",
			Help: "Tool executions",
		},
		[]string{"language", "code"},
	)

	// ExecutionDuration records end-to-end execution latency in seconds.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolrunner_execution_duration_seconds",
			Help:    "Execution duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"language"},
	)

	// ExecutionRetriesTotal counts attempts beyond the first, by language.
	ExecutionRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrunner_execution_retries_total",
			Help: "Execution retries on a new worker",
		},
		[]string{"language"},
	)

	// VaultOperationsTotal counts vault calls served to sandboxes.
	VaultOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrunner_vault_operations_total",
			Help: "Vault operations",
		},
		[]string{"method", "result"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrunner_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveExecutions,
		ExecutionsTotal,
		ExecutionDuration,
		ExecutionRetriesTotal,
		VaultOperationsTotal,
		RateLimitRejectedTotal,
	)
}

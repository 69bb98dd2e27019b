package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	workersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolrunner_pool_workers",
			Help: "Workers by language, partition, and state",
		},
		[]string{"language", "partition", "state"},
	)

	acquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrunner_pool_acquisitions_total",
			Help: "Worker acquisitions by result (warm, cold, saturated, failed)",
		},
		[]string{"language", "result"},
	)

	acquireWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolrunner_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a worker",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"language"},
	)

	provisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolrunner_pool_provision_seconds",
			Help:    "Sandbox provisioning latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"language"},
	)

	retired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrunner_pool_workers_retired_total",
			Help: "Workers terminated by reason",
		},
		[]string{"language", "reason"},
	)
)

func init() {
	prometheus.MustRegister(workersGauge, acquisitions, acquireWait, provisionDuration, retired)
}

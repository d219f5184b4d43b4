package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckgate_queries_total",
			Help: "Total number of executed queries by isolation mode, format and outcome.",
		},
		[]string{"mode", "format", "outcome"},
	)
	queryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckgate_query_duration_seconds",
			Help:    "Query execution latency by isolation mode.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)
	queryRowsReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duckgate_query_rows_returned",
			Help:    "Rows returned per successful query.",
			Buckets: []float64{0, 1, 10, 100, 1000, 10000, 100000},
		},
	)
	poolConnectionsIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duckgate_pool_connections_idle",
			Help: "Idle pooled engine connections per tenant.",
		},
		[]string{"tenant_id"},
	)
	poolConnectionsCreated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duckgate_pool_connections_created",
			Help: "Engine connections created per tenant pool.",
		},
		[]string{"tenant_id"},
	)
	poolExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckgate_pool_exhausted_total",
			Help: "Total number of acquisitions rejected because a tenant pool hit its cap.",
		},
	)
	sandboxStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckgate_sandbox_starts_total",
			Help: "Sandbox container starts by outcome.",
		},
		[]string{"outcome"},
	)
	sandboxTeardownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckgate_sandbox_teardowns_total",
			Help: "Sandbox container teardowns by method (stop or kill).",
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		queriesTotal,
		queryDurationSeconds,
		queryRowsReturned,
		poolConnectionsIdle,
		poolConnectionsCreated,
		poolExhaustedTotal,
		sandboxStartsTotal,
		sandboxTeardownsTotal,
	)
}

func ObserveQuery(mode, format string, success bool, rows int, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	queriesTotal.WithLabelValues(mode, format, outcome).Inc()
	queryDurationSeconds.WithLabelValues(mode).Observe(elapsed.Seconds())
	if success {
		queryRowsReturned.Observe(float64(rows))
	}
}

func SetPoolGauges(tenantID string, idle, created int) {
	poolConnectionsIdle.WithLabelValues(tenantID).Set(float64(idle))
	poolConnectionsCreated.WithLabelValues(tenantID).Set(float64(created))
}

func ForgetPoolGauges(tenantID string) {
	poolConnectionsIdle.DeleteLabelValues(tenantID)
	poolConnectionsCreated.DeleteLabelValues(tenantID)
}

func IncrementPoolExhausted() {
	poolExhaustedTotal.Inc()
}

func ObserveSandboxStart(success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	sandboxStartsTotal.WithLabelValues(outcome).Inc()
}

func ObserveSandboxTeardown(method string) {
	sandboxTeardownsTotal.WithLabelValues(method).Inc()
}

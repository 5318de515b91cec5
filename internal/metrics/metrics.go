// Package metrics provides Prometheus instrumentation for the pool ledger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts engine calls by operation and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_operations_total",
		Help: "Total number of pool ledger operations",
	}, []string{"op", "outcome"})

	// OperationLatency tracks engine call latency by operation.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "amm_operation_latency_seconds",
		Help:    "Pool ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// PoolReserve mirrors the reserve of each pool and option kind.
	// Display only; the ledger itself never leaves fixed point.
	PoolReserve = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amm_pool_reserve",
		Help: "Pool reserve per option kind (approximate, human units)",
	}, []string{"pool", "kind"})

	// DepositsTotal counts committed deposits per pool.
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_deposits_total",
		Help: "Total number of committed deposits",
	}, []string{"pool"})

	// ActivePools tracks the number of pool engines loaded in this process.
	ActivePools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amm_active_pools",
		Help: "Number of pool engines loaded",
	})

	// AuditFailures counts audits that found a conservation discrepancy.
	AuditFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_audit_failures_total",
		Help: "Audits that found reserves or balances out of line with the journal",
	}, []string{"pool"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amm_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "amm_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOperation records one engine call. Pass the call's error; nil
// counts as success.
func ObserveOperation(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	OperationsTotal.WithLabelValues(op, outcome).Inc()
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

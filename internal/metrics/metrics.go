// Package metrics provides Prometheus instrumentation for the vault ledger.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts ledger operations by name and result
	// ("ok" or an error kind such as "not_found").
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_ledger_operations_total",
		Help: "Total ledger operations by result",
	}, []string{"op", "result"})

	// OperationLatency tracks end-to-end operation latency including locking.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_ledger_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// FeesCollected accumulates withdrawal fees credited to the treasury.
	FeesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_ledger_fees_collected_total",
		Help: "Withdrawal fees credited to the treasury in base units",
	})

	// Volume accumulates notional opened per platform.
	Volume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_ledger_volume_total",
		Help: "Notional opened in base units",
	}, []string{"platform"})

	// Payouts accumulates value returned to vaults by exit path
	// ("close" or "settle").
	Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_ledger_payouts_total",
		Help: "Value credited back to vaults in base units",
	}, []string{"path"})

	// OpenPositions tracks positions that are neither closed nor settled.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_ledger_open_positions",
		Help: "Number of currently open positions",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// PublishFailures counts events an outbound sink failed to deliver.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_ledger_publish_failures_total",
		Help: "Events an outbound sink failed to deliver",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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

		// Route pattern keeps the path label bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

// Package metrics provides Prometheus instrumentation for the lending engine.
package metrics

import (
	"bufio"
	"errors"
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
	// OperationsTotal counts engine calls by operation and outcome class.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_operations_total",
		Help: "Total number of engine operations",
	}, []string{"operation", "result"})

	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lending_operation_latency_seconds",
		Help:    "Engine operation latency in seconds, persistence included",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// Markets tracks the number of created markets.
	Markets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lending_markets",
		Help: "Number of created markets",
	})

	// Utilization is borrowed over supplied per market, as a fraction.
	Utilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lending_market_utilization",
		Help: "Total borrow assets over total supply assets",
	}, []string{"market_id"})

	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_liquidations_total",
		Help: "Liquidations executed",
	}, []string{"market_id"})

	// BadDebtRealizations counts liquidations that wrote off remaining debt.
	BadDebtRealizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_bad_debt_realizations_total",
		Help: "Liquidations that realized bad debt",
	}, []string{"market_id"})

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lending_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	// EventsPublished counts events handed to the message bus.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_events_published_total",
		Help: "Events published to the message bus",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lending_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lending_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by the matched chi pattern so market ids and
// addresses do not explode cardinality.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

var errNotHijacker = errors.New("metrics: response writer cannot hijack")

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNotHijacker
	}
	return h.Hijack()
}

// SPDX-License-Identifier: MIT

// Package metrics defines the broker's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks the number of live bridge sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_active_sessions",
		Help: "Number of currently active bridge sessions.",
	})

	// CreatesTotal counts create operations by outcome
	// (ok, conflict, timeout, precondition, forbidden, not_found, error).
	CreatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_creates_total",
		Help: "Create operations by outcome.",
	}, []string{"outcome"})

	// SpawnDuration observes the time from spawn to readiness.
	SpawnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_spawn_duration_seconds",
		Help:    "Time from subprocess spawn to readiness signal.",
		Buckets: prometheus.DefBuckets,
	})

	// PortScanExhausted counts port allocations that found no free pair.
	PortScanExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_port_scan_exhausted_total",
		Help: "Port range scans that yielded zero free candidates.",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_http_requests_total",
		Help: "HTTP requests by method, path pattern and status.",
	}, []string{"method", "path", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency per route pattern.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			// Route pattern, not raw path, to keep label cardinality bounded.
			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}
			httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
			httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admissions counts engine admission decisions by result
	// ("admitted", "not_eligible", "already_answered", "already_handled",
	// "in_progress", "lease_held").
	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomclaw_admissions_total",
			Help: "Admission decisions for triggering messages",
		},
		[]string{"result"},
	)

	// Jobs counts terminal job outcomes ("replied", "already_answered",
	// "not_found", "store_error", "provider_error", "cancelled").
	Jobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomclaw_jobs_total",
			Help: "Response generation jobs by outcome",
		},
		[]string{"outcome"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomclaw_job_duration_seconds",
			Help:    "Response generation job duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomclaw_provider_calls_total",
			Help: "Completion provider calls",
		},
		[]string{"provider", "search"},
	)

	// FeedEvents counts insert events seen by feed consumers by source
	// ("server", "watcher") and result ("handled", "duplicate", "ignored").
	FeedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomclaw_feed_events_total",
			Help: "Insert feed events by consumer and result",
		},
		[]string{"source", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomclaw_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomclaw_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		},
		[]string{"method", "path"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomclaw_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"endpoint"},
	)
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack is required by the websocket upgrade on /ws.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware records request count and latency labelled by the matched mux
// pattern, which keeps path cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

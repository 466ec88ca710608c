// Package metrics holds the platform's Prometheus instrumentation — one
// shared registry of counters/histograms plus a gorilla/mux middleware and
// the /metrics handler each service mounts. Grounded on the teacher's
// internal/escrow/metrics.go promauto.NewCounterVec/NewHistogramVec idiom,
// generalized from escrow-domain labels to the HTTP/probe/cache domain here.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_http_requests_total",
			Help: "Total HTTP requests handled, by service/method/path/status.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "platform_http_request_duration_seconds",
			Help:    "HTTP request latency, by service/method/path.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "platform_probe_duration_seconds",
			Help:    "Connection Probe Engine check latency, by protocol/result.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol", "result"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_llm_cache_hits_total",
			Help: "Response Cache hits, by provider.",
		},
		[]string{"provider"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_llm_cache_misses_total",
			Help: "Response Cache misses, by provider.",
		},
		[]string{"provider"},
	)
)

// Middleware records a request count and latency observation per
// service/method/route-template/status. Route template (not the raw path)
// keeps the label cardinality bounded for path-parameterized routes like
// /devices/{id}.
func Middleware(service string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			path := routeTemplate(r)
			HTTPRequestsTotal.WithLabelValues(service, r.Method, path, strconv.Itoa(rec.status)).Inc()
			HTTPRequestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the default Prometheus registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

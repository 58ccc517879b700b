package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rotor_ready",
		Help: "1 when the last readiness check passed.",
	})
)

// Credential lifecycle metrics
var (
	CredentialsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotor_credentials_issued_total",
		Help: "Access/renewal pairs issued.",
	})

	Rotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_rotations_total",
			Help: "Renewal attempts by outcome.",
		},
		[]string{"outcome"},
	)

	Revocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_revocations_total",
			Help: "Revocation entries created by reason.",
		},
		[]string{"reason"},
	)

	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_revocation_cache_lookups_total",
			Help: "Revocation cache lookups by result (hit_revoked, hit_active, bypass_active, miss, error).",
		},
		[]string{"result"},
	)

	ReconcileRequired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotor_reconcile_required_total",
		Help: "Rotations that revoked a credential but failed to issue its replacement.",
	})

	Sweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_sweeps_total",
			Help: "Cleanup sweeps by outcome.",
		},
		[]string{"outcome"},
	)

	SweptRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_swept_records_total",
			Help: "Records physically removed by cleanup.",
		},
		[]string{"kind"},
	)
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			CredentialsIssued, Rotations, Revocations, CacheLookups,
			ReconcileRequired, Sweeps, SweptRecords,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument measures in-flight requests, totals and latency.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifier segments so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "credentials":
		return "/v1/admin/credentials/:cid/" + parts[4]
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "principals":
		return "/v1/admin/principals/:principal/" + parts[4]
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

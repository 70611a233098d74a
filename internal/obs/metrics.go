package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	authRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_rejects_total",
			Help: "Requests rejected by the authentication gate, by reason.",
		},
		[]string{"reason"},
	)

	permissionDenialsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "permission_denials_total",
		Help: "Permission evaluations that resolved to deny.",
	})

	stepupAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepup_attempts_total",
			Help: "Step-up verification attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	revocationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revocations_published_total",
		Help: "Users whose cached session state was marked revoked.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the readiness probe last passed.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		authRejectsTotal, permissionDenialsTotal, stepupAttemptsTotal,
		revocationsTotal, readyGauge,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncAuthReject counts a gate rejection (invalid_token, dead_session,
// revoked, ...).
func IncAuthReject(reason string) { authRejectsTotal.WithLabelValues(reason).Inc() }

// IncPermissionDenied counts an evaluator deny.
func IncPermissionDenied() { permissionDenialsTotal.Inc() }

// IncStepUp counts a step-up attempt outcome (allow, required, blocked,
// failed).
func IncStepUp(outcome string) { stepupAttemptsTotal.WithLabelValues(outcome).Inc() }

// AddRevocations counts users marked revoked by a published batch.
func AddRevocations(n int) { revocationsTotal.Add(float64(n)) }

// SetReady reflects the readiness probe state.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument measures RPS, latency and in-flight requests per handler.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifier segments so metric label
// cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	rewrites := map[string]string{
		"roles":   ":id",
		"users":   ":id",
		"actions": ":key",
		"codes":   ":level",
		"backups": ":id",
	}
	for i := 0; i < len(segments)-1; i++ {
		if repl, ok := rewrites[segments[i]]; ok {
			segments[i+1] = repl
			i++
		}
	}
	return "/" + strings.Join(segments, "/")
}

// statusWriter records the response code for the metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

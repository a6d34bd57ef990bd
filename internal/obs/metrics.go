package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})
)

// Метрики аутентификации
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by audience and result.",
		},
		[]string{"audience", "result"},
	)

	rotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_rotations_total",
			Help: "Refresh credential rotations by result.",
		},
		[]string{"result"},
	)

	reuseDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_reuse_detected_total",
		Help: "Detected reuse of superseded refresh credentials.",
	})

	blacklistHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_blacklist_hits_total",
		Help: "Requests rejected because the access credential was blacklisted.",
	})
)

// Регистрация метрик в default-регистре.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
		loginsTotal, rotationsTotal, reuseDetectedTotal, blacklistHitsTotal,
	)
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady reflects the readiness probe state in the service_ready gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveLogin counts a login attempt. result is "ok", "unauthenticated",
// "forbidden" or "error".
func ObserveLogin(audience, result string) {
	loginsTotal.WithLabelValues(audience, result).Inc()
}

// ObserveRotation counts a refresh rotation. result is "ok", "invalid" or "reuse".
func ObserveRotation(result string) {
	rotationsTotal.WithLabelValues(result).Inc()
	if result == "reuse" {
		reuseDetectedTotal.Inc()
	}
}

// ObserveBlacklistHit counts a request stopped by the credential blacklist.
func ObserveBlacklistHit() {
	blacklistHitsTotal.Inc()
}

// Обёртка для измерения RPS/latency/в полёте.
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

// CanonicalPath collapses path parameters of the known parameterized routes so
// metric label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "roles":
		return "/v1/admin/roles/:id"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "roles" && parts[4] == "permissions":
		return "/v1/admin/roles/:id/permissions"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "users" && parts[4] == "roles":
		return "/v1/admin/users/:id/roles"
	case len(parts) == 6 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "users" && parts[4] == "roles":
		return "/v1/admin/users/:id/roles/:role"
	}
	return path
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

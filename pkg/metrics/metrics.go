// pkg/metrics/metrics.go
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PoolAcquireFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hms_pool_acquire_failures_total",
			Help: "Connection checkouts that failed, by reason.",
		},
		[]string{"reason"},
	)

	ConnectionsDestroyed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hms_tainted_connections_destroyed_total",
			Help: "Pooled connections closed instead of returned, by cause.",
		},
		[]string{"cause"},
	)

	AuthnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hms_authn_failures_total",
			Help: "Rejected bearer credentials, by internal reason.",
		},
		[]string{"reason"},
	)

	JWKSRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hms_jwks_refresh_total",
			Help: "Key set refresh attempts, by source and result.",
		},
		[]string{"source", "result"},
	)

	AuthzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hms_authz_decisions_total",
			Help: "Authorization outcomes, by decision and resource class.",
		},
		[]string{"decision", "resource"},
	)

	AuditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hms_audit_write_failures_total",
		Help: "Audit entries that could not be persisted.",
	})

	ProvisioningOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hms_provisioning_total",
			Help: "Tenant provisioning attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hms_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hms_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)

var initOnce sync.Once

// Init registers every collector with the default registry. Safe to call from
// each binary's main; collectors work unregistered in tests.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			PoolAcquireFailures,
			ConnectionsDestroyed,
			AuthnFailures,
			JWKSRefreshes,
			AuthzDecisions,
			AuditWriteFailures,
			ProvisioningOutcomes,
			httpRequestsTotal,
			httpRequestDuration,
		)
	})
}

func Handler() http.Handler { return promhttp.Handler() }

// Instrument records request count and latency. Paths are left out of the
// labels because tenant ids can appear in them.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

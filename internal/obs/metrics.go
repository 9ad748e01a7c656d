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
)

// Метрики сверки подписок
var (
	reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlements_reconcile_total",
			Help: "Reconciliation attempts by flow and outcome.",
		},
		[]string{"flow", "outcome"},
	)

	derivedStateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlements_derived_state_total",
			Help: "Derived canonical states written to storage.",
		},
		[]string{"state"},
	)

	billingFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entitlements_billing_fetch_seconds",
			Help:    "Latency of billing provider subscription lookups.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "entitlements_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

var initOnce sync.Once

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			reconcileTotal, derivedStateTotal, billingFetchDuration, readyGauge,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveReconcile counts one finished flow. outcome is "ok", a no-op reason
// or an error kind.
func ObserveReconcile(flow, outcome string) {
	reconcileTotal.WithLabelValues(flow, outcome).Inc()
}

// ObserveDerivedState counts a derived state that was persisted.
func ObserveDerivedState(state string) {
	derivedStateTotal.WithLabelValues(state).Inc()
}

// ObserveBillingFetch records the latency of one billing lookup.
func ObserveBillingFetch(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	billingFetchDuration.WithLabelValues(result).Observe(d.Seconds())
}

// SetReady exposes the readiness state.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
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

var knownPaths = map[string]struct{}{
	"/":                     {},
	"/healthz":              {},
	"/readyz":               {},
	"/metrics":              {},
	"/v1/info":              {},
	"/v1/purchases/verify":  {},
	"/v1/purchases/restore": {},
	"/v1/rtdn/pubsub":       {},
	"/v1/admin/rtdn":        {},
	"/v1/admin/events":      {},
}

// CanonicalPath keeps label cardinality bounded: anything outside the route
// table is reported as "other".
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	if _, ok := knownPaths[p]; ok {
		return p
	}
	return "other"
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

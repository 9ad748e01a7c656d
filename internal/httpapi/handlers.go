package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"qazna.org/entitlements/internal/auth"
	"qazna.org/entitlements/internal/obs"
	"qazna.org/entitlements/internal/reconcile"
	"qazna.org/entitlements/internal/stream"
)

const serviceName = "entitlements-api"

// Pinger is implemented by every store backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe: простая проверка готовности (ping хранилища).
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Reconciler is the purchase reconciliation surface served over HTTP and gRPC.
type Reconciler interface {
	Verify(ctx context.Context, req reconcile.Request) (reconcile.Result, error)
	Restore(ctx context.Context, req reconcile.Request) (reconcile.Result, error)
	HandleNotification(ctx context.Context, payload []byte) error
}

var _ Reconciler = (*reconcile.Service)(nil)

// API: HTTP слой.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string
	svc        Reconciler
	tokens     *auth.Tokens
	pushToken  string
	rateBurst  int
	ratePerSec float64
	maxBody    int64
	events     *stream.Broker
	logger     zerolog.Logger
}

// Option configures API.
type Option func(*API)

// WithPushToken requires ?token= on the Pub/Sub push endpoint.
func WithPushToken(token string) Option {
	return func(a *API) { a.pushToken = token }
}

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithEventStream enables the admin audit event stream.
func WithEventStream(b *stream.Broker) Option {
	return func(a *API) { a.events = b }
}

// WithLogger sets the handler logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

func New(rp readinessChecker, version string, svc Reconciler, tokens *auth.Tokens, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		svc:        svc,
		tokens:     tokens,
		rateBurst:  20,
		ratePerSec: 10,
		maxBody:    1 << 20,
		logger:     obs.Logger().With().Str("component", "httpapi").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// purchases
	a.mux.HandleFunc("POST /v1/purchases/verify", a.VerifyPurchase)
	a.mux.HandleFunc("POST /v1/purchases/restore", a.RestorePurchase)
	a.mux.HandleFunc("POST /v1/rtdn/pubsub", a.PubSubPush)
	a.mux.HandleFunc("POST /v1/admin/rtdn", a.ReplayNotification)
	a.mux.HandleFunc("GET /v1/admin/events", a.Events)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	// (опционально) корень: 404
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
	})

	return a
}

// Handler возвращает http.Handler со всей цепочкой middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, a.maxBody)
	h = obs.Instrument(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		a.logger.Warn().Err(err).Msg("readiness probe failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "store unavailable",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind, msg string) {
	body := map[string]any{
		"error": msg,
		"code":  kind,
	}
	if id := requestIDFromContext(r.Context()); id != "" {
		body["request_id"] = id
	}
	writeJSON(w, code, body)
}

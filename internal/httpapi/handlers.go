package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"confportal.org/internal/audit"
	"confportal.org/internal/auth"
	"confportal.org/internal/obs"
	"confportal.org/internal/stream"
)

// ReadyProbe — простая проверка готовности (например, ping БД).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API — HTTP слой.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	auth   *auth.Service
	rbac   *auth.RBACService
	stream *stream.Stream
	routes *routeTable

	debug        bool
	cookieSecure bool
	rateBurst    int
	ratePerSec   int
	maxBody      int64
}

// Option настраивает API после создания.
type Option func(*API)

// WithDebug includes diagnostic details (missing permission codes) in
// authorization failures. Never enable in production.
func WithDebug(debug bool) Option {
	return func(a *API) { a.debug = debug }
}

// WithSecureCookies marks the device cookie Secure (HTTPS deployments).
func WithSecureCookies(secure bool) Option {
	return func(a *API) { a.cookieSecure = secure }
}

// WithRateLimit overrides the per-IP token bucket parameters.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 {
			a.rateBurst = burst
		}
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
	}
}

// WithRoutes replaces the default route table (tests exercise gate
// combinations the production table does not carry).
func WithRoutes(specs []RouteSpec) Option {
	return func(a *API) { a.routes = newRouteTable(specs) }
}

func New(rp ReadyProbe, version string, svc *auth.Service, rbac *auth.RBACService, st *stream.Stream, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		auth:       svc,
		rbac:       rbac,
		stream:     st,
		routes:     newRouteTable(defaultRoutes()),
		rateBurst:  20,
		ratePerSec: 10,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// сессии: портал и админка
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin(auth.AudienceApp))
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh(auth.AudienceApp))
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout(auth.AudienceApp))
	a.mux.HandleFunc("/v1/admin/auth/login", a.handleLogin(auth.AudienceAdmin))
	a.mux.HandleFunc("/v1/admin/auth/refresh", a.handleRefresh(auth.AudienceAdmin))
	a.mux.HandleFunc("/v1/admin/auth/logout", a.handleLogout(auth.AudienceAdmin))
	a.mux.HandleFunc("/v1/admin/auth/me", a.handleMe)

	// RBAC администрирование
	a.mux.HandleFunc("/v1/admin/permissions", a.handlePermissions)
	a.mux.HandleFunc("/v1/admin/resources", a.handleResources)
	a.mux.HandleFunc("/v1/admin/roles", a.handleRolesCollection)
	a.mux.HandleFunc("/v1/admin/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/admin/users/", a.handleUserResource)

	// SSE-поток security-событий
	a.mux.HandleFunc("/v1/admin/events/stream", a.Stream)

	// корень — 404
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler собирает полную цепочку middleware вокруг mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withGate(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "confportal-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
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
		"name":    "confportal-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// audit прокидывает событие в журнал, не роняя запрос при ошибке записи.
func (a *API) audit(ctx context.Context, event, entity, entityID string, meta map[string]string) {
	fields := map[string]any{
		"entity":    entity,
		"entity_id": entityID,
	}
	for k, v := range meta {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}

func (a *API) publish(evt stream.SecurityEvent) {
	if a.stream == nil {
		return
	}
	a.stream.Publish(evt)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

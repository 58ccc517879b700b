package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rotor.dev/internal/auth"
	"rotor.dev/internal/obs"
	"rotor.dev/internal/stream"
)

const serviceName = "rotor-authd"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the durable store and any extra dependencies (e.g. Redis).
type ReadyProbe struct {
	DB    *sql.DB
	Extra []func(context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	for _, check := range rp.Extra {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Options configures the HTTP layer.
type Options struct {
	Events            *stream.Stream
	Ready             readinessChecker
	Version           string
	AdminKeyHash      string
	ServiceKeyHash    string
	AuthRatePerMinute int
	AuthRateBurst     int
	MaxBodyBytes      int64
}

// API is the HTTP layer over auth.Service.
type API struct {
	svc            *auth.Service
	events         *stream.Stream
	ready          readinessChecker
	version        string
	adminKeyHash   string
	serviceKeyHash string
	ratePerMinute  int
	rateBurst      int
	maxBody        int64
	router         chi.Router
}

func New(svc *auth.Service, opts Options) *API {
	a := &API{
		svc:            svc,
		events:         opts.Events,
		ready:          opts.Ready,
		version:        opts.Version,
		adminKeyHash:   opts.AdminKeyHash,
		serviceKeyHash: opts.ServiceKeyHash,
		ratePerMinute:  opts.AuthRatePerMinute,
		rateBurst:      opts.AuthRateBurst,
		maxBody:        opts.MaxBodyBytes,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.ratePerMinute <= 0 {
		a.ratePerMinute = 5
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 5
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recover)
	r.Use(LoggingJSON)
	r.Use(SecurityHeaders)
	r.Use(CORS)
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.maxBody) })

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	// health/ready/info
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerMinute) })
			r.With(a.requireServiceKey).Post("/token", a.handleIssue)
			r.Post("/token/refresh", a.handleRefresh)
			r.Post("/logout", a.handleLogout)
		})
		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Post("/logout-all", a.handleLogoutAll)
			r.Get("/me", a.handleMe)
		})
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(a.requireAdminKey)
		r.Get("/principals/{principal}/credentials", a.handleListCredentials)
		r.Post("/principals/{principal}/revoke", a.handleRevokePrincipal)
		r.Post("/credentials/{cid}/revoke", a.handleRevokeCredential)
		r.Post("/credentials/{cid}/revoke-family", a.handleRevokeFamily)
		r.Get("/events", a.Stream)
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
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
	if err := a.ready.Check(r.Context()); err != nil {
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
	cfg := a.svc.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":                serviceName,
		"time":                time.Now().UTC().Format(time.RFC3339),
		"version":             a.version,
		"access_ttl_seconds":  int64(cfg.AccessTTL / time.Second),
		"renewal_ttl_seconds": int64(cfg.RenewalTTL / time.Second),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

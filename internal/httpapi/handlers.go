// Package httpapi exposes the auth core over HTTP and gRPC health. Handlers
// only translate between wire formats and auth.Service calls.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"centralauth.org/internal/auth"
	"centralauth.org/internal/obs"
)

const serviceName = "central-auth"

// ReadyProbe reports whether dependencies are reachable.
type ReadyProbe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to ReadyProbe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	readyProbe ReadyProbe
	version    string
	logger     *slog.Logger
	now        func() time.Time

	ratePerSec int
	rateBurst  int
}

type Option func(*API)

// WithLoginRateLimit bounds unauthenticated credential endpoints per client address.
func WithLoginRateLimit(perSecond, burst int) Option {
	return func(a *API) {
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
		if burst > 0 {
			a.rateBurst = burst
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(a *API) {
		if now != nil {
			a.now = now
		}
	}
}

func New(svc *auth.Service, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
		now:        time.Now,
		ratePerSec: 5,
		rateBurst:  10,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = obs.ResolveLogger(a.logger)
	a.routes()
	return a
}

func (a *API) routes() {
	limited := func(h http.HandlerFunc) http.Handler {
		return RateLimit(h, a.rateBurst, a.ratePerSec)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("POST /v1/auth/register", limited(a.handleRegister))
	a.mux.Handle("POST /v1/auth/login", limited(a.handleLogin))
	a.mux.Handle("POST /v1/auth/refresh", limited(a.handleRefresh))
	a.mux.Handle("POST /v1/password/forgot", limited(a.handleForgotPassword))
	a.mux.Handle("POST /v1/password/verify", limited(a.handleVerifyResetToken))
	a.mux.Handle("POST /v1/password/reset", limited(a.handleResetPassword))

	a.mux.Handle("POST /v1/auth/logout", a.authenticated(a.handleLogout))
	a.mux.Handle("GET /v1/auth/me", a.authenticated(a.handleMe))
	a.mux.Handle("POST /v1/auth/change-password", a.authenticated(a.handleChangePassword))
	a.mux.Handle("POST /v1/auth/mfa/enroll", a.authenticated(a.handleMFAEnroll))
	a.mux.Handle("POST /v1/auth/mfa/confirm", a.authenticated(a.handleMFAConfirm))
	a.mux.Handle("POST /v1/auth/mfa/disable", a.authenticated(a.handleMFADisable))

	a.mux.Handle("GET /v1/sessions", a.authenticated(a.handleListSessions))
	a.mux.Handle("DELETE /v1/sessions/{id}", a.authenticated(a.handleTerminateSession))
	a.mux.Handle("POST /v1/sessions/terminate-all", a.authenticated(a.handleTerminateOthers))

	a.mux.Handle("GET /v1/authz/check", a.authenticated(a.handleAuthzCheck))

	a.mux.Handle("GET /v1/users/{id}/roles", a.authenticated(a.handleListUserRoles))
	a.mux.Handle("POST /v1/users/{id}/roles", a.authenticated(a.handleAssignRole))
	a.mux.Handle("DELETE /v1/users/{id}/roles/{roleId}", a.authenticated(a.handleRemoveRole))

	a.mux.Handle("GET /v1/roles", a.authenticated(a.handleListRoles))
	a.mux.Handle("POST /v1/roles", a.authenticated(a.handleCreateRole))
	a.mux.Handle("DELETE /v1/roles/{id}", a.authenticated(a.handleDeleteRole))
	a.mux.Handle("GET /v1/roles/{id}/permissions", a.authenticated(a.handleListRolePermissions))
	a.mux.Handle("POST /v1/roles/{id}/permissions", a.authenticated(a.handleBindPermission))
	a.mux.Handle("DELETE /v1/roles/{id}/permissions/{permissionId}", a.authenticated(a.handleUnbindPermission))
	a.mux.Handle("GET /v1/permissions", a.authenticated(a.handleListPermissions))
	a.mux.Handle("POST /v1/permissions", a.authenticated(a.handleCreatePermission))

	a.mux.Handle("POST /v1/applications", a.authenticated(a.handleCreateApplication))
	a.mux.Handle("POST /v1/applications/{id}/secret", a.authenticated(a.handleRegenerateSecret))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the mux wrapped in the shared middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = SecurityHeaders(h)
	h = MaxBodyBytes(h, 1<<20)
	h = Recover(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readyProbe != nil {
		if err := a.readyProbe.Check(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

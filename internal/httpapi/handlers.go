package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"factoryauth.org/internal/access"
	"factoryauth.org/internal/audit"
	"factoryauth.org/internal/auth"
	"factoryauth.org/internal/engine"
	"factoryauth.org/internal/netscope"
	"factoryauth.org/internal/obs"
	"factoryauth.org/internal/session"
)

const serviceName = "factoryauth"

// ReadyProbe reports whether backing stores are reachable.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// AuditQuerier serves the audit history endpoint.
type AuditQuerier interface {
	Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error)
}

// Services are the domain components behind the HTTP surface.
type Services struct {
	Engine  *engine.Engine
	Catalog *access.Catalog
	Grants  *access.Grants
	Audit   AuditQuerier
}

// Options tune the HTTP layer. Zero values fall back to development defaults.
type Options struct {
	Version      string
	Logger       obs.Logger
	IPs          *netscope.IPResolver
	Limiter      *IPRateLimiter
	Ready        ReadyProbe
	MaxBodyBytes int64
	// AllowedOrigins extends the localhost origins CORS always accepts.
	AllowedOrigins []string
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	svc      Services
	logger   obs.Logger
	ips      *netscope.IPResolver
	limiter  *IPRateLimiter
	ready    ReadyProbe
	maxBody  int64
	origins  []string
	version  string
	serverAt time.Time
}

// New registers every route.
func New(svc Services, opts Options) *API {
	a := &API{
		mux:      http.NewServeMux(),
		svc:      svc,
		logger:   opts.Logger,
		ips:      opts.IPs,
		limiter:  opts.Limiter,
		ready:    opts.Ready,
		maxBody:  opts.MaxBodyBytes,
		origins:  opts.AllowedOrigins,
		version:  opts.Version,
		serverAt: time.Now().UTC(),
	}
	if a.logger == nil {
		a.logger = obs.Nop()
	}
	if a.ips == nil {
		a.ips = netscope.NewIPResolver(false, "")
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/signup", a.handleSignup)
	a.mux.Handle("POST /v1/auth/logout", a.withSession(a.handleLogout))
	a.mux.Handle("GET /v1/auth/session", a.withSession(a.handleSession))
	a.mux.Handle("POST /v1/auth/password", a.withSession(a.handlePasswordChange))

	a.mux.Handle("POST /v1/authorize", a.withSession(a.handleAuthorize))
	a.mux.Handle("POST /v1/authorize/batch", a.withSession(a.handleAuthorizeBatch))

	a.mux.Handle("GET /v1/admin/permissions", a.withSession(a.handleListPermissions))
	a.mux.Handle("POST /v1/admin/permissions", a.withSession(a.handleCreatePermission))
	a.mux.Handle("POST /v1/admin/permissions/{id}/supersede", a.withSession(a.handleSupersede))
	a.mux.Handle("POST /v1/admin/resources", a.withSession(a.handleRegisterResource))
	a.mux.Handle("GET /v1/admin/schema", a.withSession(a.handleSchema))

	a.mux.Handle("GET /v1/admin/users/{id}/permissions", a.withSession(a.handleUserPermissions))
	a.mux.Handle("POST /v1/admin/users/{id}/permissions", a.withSession(a.handleGrantUser))
	a.mux.Handle("DELETE /v1/admin/users/{id}/permissions", a.withSession(a.handleRevokeUser))
	a.mux.Handle("GET /v1/admin/users/{id}/history", a.withSession(a.handleUserHistory))
	a.mux.Handle("POST /v1/admin/users/{id}/roles", a.withSession(a.handleAssignRoles))
	a.mux.Handle("DELETE /v1/admin/users/{id}/roles", a.withSession(a.handleUnassignRoles))
	a.mux.Handle("POST /v1/admin/users/{id}/approve", a.withSession(a.handleApprove))
	a.mux.Handle("POST /v1/admin/users/{id}/deactivate", a.withSession(a.handleDeactivate))
	a.mux.Handle("POST /v1/admin/users/{id}/reset-password", a.withSession(a.handleResetPassword))

	a.mux.Handle("GET /v1/admin/roles", a.withSession(a.handleListRoles))
	a.mux.Handle("POST /v1/admin/roles", a.withSession(a.handleCreateRole))
	a.mux.Handle("POST /v1/admin/roles/{id}/permissions", a.withSession(a.handleGrantRole))
	a.mux.Handle("DELETE /v1/admin/roles/{id}/permissions", a.withSession(a.handleRevokeRole))

	a.mux.Handle("GET /v1/admin/audit", a.withSession(a.handleAudit))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the mux wrapped in the middleware chain, outermost first:
// request id, audit metadata, access log, metrics, security headers, CORS,
// per-IP rate limit, body limit.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	if a.limiter != nil {
		h = a.limiter.Middleware(h, a.ips)
	}
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = Logging(h, a.logger)
	h = RequestMeta(h, a.ips)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready.Ping(r.Context()); err != nil {
			a.logger.Warn("readiness check failed", obs.Err(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       serviceName,
		"version":    a.version,
		"started_at": a.serverAt.Format(time.RFC3339),
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) client(r *http.Request) engine.Client {
	return engine.Client{IP: a.ips.ClientIP(r), UserAgent: r.UserAgent()}
}

// writeServiceError maps domain errors onto the public error contract.
// Anything unrecognised is logged and reported as an internal error.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *engine.RateLimitError
	var scope *engine.ScopeError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter))
		writeError(w, r, http.StatusTooManyRequests, engine.ErrRateLimited.Error())
	case errors.As(err, &scope):
		writeError(w, r, http.StatusForbidden, scope.Reason)
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired), errors.Is(err, session.ErrUserInactive):
		writeError(w, r, http.StatusUnauthorized, "invalid or expired session")
	case errors.Is(err, access.ErrForbidden):
		writeError(w, r, http.StatusForbidden, access.ErrForbidden.Error())
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, access.ErrInvalidInput), errors.Is(err, audit.ErrInvalidFilter):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, access.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrConflict), errors.Is(err, access.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		a.logger.Error("request failed",
			obs.String("request_id", RequestIDFromContext(r.Context())),
			obs.String("method", r.Method),
			obs.String("path", r.URL.Path),
			obs.Err(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
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

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
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

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

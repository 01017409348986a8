package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"factoryauth.org/internal/access"
	"factoryauth.org/internal/audit"
	"factoryauth.org/internal/auth"
	"factoryauth.org/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	// adminResource gates read-only administration for non-root users.
	adminResource = "access_admin"
)

// withSession requires a valid bearer session whose network scope admits the
// request's client address, and attaches the principal.
func (a *API) withSession(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="factoryauth"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		sess, user, err := a.svc.Engine.CurrentSession(r.Context(), token, a.client(r))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="factoryauth"`)
			a.writeServiceError(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), auth.Principal{User: user, SessionID: sess.ID})
		ctx = auth.ContextWithToken(ctx, token)
		ctx = context.WithValue(ctx, sessionKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type sessionKey struct{}

func currentSession(r *http.Request) session.Session {
	s, _ := r.Context().Value(sessionKey{}).(session.Session)
	return s
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

// requireRoot admits only root administrators. Everyone else gets the same
// 403 an authorization denial produces; the refusal is audited.
func (a *API) requireRoot(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p := principal(r)
	if p.User.RootAdmin {
		return p, true
	}
	a.svc.Engine.Recorder().Record(r.Context(), audit.Entry{
		ActorID:      p.User.ID,
		Action:       "admin.root_required",
		ResourceType: "endpoint",
		ResourceID:   r.Method + " " + r.URL.Path,
		Outcome:      audit.OutcomeFailure,
	})
	writeError(w, r, http.StatusForbidden, access.ErrForbidden.Error())
	return auth.Principal{}, false
}

// requireAdminView admits root administrators and anyone the resolver allows
// to view the access administration resource.
func (a *API) requireAdminView(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p := principal(r)
	res, err := a.svc.Engine.Authorize(r.Context(), p.User, access.Request{Resource: adminResource, Action: access.ActionView})
	if err != nil {
		if errors.Is(err, access.ErrNotFound) {
			writeError(w, r, http.StatusForbidden, access.ErrForbidden.Error())
			return auth.Principal{}, false
		}
		a.writeServiceError(w, r, err)
		return auth.Principal{}, false
	}
	if !res.Allowed() {
		writeError(w, r, http.StatusForbidden, access.ErrForbidden.Error())
		return auth.Principal{}, false
	}
	return p, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

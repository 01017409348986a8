// Package engine wires the access-control components into the request flows
// served over HTTP: login throttling, credential check, network scope,
// session lifecycle and authorization.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"factoryauth.org/internal/access"
	"factoryauth.org/internal/audit"
	"factoryauth.org/internal/auth"
	"factoryauth.org/internal/netscope"
	"factoryauth.org/internal/obs"
	"factoryauth.org/internal/ratelimit"
	"factoryauth.org/internal/session"
)

var (
	// ErrRateLimited matches every *RateLimitError.
	ErrRateLimited = errors.New("too many login attempts")
	// ErrOutOfScope matches every *ScopeError.
	ErrOutOfScope = errors.New("outside permitted network")
)

// RateLimitError reports a blocked login and when the caller may retry.
type RateLimitError struct {
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry in %d seconds", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// ScopeError carries the human-readable reason the network guard gave.
type ScopeError struct {
	Reason string
}

func (e *ScopeError) Error() string { return e.Reason }

func (e *ScopeError) Is(target error) bool { return target == ErrOutOfScope }

// Client describes where a request came from.
type Client struct {
	IP        string
	UserAgent string
}

// Components are the collaborators an Engine drives. All are required except
// Recorder and Logger.
type Components struct {
	Limiter       *ratelimit.Limiter
	Authenticator *auth.Authenticator
	Accounts      *auth.Accounts
	Guard         *netscope.Guard
	Sessions      *session.Manager
	Authorizer    *access.Authorizer
	Recorder      audit.Recorder
	Logger        obs.Logger
}

// Engine runs the login pipeline and the account actions that must also end sessions.
type Engine struct {
	limiter  *ratelimit.Limiter
	authn    *auth.Authenticator
	accounts *auth.Accounts
	guard    *netscope.Guard
	sessions *session.Manager
	authz    *access.Authorizer
	recorder audit.Recorder
	logger   obs.Logger
}

// New constructs an Engine.
func New(c Components) *Engine {
	e := &Engine{
		limiter:  c.Limiter,
		authn:    c.Authenticator,
		accounts: c.Accounts,
		guard:    c.Guard,
		sessions: c.Sessions,
		authz:    c.Authorizer,
		recorder: c.Recorder,
		logger:   c.Logger,
	}
	if e.recorder == nil {
		e.recorder = audit.Discard{}
	}
	if e.logger == nil {
		e.logger = obs.Nop()
	}
	return e
}

// Accounts exposes account administration that does not touch sessions.
func (e *Engine) Accounts() *auth.Accounts { return e.accounts }

// Authorizer exposes the audited decision point.
func (e *Engine) Authorizer() *access.Authorizer { return e.authz }

// Recorder is the audit sink the engine writes to.
func (e *Engine) Recorder() audit.Recorder { return e.recorder }

// LoginResult is a freshly issued session and its raw token.
type LoginResult struct {
	Session session.Session
	Token   string
	User    auth.User
}

// Login throttles by client address, verifies credentials, enforces the
// user's network scope and issues a session. Every attempt that passes input
// validation counts toward the client's window.
func (e *Engine) Login(ctx context.Context, username, password string, client Client) (LoginResult, error) {
	ctx = withClient(ctx, client)
	key := limiterKey(client.IP)

	allowed, retryAfter, err := e.limiter.Check(ctx, key)
	if err != nil {
		e.logger.Error("rate limit check failed", obs.String("client_ip", client.IP), obs.Err(err))
		return LoginResult{}, err
	}
	if !allowed {
		obs.RateLimitBlocked()
		e.recorder.Record(ctx, audit.Entry{
			Action:       "auth.rate_limited",
			ResourceType: "client",
			ResourceID:   key,
			Outcome:      audit.OutcomeFailure,
			Detail: map[string]any{
				"username":    auth.NormalizeUsername(username),
				"retry_after": retryAfter,
			},
		})
		return LoginResult{}, &RateLimitError{RetryAfter: retryAfter}
	}
	if strings.TrimSpace(username) == "" || password == "" {
		return LoginResult{}, fmt.Errorf("%w: username and password are required", auth.ErrInvalidInput)
	}
	if _, err := e.limiter.RecordAttempt(ctx, key); err != nil {
		e.logger.Error("rate limit record failed", obs.String("client_ip", client.IP), obs.Err(err))
		return LoginResult{}, err
	}

	user, err := e.authn.Authenticate(ctx, username, password)
	if err != nil {
		return LoginResult{}, err
	}

	if ok, reason := e.guard.VerifyAccessScope(user.RootAdmin, user.AccessScope, client.IP); !ok {
		e.recorder.Record(ctx, audit.Entry{
			ActorID:      user.ID,
			Action:       "auth.scope_denied",
			ResourceType: "user",
			ResourceID:   user.ID,
			Outcome:      audit.OutcomeFailure,
			Detail: map[string]any{
				"access_scope": string(user.AccessScope),
				"client_ip":    client.IP,
				"reason":       reason,
			},
		})
		return LoginResult{}, &ScopeError{Reason: reason}
	}

	sess, token, err := e.sessions.Issue(ctx, user, client.IP, client.UserAgent)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Session: sess, Token: token, User: user}, nil
}

// CurrentSession validates token and re-applies the network scope for the
// address the request arrived from. A scope failure leaves the session alive.
func (e *Engine) CurrentSession(ctx context.Context, token string, client Client) (session.Session, auth.User, error) {
	ctx = withClient(ctx, client)
	sess, user, err := e.sessions.Validate(ctx, token)
	if err != nil {
		return session.Session{}, auth.User{}, err
	}
	if ok, reason := e.guard.VerifyAccessScope(user.RootAdmin, user.AccessScope, client.IP); !ok {
		e.recorder.Record(ctx, audit.Entry{
			ActorID:      user.ID,
			Action:       "session.scope_denied",
			ResourceType: "session",
			ResourceID:   sess.ID,
			Outcome:      audit.OutcomeFailure,
			Detail:       map[string]any{"client_ip": client.IP, "reason": reason},
		})
		return session.Session{}, auth.User{}, &ScopeError{Reason: reason}
	}
	return sess, user, nil
}

// Logout revokes the session behind token.
func (e *Engine) Logout(ctx context.Context, token string) error {
	return e.sessions.Revoke(ctx, token)
}

// Authorize runs an audited decision for user.
func (e *Engine) Authorize(ctx context.Context, user auth.User, req access.Request) (access.Result, error) {
	return e.authz.Authorize(ctx, ActorFor(user), req)
}

// AuthorizeBatch runs an audited batch decision for user.
func (e *Engine) AuthorizeBatch(ctx context.Context, user auth.User, req access.BatchRequest) (access.BatchResult, error) {
	return e.authz.AuthorizeBatch(ctx, ActorFor(user), req)
}

// ChangePassword replaces the caller's password and revokes every session the
// user holds, including the one that made the change.
func (e *Engine) ChangePassword(ctx context.Context, user auth.User, current, next string) (int, error) {
	if err := e.accounts.ChangePassword(ctx, user.ID, current, next); err != nil {
		return 0, err
	}
	return e.sessions.RevokeAllForUser(ctx, user.ID, "password_changed")
}

// ResetPassword sets a temporary password and revokes every session the user holds.
func (e *Engine) ResetPassword(ctx context.Context, actorID, userID, temporary string) (int, error) {
	if err := e.accounts.ResetPassword(ctx, actorID, userID, temporary); err != nil {
		return 0, err
	}
	return e.sessions.RevokeAllForUser(ctx, userID, "password_reset")
}

// Deactivate disables the account and revokes its sessions.
func (e *Engine) Deactivate(ctx context.Context, actorID, userID string) (auth.User, int, error) {
	user, err := e.accounts.Deactivate(ctx, actorID, userID)
	if err != nil {
		return auth.User{}, 0, err
	}
	n, err := e.sessions.RevokeAllForUser(ctx, user.ID, "deactivated")
	if err != nil {
		return user, 0, err
	}
	return user, n, nil
}

// ActorFor maps an authenticated user to the resolver's subject.
func ActorFor(user auth.User) access.Actor {
	return access.Actor{UserID: user.ID, RootAdmin: user.RootAdmin, Department: user.Department}
}

func limiterKey(ip string) string {
	if ip = strings.TrimSpace(ip); ip != "" {
		return "login:" + ip
	}
	return "login:unknown"
}

func withClient(ctx context.Context, client Client) context.Context {
	meta := audit.MetaFromContext(ctx)
	if meta.Origin == "" {
		meta.Origin = client.IP
	}
	if meta.UserAgent == "" {
		meta.UserAgent = client.UserAgent
	}
	return audit.WithMeta(ctx, meta)
}

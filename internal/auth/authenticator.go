package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"factoryauth.org/internal/audit"
	"factoryauth.org/internal/obs"
)

// Authenticator runs the login state machine against a UserRepository.
type Authenticator struct {
	users  UserRepository
	policy Policy
	denied map[string]struct{}
	deps

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthenticator constructs Authenticator. Zero policy fields fall back to DefaultPolicy.
func NewAuthenticator(users UserRepository, policy Policy, opts ...Option) *Authenticator {
	policy = policy.withDefaults()
	return &Authenticator{
		users:  users,
		policy: policy,
		denied: policy.denySet(),
		deps:   buildDeps(opts),
	}
}

// Reserved reports whether username is on the deny-list.
func (a *Authenticator) Reserved(username string) bool {
	_, ok := a.denied[NormalizeUsername(username)]
	return ok
}

// Authenticate verifies credentials. Failures are *AuthError values that read
// as "invalid credentials"; input errors wrap ErrInvalidInput and have no side effects.
// Every other outcome, including store failures, produces an audit entry.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (User, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.Authenticate")
	defer span.End()

	username = NormalizeUsername(username)
	if username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if password == "" {
		return User{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}

	user, reason, err := a.authenticate(ctx, username, password)
	outcome := "success"
	switch {
	case err != nil && reason == "":
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failure")
	case err != nil:
		outcome = string(reason)
	}
	span.SetAttributes(attribute.String("auth.outcome", outcome))
	obs.LoginAttempt(outcome)
	return user, err
}

func (a *Authenticator) authenticate(ctx context.Context, username, password string) (User, Reason, error) {
	now := a.now()

	if a.Reserved(username) {
		a.burnHash(password)
		a.recordLogin(ctx, User{}, username, ReasonNotFound, map[string]any{"rule": "reserved_username"})
		return User{}, ReasonNotFound, authFailure(ReasonNotFound)
	}

	user, err := a.users.FindByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		a.burnHash(password)
		a.recordLogin(ctx, User{}, username, ReasonNotFound, nil)
		return User{}, ReasonNotFound, authFailure(ReasonNotFound)
	}
	if err != nil {
		a.recordError(ctx, username, "lookup", err)
		return User{}, "", err
	}

	switch user.Status {
	case StatusDeactivated:
		a.recordLogin(ctx, user, username, ReasonDeactivated, nil)
		return User{}, ReasonDeactivated, authFailure(ReasonDeactivated)
	case StatusPending:
		a.recordLogin(ctx, user, username, ReasonPendingApproval, nil)
		return User{}, ReasonPendingApproval, authFailure(ReasonPendingApproval)
	}

	if user.LockedAt(now) {
		a.recordLogin(ctx, user, username, ReasonLocked, map[string]any{
			"lockout_until": user.LockoutUntil.UTC().Format(time.RFC3339),
		})
		return User{}, ReasonLocked, authFailure(ReasonLocked)
	}
	if user.LockoutUntil != nil {
		// Lockout elapsed: the next streak starts from zero.
		if err := a.users.ResetLoginFailures(ctx, user.ID); err != nil {
			a.recordError(ctx, username, "reset_failures", err)
			return User{}, "", err
		}
		user.FailedAttempts = 0
		user.LockoutUntil = nil
	}

	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		updated, ferr := a.users.RecordLoginFailure(ctx, user.ID, a.policy.MaxFailedAttempts, now.Add(a.policy.LockoutDuration))
		if ferr != nil {
			a.recordError(ctx, username, "record_failure", ferr)
			return User{}, "", ferr
		}
		a.recordLogin(ctx, updated, username, ReasonWrongPassword, map[string]any{
			"failed_attempts": updated.FailedAttempts,
		})
		if updated.FailedAttempts == a.policy.MaxFailedAttempts && updated.LockedAt(now) {
			a.recorder.Record(ctx, audit.Entry{
				ActorID:      updated.ID,
				Action:       "auth.lockout",
				ResourceType: "user",
				ResourceID:   updated.ID,
				Outcome:      audit.OutcomeFailure,
				Detail: map[string]any{
					"username":      username,
					"lockout_until": updated.LockoutUntil.UTC().Format(time.RFC3339),
				},
			})
			a.logger.Warn("account locked", obs.String("user_id", updated.ID), obs.Int("failed_attempts", updated.FailedAttempts))
		}
		return User{}, ReasonWrongPassword, authFailure(ReasonWrongPassword)
	}

	if user.FailedAttempts > 0 {
		if err := a.users.ResetLoginFailures(ctx, user.ID); err != nil {
			a.recordError(ctx, username, "reset_failures", err)
			return User{}, "", err
		}
		user.FailedAttempts = 0
	}
	a.recordLogin(ctx, user, username, "", nil)
	return user, "", nil
}

func (a *Authenticator) recordLogin(ctx context.Context, user User, username string, reason Reason, extra map[string]any) {
	detail := map[string]any{"username": username}
	for k, v := range extra {
		detail[k] = v
	}
	outcome := audit.OutcomeSuccess
	if reason != "" {
		outcome = audit.OutcomeFailure
		detail["reason"] = string(reason)
	}
	a.recorder.Record(ctx, audit.Entry{
		ActorID:      user.ID,
		Action:       "auth.login",
		ResourceType: "user",
		ResourceID:   user.ID,
		Outcome:      outcome,
		Detail:       detail,
	})
}

func (a *Authenticator) recordError(ctx context.Context, username, stage string, err error) {
	a.logger.Error("login store failure", obs.String("stage", stage), obs.Err(err))
	a.recorder.Record(ctx, audit.Entry{
		Action:       "auth.login",
		ResourceType: "user",
		Outcome:      audit.OutcomeFailure,
		Detail: map[string]any{
			"username": username,
			"reason":   "store_error",
			"stage":    stage,
		},
	})
}

// burnHash spends one bcrypt comparison so unknown usernames cost the same as wrong passwords.
func (a *Authenticator) burnHash(password string) {
	a.dummyOnce.Do(func() {
		a.dummyHash, _ = HashPassword("factoryauth-timing-equalizer", a.policy.BcryptCost)
	})
	if a.dummyHash != "" {
		_ = VerifyPassword(a.dummyHash, password)
	}
}

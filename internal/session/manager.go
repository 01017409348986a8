package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"factoryauth.org/internal/audit"
	"factoryauth.org/internal/auth"
	"factoryauth.org/internal/ids"
	"factoryauth.org/internal/obs"
)

const tokenBytes = 32

// UserLookup resolves the owner of a session.
type UserLookup interface {
	FindByID(ctx context.Context, id string) (auth.User, error)
}

// Manager issues and validates opaque session tokens.
type Manager struct {
	repo     Repository
	users    UserLookup
	ttl      time.Duration
	recorder audit.Recorder
	logger   obs.Logger
	now      func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithRecorder sets the audit sink.
func WithRecorder(r audit.Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l obs.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs Manager.
func NewManager(repo Repository, users UserLookup, opts ...Option) *Manager {
	m := &Manager{
		repo:     repo,
		users:    users,
		ttl:      DefaultTTL,
		recorder: audit.Discard{},
		logger:   obs.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the absolute session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue creates a session for user and returns it with the bearer token.
// The token is not retrievable afterwards.
func (m *Manager) Issue(ctx context.Context, user auth.User, origin, userAgent string) (Session, string, error) {
	if strings.TrimSpace(user.ID) == "" {
		return Session{}, "", errors.New("session: user id is required")
	}
	token, err := ids.Secret(tokenBytes)
	if err != nil {
		return Session{}, "", fmt.Errorf("session: generate token: %w", err)
	}
	now := m.now().UTC()
	s := Session{
		ID:           ids.New(),
		TokenHash:    HashToken(token),
		UserID:       user.ID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
		LastActivity: now,
		Origin:       origin,
		UserAgent:    userAgent,
		Active:       true,
	}
	if err := m.repo.CreateSession(ctx, &s); err != nil {
		return Session{}, "", err
	}
	m.recorder.Record(ctx, audit.Entry{
		ActorID:      user.ID,
		Action:       "session.issue",
		ResourceType: "session",
		ResourceID:   s.ID,
		Detail:       map[string]any{"expires_at": s.ExpiresAt.Format(time.RFC3339)},
	})
	return s, token, nil
}

// Validate resolves token to its session and user. It refreshes last activity
// but never the expiry; a session found expired is deactivated before
// ErrExpired is returned.
func (m *Manager) Validate(ctx context.Context, token string) (Session, auth.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, auth.User{}, ErrNotFound
	}
	s, err := m.repo.SessionByTokenHash(ctx, HashToken(token))
	if err != nil {
		return Session{}, auth.User{}, err
	}
	if !s.Active {
		return Session{}, auth.User{}, ErrNotFound
	}
	now := m.now().UTC()
	if s.ExpiredAt(now) {
		m.deactivate(ctx, s, now, "expired")
		return Session{}, auth.User{}, ErrExpired
	}
	user, err := m.users.FindByID(ctx, s.UserID)
	if errors.Is(err, auth.ErrNotFound) {
		m.deactivate(ctx, s, now, "user_missing")
		return Session{}, auth.User{}, ErrUserInactive
	}
	if err != nil {
		return Session{}, auth.User{}, err
	}
	if user.Status != auth.StatusActive {
		m.deactivate(ctx, s, now, "user_inactive")
		return Session{}, auth.User{}, ErrUserInactive
	}
	if err := m.repo.TouchSession(ctx, s.ID, now); err != nil {
		m.logger.Warn("session touch failed", obs.String("session_id", s.ID), obs.Err(err))
	} else {
		s.LastActivity = now
	}
	return s, user, nil
}

// Revoke deactivates the session behind token.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNotFound
	}
	s, err := m.repo.SessionByTokenHash(ctx, HashToken(token))
	if err != nil {
		return err
	}
	if !s.Active {
		return nil
	}
	return m.deactivate(ctx, s, m.now().UTC(), "logout")
}

// RevokeAllForUser deactivates every active session of userID.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID, reason string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errors.New("session: user id is required")
	}
	n, err := m.repo.DeactivateUserSessions(ctx, userID, m.now().UTC())
	if err != nil {
		return 0, err
	}
	obs.SessionsRevoked(n)
	m.recorder.Record(ctx, audit.Entry{
		ActorID:      userID,
		Action:       "session.revoke_all",
		ResourceType: "user",
		ResourceID:   userID,
		Detail:       map[string]any{"count": n, "reason": reason},
	})
	return n, nil
}

// PurgeExpired deactivates every session past its absolute lifetime.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	n, err := m.repo.DeactivateExpiredSessions(ctx, m.now().UTC())
	if err != nil {
		return 0, err
	}
	obs.SessionsRevoked(n)
	return n, nil
}

func (m *Manager) deactivate(ctx context.Context, s Session, now time.Time, reason string) error {
	changed, err := m.repo.DeactivateSession(ctx, s.ID, now)
	if err != nil {
		m.logger.Warn("session deactivate failed", obs.String("session_id", s.ID), obs.Err(err))
		return err
	}
	if !changed {
		return nil
	}
	obs.SessionsRevoked(1)
	m.recorder.Record(ctx, audit.Entry{
		ActorID:      s.UserID,
		Action:       "session.revoke",
		ResourceType: "session",
		ResourceID:   s.ID,
		Detail:       map[string]any{"reason": reason},
	})
	return nil
}

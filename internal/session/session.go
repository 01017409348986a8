package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DefaultTTL is the absolute session lifetime.
const DefaultTTL = 30 * 24 * time.Hour

// Session is a server-side login. Only the token hash is stored.
type Session struct {
	ID           string     `json:"id"`
	TokenHash    string     `json:"-"`
	UserID       string     `json:"user_id"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	LastActivity time.Time  `json:"last_activity"`
	Origin       string     `json:"origin"`
	UserAgent    string     `json:"user_agent"`
	Active       bool       `json:"active"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// ExpiredAt reports whether the absolute lifetime has elapsed at now.
func (s Session) ExpiredAt(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// Reason classifies a session validation failure.
type Reason string

const (
	ReasonNotFound     Reason = "not_found"
	ReasonExpired      Reason = "expired"
	ReasonUserInactive Reason = "user_inactive"
)

// Error is a session validation failure.
type Error struct {
	Reason Reason
}

func (e *Error) Error() string {
	switch e.Reason {
	case ReasonExpired:
		return "session: expired"
	case ReasonUserInactive:
		return "session: user inactive"
	}
	return "session: not found"
}

// Is matches any *Error with the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

var (
	ErrNotFound     = &Error{Reason: ReasonNotFound}
	ErrExpired      = &Error{Reason: ReasonExpired}
	ErrUserInactive = &Error{Reason: ReasonUserInactive}
)

// Repository persists sessions. Lookups of unknown hashes return ErrNotFound.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	SessionByTokenHash(ctx context.Context, hash string) (Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	// DeactivateSession marks one session inactive. It reports whether the session was active.
	DeactivateSession(ctx context.Context, id string, at time.Time) (bool, error)
	DeactivateUserSessions(ctx context.Context, userID string, at time.Time) (int, error)
	// DeactivateExpiredSessions deactivates every active session whose expiry is at or before now.
	DeactivateExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// HashToken returns the stored form of a bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

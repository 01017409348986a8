package auth

import (
	"context"
	"time"
)

// UserRepository persists users and their login counters.
type UserRepository interface {
	CreateUser(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id string) (User, error)
	FindByUsername(ctx context.Context, username string) (User, error)
	// RecordLoginFailure atomically increments the failure counter and, once the
	// counter reaches threshold, sets lockout_until. It returns the updated user.
	RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (User, error)
	// ResetLoginFailures zeroes the counter and clears any lockout.
	ResetLoginFailures(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status Status) error
	UpdatePassword(ctx context.Context, id, passwordHash string, resetRequired bool) error
}

package auth

import "time"

// Status is the account lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusDeactivated Status = "deactivated"
)

// AccessScope restricts the networks a user may sign in from.
type AccessScope string

const (
	ScopeFactoryOnly AccessScope = "FACTORY_ONLY"
	ScopeUniversal   AccessScope = "UNIVERSAL"
)

// Valid reports whether s is a known scope.
func (s AccessScope) Valid() bool {
	return s == ScopeFactoryOnly || s == ScopeUniversal
}

// User is an operator account. Users are never hard-deleted.
type User struct {
	ID                    string
	Username              string
	PasswordHash          string
	Status                Status
	RootAdmin             bool
	AccessScope           AccessScope
	Department            string
	FailedAttempts        int
	LockoutUntil          *time.Time
	PasswordResetRequired bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// LockedAt reports whether the account is locked at the given instant. The
// lock holds until now is strictly after LockoutUntil.
func (u User) LockedAt(now time.Time) bool {
	return u.LockoutUntil != nil && !now.After(*u.LockoutUntil)
}

package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: conflict")
	ErrInvalidInput = errors.New("auth: invalid input")
	// ErrInvalidCredentials is the only authentication failure callers may show.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Reason classifies a failed authentication for audit and metrics.
type Reason string

const (
	ReasonNotFound        Reason = "not_found"
	ReasonWrongPassword   Reason = "wrong_password"
	ReasonLocked          Reason = "locked"
	ReasonPendingApproval Reason = "pending_approval"
	ReasonDeactivated     Reason = "deactivated"
)

// AuthError carries the specific failure reason for audit records. Its message
// is always the generic invalid-credentials text.
type AuthError struct {
	Reason Reason
}

func (e *AuthError) Error() string { return ErrInvalidCredentials.Error() }

// Is lets errors.Is(err, ErrInvalidCredentials) match any AuthError.
func (e *AuthError) Is(target error) bool { return target == ErrInvalidCredentials }

// ReasonOf extracts the failure reason from err.
func ReasonOf(err error) (Reason, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason, true
	}
	return "", false
}

func authFailure(r Reason) error { return &AuthError{Reason: r} }

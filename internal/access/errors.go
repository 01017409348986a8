package access

import "errors"

var (
	ErrInvalidInput = errors.New("access: invalid input")
	ErrNotFound     = errors.New("access: not found")
	ErrConflict     = errors.New("access: conflict")
	// ErrForbidden is what callers see for both Deny and NoGrant.
	ErrForbidden = errors.New("forbidden")
)

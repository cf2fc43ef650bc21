package identity

import (
	"fmt"

	"orgpass.org/internal/apperr"
)

var (
	ErrNotFound           = apperr.New(apperr.ErrNotFound, "identity_not_found", "identity not found")
	ErrEmailTaken         = apperr.New(apperr.ErrConflict, "email_taken", "email is already registered")
	ErrGrantConflict      = apperr.New(apperr.ErrConflict, "grant_conflict", "identity already holds a capability grant")
	ErrInvalidCredentials = apperr.New(apperr.ErrUnauthenticated, "invalid_credentials", "invalid email or password")
	ErrInactive           = apperr.New(apperr.ErrUnauthenticated, "identity_inactive", "identity is inactive")
	ErrInvalidToken       = apperr.New(apperr.ErrUnauthenticated, "invalid_refresh_token", "refresh token is not valid")
)

// CascadeError reports an identity deletion that removed dependents but
// not the identity itself. Repeating the deletion completes it.
type CascadeError struct {
	IdentityID string
	Removed    int
	Err        error
}

func (e *CascadeError) Error() string {
	return fmt.Sprintf("identity %s: dependents removed (%d) but identity delete failed: %v", e.IdentityID, e.Removed, e.Err)
}

// Unwrap keeps the cause visible and marks the failure as internal.
func (e *CascadeError) Unwrap() []error { return []error{apperr.ErrInternal, e.Err} }

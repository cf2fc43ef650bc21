package auth

import "orgpass.org/internal/apperr"

var (
	ErrInvalidToken       = apperr.New(apperr.ErrUnauthenticated, "invalid_token", "invalid token")
	ErrMissingToken       = apperr.New(apperr.ErrUnauthenticated, "missing_token", "missing bearer token")
	ErrUnknownIdentity    = apperr.New(apperr.ErrUnauthenticated, "unknown_identity", "token does not resolve to an active identity")
	ErrAdminRequired      = apperr.New(apperr.ErrForbidden, "admin_required", "administrator access required")
	ErrCapabilityRequired = apperr.New(apperr.ErrForbidden, "capability_required", "capability required")
	ErrNotOwner           = apperr.New(apperr.ErrForbidden, "not_owner", "only the owner or an administrator may do this")
)

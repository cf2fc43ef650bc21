package credential

import "orgpass.org/internal/apperr"

var (
	ErrNotFound       = apperr.New(apperr.ErrNotFound, "credential_not_found", "credential not found")
	ErrDuplicateCode  = apperr.New(apperr.ErrConflict, "duplicate_code", "a credential with this code already exists")
	ErrAlreadyUsed    = apperr.New(apperr.ErrConflict, "already_used", "credential has already been redeemed")
	ErrAlreadyGranted = apperr.New(apperr.ErrConflict, "already_granted", "identity already holds the capability")
	ErrExpired        = apperr.New(apperr.ErrConflict, "expired", "credential has expired")
	ErrInactive       = apperr.New(apperr.ErrConflict, "inactive", "credential has been deactivated")
	ErrInvalidExpiry  = apperr.New(apperr.ErrValidation, "invalid_expiry", "expiry must be in the future")
	ErrInvalidCode    = apperr.New(apperr.ErrValidation, "invalid_code", "code must be 8 characters A-Z or 0-9")
	ErrInvalidCount   = apperr.New(apperr.ErrValidation, "invalid_count", "batch count must be between 1 and 50")
)

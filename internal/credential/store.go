package credential

import (
	"context"
	"time"

	"orgpass.org/internal/identity"
)

// RedeemRecord is the input of Store.Redeem.
type RedeemRecord struct {
	Code       string
	IdentityID string
	Now        time.Time
}

// Store persists credentials.
type Store interface {
	CodeExists(ctx context.Context, code string) (bool, error)
	// Create fails with ErrDuplicateCode if the code is taken.
	Create(ctx context.Context, c Credential) error
	// CreateBatch persists all credentials or none.
	CreateBatch(ctx context.Context, cs []Credential) error
	GetByID(ctx context.Context, id string) (Credential, error)
	GetByCode(ctx context.Context, code string) (Credential, error)
	// Redeem atomically consumes the credential and attaches the grant to
	// the identity. Errors, in order of evaluation: identity.ErrNotFound,
	// ErrNotFound, ErrAlreadyGranted, ErrExpired, ErrAlreadyUsed,
	// ErrInactive, identity.ErrGrantConflict.
	Redeem(ctx context.Context, in RedeemRecord) (Credential, identity.Grant, error)
	// Deactivate clears the active flag of an unredeemed credential.
	Deactivate(ctx context.Context, id string) (Credential, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

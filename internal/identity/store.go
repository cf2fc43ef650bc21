package identity

import (
	"context"
	"time"

	"orgpass.org/internal/fieldcodec"
)

// Store persists identities.
type Store interface {
	// CreateIdentity fails with ErrEmailTaken when the email is in use.
	CreateIdentity(ctx context.Context, id Identity) error
	GetIdentity(ctx context.Context, id string) (Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (Identity, error)
	UpdateProfile(ctx context.Context, id string, profile fieldcodec.Sealed, at time.Time) error
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
	// AttachGrant sets the grant only if none is present, failing with
	// ErrGrantConflict otherwise.
	AttachGrant(ctx context.Context, id string, g Grant) error
	AddRefreshToken(ctx context.Context, id, hash string) error
	// RemoveRefreshToken reports whether hash was present.
	RemoveRefreshToken(ctx context.Context, id, hash string) (bool, error)
	DeleteIdentity(ctx context.Context, id string) error
}

// Dependents removes records owned by an identity before it is deleted.
type Dependents interface {
	DeleteByOwner(ctx context.Context, ownerID string) (int, error)
}

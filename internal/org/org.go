// Package org manages organizations, the resource unlocked by the
// organization.create capability. Everything but the name, status and
// visibility is sealed with the field codec.
package org

import (
	"context"
	"time"

	"orgpass.org/internal/apperr"
	"orgpass.org/internal/fieldcodec"
)

// Status is the review state of an organization.
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusSuspended Status = "suspended"
	StatusInactive  Status = "inactive"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusSuspended, StatusInactive:
		return true
	}
	return false
}

// Organization is the stored form of an organization.
type Organization struct {
	ID        string
	OwnerID   string
	Name      string
	Status    Status
	Public    bool
	Basic     fieldcodec.Sealed
	Legal     fieldcodec.Sealed
	Contact   fieldcodec.Sealed
	Financial fieldcodec.Sealed
	Programs  []fieldcodec.Blob
	Extra     fieldcodec.Sealed
	// Revision counts stored writes. An update only lands on the revision
	// it was read at.
	Revision  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Owner returns the owning identity id.
func (o Organization) Owner() string { return o.OwnerID }

var (
	ErrNotFound           = apperr.New(apperr.ErrNotFound, "organization_not_found", "organization not found")
	ErrCapabilityRequired = apperr.New(apperr.ErrForbidden, "capability_required", "redeem a credential before creating an organization")
	ErrNotVisible         = apperr.New(apperr.ErrForbidden, "organization_private", "organization is not public")
	ErrInvalidStatus      = apperr.New(apperr.ErrValidation, "invalid_status", "unknown organization status")
	ErrModified           = apperr.New(apperr.ErrConflict, "organization_modified", "organization changed since it was read, retry")
)

// Store persists organizations.
type Store interface {
	CreateOrganization(ctx context.Context, o Organization) error
	GetOrganization(ctx context.Context, id string) (Organization, error)
	// UpdateOrganization stores o as revision o.Revision+1 if the stored
	// revision is still o.Revision, else fails with ErrModified.
	UpdateOrganization(ctx context.Context, o Organization) error
	DeleteOrganization(ctx context.Context, id string) error
	// DeleteOrganizationsByOwner returns how many organizations were removed.
	DeleteOrganizationsByOwner(ctx context.Context, ownerID string) (int, error)
}

package org

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"orgpass.org/internal/apperr"
	"orgpass.org/internal/fieldcodec"
	"orgpass.org/internal/identity"
	"orgpass.org/internal/ids"
)

const (
	maxNameLen     = 200
	maxPrograms    = 50
	maxExtraFields = 50
)

// View is an organization with its sealed data opened. Degraded lists the
// fields that could not be decoded.
type View struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Public    bool      `json:"public"`
	Details   Details   `json:"details"`
	Degraded  []string  `json:"degraded,omitempty"`
	Redacted  bool      `json:"redacted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service manages organizations.
type Service struct {
	store Store
	codec fieldcodec.Encrypter
	now   func() time.Time
}

// Option configures Service behavior.
type Option func(*Service) error

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn == nil {
			return errors.New("org: clock is nil")
		}
		s.now = fn
		return nil
	}
}

// NewService constructs an organization service.
func NewService(store Store, codec fieldcodec.Encrypter, opts ...Option) (*Service, error) {
	if store == nil || codec == nil {
		return nil, errors.New("org: store and codec are required")
	}
	s := &Service{store: store, codec: codec, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CreateInput describes a new organization.
type CreateInput struct {
	Name    string
	Public  bool
	Details Details
}

// Create registers an organization owned by actor. The actor must hold
// the organization.create capability.
func (s *Service) Create(ctx context.Context, actor identity.Identity, in CreateInput) (View, error) {
	if !identity.HasCapability(actor, identity.CapabilityCreateOrganization) {
		return View{}, ErrCapabilityRequired
	}
	name, err := validateName(in.Name)
	if err != nil {
		return View{}, err
	}
	if err := validateDetails(in.Details.Programs, in.Details.Extra); err != nil {
		return View{}, err
	}
	now := s.now()
	o := Organization{
		ID:        ids.NewAt(now),
		OwnerID:   actor.ID,
		Name:      name,
		Status:    StatusPending,
		Public:    in.Public,
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := seal(s.codec, in.Details, &o); err != nil {
		return View{}, apperr.Internal(err)
	}
	if err := s.store.CreateOrganization(ctx, o); err != nil {
		return View{}, apperr.Op("org.create", err)
	}
	return s.Open(o), nil
}

// Get returns the stored organization.
func (s *Service) Get(ctx context.Context, id string) (Organization, error) {
	o, err := s.store.GetOrganization(ctx, strings.TrimSpace(id))
	if err != nil {
		return Organization{}, apperr.Op("org.get", err)
	}
	return o, nil
}

// Open decodes every field of o.
func (s *Service) Open(o Organization) View {
	d, degraded := open(s.codec, o)
	return View{
		ID:        o.ID,
		OwnerID:   o.OwnerID,
		Name:      o.Name,
		Status:    o.Status,
		Public:    o.Public,
		Details:   d,
		Degraded:  degraded,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

// ViewFor returns the organization as actor may see it: the full view for
// the owner or an admin, a redacted view for everyone else when the
// organization is public.
func (s *Service) ViewFor(ctx context.Context, actor identity.Identity, id string) (View, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	if actor.IsAdmin() || o.OwnerID == actor.ID {
		return s.Open(o), nil
	}
	if !o.Public {
		return View{}, ErrNotVisible
	}
	return s.redacted(o), nil
}

func (s *Service) redacted(o Organization) View {
	basic, degraded := s.codec.OpenGroup("basic", o.Basic)
	for i := range degraded {
		degraded[i] = "basic." + degraded[i]
	}
	return View{
		ID:        o.ID,
		Name:      o.Name,
		Status:    o.Status,
		Public:    o.Public,
		Details:   Details{Basic: basicFrom(basic)},
		Degraded:  degraded,
		Redacted:  true,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

// UpdateInput changes an organization. Nil fields are left as they are; a
// non-nil group replaces the whole group. Extra is merged key by key and an
// empty value removes the key.
type UpdateInput struct {
	Name      *string
	Public    *bool
	Basic     *BasicInfo
	Legal     *LegalInfo
	Contact   *ContactInfo
	Financial *FinancialInfo
	Programs  *[]string
	Extra     map[string]string
}

// Update applies in to o, which the caller has already resolved and
// authorized. Groups that are not part of the update keep their stored
// blobs, including unreadable ones.
func (s *Service) Update(ctx context.Context, o Organization, in UpdateInput) (View, error) {
	if in.Name != nil {
		name, err := validateName(*in.Name)
		if err != nil {
			return View{}, err
		}
		o.Name = name
	}
	if in.Public != nil {
		o.Public = *in.Public
	}
	var programs []string
	if in.Programs != nil {
		programs = *in.Programs
	}
	if err := validateDetails(programs, in.Extra); err != nil {
		return View{}, err
	}

	var err error
	sealGroup := func(dst *fieldcodec.Sealed, b fieldcodec.Bundle) {
		if err != nil {
			return
		}
		*dst, err = s.codec.SealBundle(b)
	}
	if in.Basic != nil {
		sealGroup(&o.Basic, in.Basic.bundle())
	}
	if in.Legal != nil {
		sealGroup(&o.Legal, in.Legal.bundle())
	}
	if in.Contact != nil {
		sealGroup(&o.Contact, in.Contact.bundle())
	}
	if in.Financial != nil {
		sealGroup(&o.Financial, in.Financial.bundle())
	}
	if err != nil {
		return View{}, apperr.Internal(err)
	}
	if in.Programs != nil {
		o.Programs = nil
		for _, p := range programs {
			blob, err := s.codec.Encode(p)
			if err != nil {
				return View{}, apperr.Internal(err)
			}
			if !blob.IsAbsent() {
				o.Programs = append(o.Programs, blob)
			}
		}
	}
	if len(in.Extra) > 0 {
		extra := make(fieldcodec.Sealed, len(o.Extra)+len(in.Extra))
		for k, v := range o.Extra {
			extra[k] = v
		}
		for k, v := range in.Extra {
			if v == "" {
				delete(extra, k)
				continue
			}
			blob, err := s.codec.Encode(v)
			if err != nil {
				return View{}, apperr.Internal(err)
			}
			extra[k] = blob
		}
		if len(extra) > maxExtraFields {
			return View{}, apperr.Validation("at most %d extra fields are allowed", maxExtraFields)
		}
		if len(extra) == 0 {
			extra = nil
		}
		o.Extra = extra
	}
	o.UpdatedAt = s.now()
	if err := s.store.UpdateOrganization(ctx, o); err != nil {
		return View{}, apperr.Op("org.update", err)
	}
	o.Revision++
	return s.Open(o), nil
}

// SetStatus changes the review status of an organization.
func (s *Service) SetStatus(ctx context.Context, id string, status Status) (View, error) {
	if !status.Valid() {
		return View{}, ErrInvalidStatus
	}
	o, err := s.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	o.Status = status
	o.UpdatedAt = s.now()
	if err := s.store.UpdateOrganization(ctx, o); err != nil {
		return View{}, apperr.Op("org.set_status", err)
	}
	o.Revision++
	return s.Open(o), nil
}

// Delete removes the organization and nothing else.
func (s *Service) Delete(ctx context.Context, id string) error {
	return apperr.Op("org.delete", s.store.DeleteOrganization(ctx, strings.TrimSpace(id)))
}

// DeleteByOwner removes every organization owned by ownerID.
func (s *Service) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	n, err := s.store.DeleteOrganizationsByOwner(ctx, strings.TrimSpace(ownerID))
	if err != nil {
		return 0, apperr.Op("org.delete_by_owner", err)
	}
	return n, nil
}

var _ identity.Dependents = (*Service)(nil)

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation("organization name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return "", apperr.Validation("organization name must be at most %d characters", maxNameLen)
	}
	return name, nil
}

func validateDetails(programs []string, extra map[string]string) error {
	if len(programs) > maxPrograms {
		return apperr.Validation("at most %d programs are allowed", maxPrograms)
	}
	if len(extra) > maxExtraFields {
		return apperr.Validation("at most %d extra fields are allowed", maxExtraFields)
	}
	for k := range extra {
		if strings.TrimSpace(k) == "" {
			return apperr.Validation("extra field names must not be empty")
		}
	}
	return nil
}

// Package memory is an in-process implementation of the identity,
// credential and organization stores. A single mutex guards all state, so
// every operation, including Redeem, is atomic.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"orgpass.org/internal/credential"
	"orgpass.org/internal/fieldcodec"
	"orgpass.org/internal/identity"
	"orgpass.org/internal/org"
)

// Store keeps all records in memory.
type Store struct {
	mu          sync.Mutex
	identities  map[string]identity.Identity
	emails      map[string]string
	credentials map[string]credential.Credential
	codes       map[string]string
	orgs        map[string]org.Organization
}

// New returns an empty store.
func New() *Store {
	return &Store{
		identities:  make(map[string]identity.Identity),
		emails:      make(map[string]string),
		credentials: make(map[string]credential.Credential),
		codes:       make(map[string]string),
		orgs:        make(map[string]org.Organization),
	}
}

var (
	_ identity.Store   = (*Store)(nil)
	_ credential.Store = (*Store)(nil)
	_ org.Store        = (*Store)(nil)
)

// Identities.

func (s *Store) CreateIdentity(ctx context.Context, id identity.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	email := identity.NormalizeEmail(id.Email)
	if _, ok := s.emails[email]; ok {
		return identity.ErrEmailTaken
	}
	id.Email = email
	s.identities[id.ID] = cloneIdentity(id)
	s.emails[email] = id.ID
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, id string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.identities[id]
	if !ok {
		return identity.Identity{}, identity.ErrNotFound
	}
	return cloneIdentity(out), nil
}

func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[identity.NormalizeEmail(email)]
	if !ok {
		return identity.Identity{}, identity.ErrNotFound
	}
	return cloneIdentity(s.identities[id]), nil
}

func (s *Store) UpdateProfile(ctx context.Context, id string, profile fieldcodec.Sealed, at time.Time) error {
	return s.mutateIdentity(ctx, id, func(i *identity.Identity) error {
		i.Profile = cloneSealed(profile)
		i.UpdatedAt = at
		return nil
	})
}

func (s *Store) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	return s.mutateIdentity(ctx, id, func(i *identity.Identity) error {
		i.Active = active
		i.UpdatedAt = at
		return nil
	})
}

func (s *Store) AttachGrant(ctx context.Context, id string, g identity.Grant) error {
	return s.mutateIdentity(ctx, id, func(i *identity.Identity) error {
		return identity.AttachGrant(i, g)
	})
}

func (s *Store) AddRefreshToken(ctx context.Context, id, hash string) error {
	return s.mutateIdentity(ctx, id, func(i *identity.Identity) error {
		i.RefreshTokens = identity.PushRefreshToken(i.RefreshTokens, hash)
		return nil
	})
}

func (s *Store) RemoveRefreshToken(ctx context.Context, id, hash string) (bool, error) {
	var found bool
	err := s.mutateIdentity(ctx, id, func(i *identity.Identity) error {
		i.RefreshTokens, found = identity.DropRefreshToken(i.RefreshTokens, hash)
		return nil
	})
	return found, err
}

func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.identities[id]
	if !ok {
		return identity.ErrNotFound
	}
	delete(s.emails, existing.Email)
	delete(s.identities, id)
	return nil
}

func (s *Store) mutateIdentity(ctx context.Context, id string, fn func(*identity.Identity) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.identities[id]
	if !ok {
		return identity.ErrNotFound
	}
	next := cloneIdentity(existing)
	if err := fn(&next); err != nil {
		return err
	}
	s.identities[id] = next
	return nil
}

// Credentials.

func (s *Store) CodeExists(ctx context.Context, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.codes[credential.NormalizeCode(code)]
	return ok, nil
}

func (s *Store) Create(ctx context.Context, c credential.Credential) error {
	return s.CreateBatch(ctx, []credential.Credential{c})
}

func (s *Store) CreateBatch(ctx context.Context, cs []credential.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(cs))
	for _, c := range cs {
		code := credential.NormalizeCode(c.Code)
		if _, ok := s.codes[code]; ok {
			return credential.ErrDuplicateCode
		}
		if _, ok := seen[code]; ok {
			return credential.ErrDuplicateCode
		}
		seen[code] = struct{}{}
	}
	for _, c := range cs {
		c.Code = credential.NormalizeCode(c.Code)
		s.credentials[c.ID] = cloneCredential(c)
		s.codes[c.Code] = c.ID
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (credential.Credential, error) {
	if err := ctx.Err(); err != nil {
		return credential.Credential{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return credential.Credential{}, credential.ErrNotFound
	}
	return cloneCredential(c), nil
}

func (s *Store) GetByCode(ctx context.Context, code string) (credential.Credential, error) {
	if err := ctx.Err(); err != nil {
		return credential.Credential{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.codes[credential.NormalizeCode(code)]
	if !ok {
		return credential.Credential{}, credential.ErrNotFound
	}
	return cloneCredential(s.credentials[id]), nil
}

// Redeem performs the validity checks, the credential transition and the
// grant attach under one lock acquisition.
func (s *Store) Redeem(ctx context.Context, in credential.RedeemRecord) (credential.Credential, identity.Grant, error) {
	if err := ctx.Err(); err != nil {
		return credential.Credential{}, identity.Grant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	who, ok := s.identities[in.IdentityID]
	if !ok {
		return credential.Credential{}, identity.Grant{}, identity.ErrNotFound
	}
	credID, ok := s.codes[credential.NormalizeCode(in.Code)]
	if !ok {
		return credential.Credential{}, identity.Grant{}, credential.ErrNotFound
	}
	if identity.HasCapability(who, identity.CapabilityCreateOrganization) {
		return credential.Credential{}, identity.Grant{}, credential.ErrAlreadyGranted
	}
	c := cloneCredential(s.credentials[credID])
	if err := c.Check(in.Now); err != nil {
		return credential.Credential{}, identity.Grant{}, err
	}

	g := identity.Grant{CredentialID: c.ID, GrantedAt: in.Now}
	nextWho := cloneIdentity(who)
	if err := identity.AttachGrant(&nextWho, g); err != nil {
		return credential.Credential{}, identity.Grant{}, err
	}
	c.Redemption = &credential.Redemption{IdentityID: in.IdentityID, RedeemedAt: in.Now}

	s.credentials[c.ID] = c
	s.identities[who.ID] = nextWho
	return cloneCredential(c), g, nil
}

func (s *Store) Deactivate(ctx context.Context, id string) (credential.Credential, error) {
	if err := ctx.Err(); err != nil {
		return credential.Credential{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return credential.Credential{}, credential.ErrNotFound
	}
	if c.Used() {
		return credential.Credential{}, credential.ErrAlreadyUsed
	}
	c.Active = false
	s.credentials[id] = c
	return cloneCredential(c), nil
}

func (s *Store) Stats(ctx context.Context, now time.Time) (credential.Stats, error) {
	if err := ctx.Err(); err != nil {
		return credential.Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var st credential.Stats
	for _, c := range s.credentials {
		st.Add(c, now)
	}
	return st, nil
}

// Organizations.

func (s *Store) CreateOrganization(ctx context.Context, o org.Organization) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[o.ID] = cloneOrganization(o)
	return nil
}

func (s *Store) GetOrganization(ctx context.Context, id string) (org.Organization, error) {
	if err := ctx.Err(); err != nil {
		return org.Organization{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return org.Organization{}, org.ErrNotFound
	}
	return cloneOrganization(o), nil
}

func (s *Store) UpdateOrganization(ctx context.Context, o org.Organization) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orgs[o.ID]
	if !ok {
		return org.ErrNotFound
	}
	if cur.Revision != o.Revision {
		return org.ErrModified
	}
	next := cloneOrganization(o)
	next.Revision++
	s.orgs[o.ID] = next
	return nil
}

func (s *Store) DeleteOrganization(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[id]; !ok {
		return org.ErrNotFound
	}
	delete(s.orgs, id)
	return nil
}

func (s *Store) DeleteOrganizationsByOwner(ctx context.Context, ownerID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, o := range s.orgs {
		if o.OwnerID == ownerID {
			delete(s.orgs, id)
			n++
		}
	}
	return n, nil
}

// Credentials returns every credential ordered by creation time.
func (s *Store) Credentials() []credential.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]credential.Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		out = append(out, cloneCredential(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneIdentity(i identity.Identity) identity.Identity {
	if i.Grant != nil {
		g := *i.Grant
		i.Grant = &g
	}
	i.Profile = cloneSealed(i.Profile)
	if i.RefreshTokens != nil {
		i.RefreshTokens = append([]string(nil), i.RefreshTokens...)
	}
	return i
}

func cloneCredential(c credential.Credential) credential.Credential {
	if c.Redemption != nil {
		r := *c.Redemption
		c.Redemption = &r
	}
	return c
}

func cloneOrganization(o org.Organization) org.Organization {
	o.Basic = cloneSealed(o.Basic)
	o.Legal = cloneSealed(o.Legal)
	o.Contact = cloneSealed(o.Contact)
	o.Financial = cloneSealed(o.Financial)
	o.Extra = cloneSealed(o.Extra)
	if o.Programs != nil {
		o.Programs = append([]fieldcodec.Blob(nil), o.Programs...)
	}
	return o
}

func cloneSealed(s fieldcodec.Sealed) fieldcodec.Sealed {
	if s == nil {
		return nil
	}
	out := make(fieldcodec.Sealed, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

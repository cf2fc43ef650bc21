package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"orgpass.org/internal/apperr"
	"orgpass.org/internal/fieldcodec"
	"orgpass.org/internal/ids"
)

const (
	minPasswordLen = 8
	maxEmailLen    = 254
)

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) error
}

// Service implements identity registration, profile access and deletion.
type Service struct {
	store      Store
	codec      fieldcodec.Encrypter
	hasher     PasswordHasher
	dependents Dependents
	now        func() time.Time
	rand       io.Reader
}

// Option configures Service behavior.
type Option func(*Service) error

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn == nil {
			return errors.New("identity: clock is nil")
		}
		s.now = fn
		return nil
	}
}

// WithDependents registers the records removed before an identity is deleted.
func WithDependents(d Dependents) Option {
	return func(s *Service) error {
		s.dependents = d
		return nil
	}
}

// WithRandom overrides the source used for refresh tokens.
func WithRandom(r io.Reader) Option {
	return func(s *Service) error {
		if r == nil {
			return errors.New("identity: random source is nil")
		}
		s.rand = r
		return nil
	}
}

// NewService constructs an identity service.
func NewService(store Store, codec fieldcodec.Encrypter, hasher PasswordHasher, opts ...Option) (*Service, error) {
	if store == nil || codec == nil || hasher == nil {
		return nil, errors.New("identity: store, codec and hasher are required")
	}
	s := &Service{
		store:  store,
		codec:  codec,
		hasher: hasher,
		now:    func() time.Time { return time.Now().UTC() },
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RegisterInput describes a new identity.
type RegisterInput struct {
	Email       string
	Password    string
	AccountType AccountType
	Profile     Profile
}

// Register creates an active identity with a sealed profile.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Identity, error) {
	email := NormalizeEmail(in.Email)
	if email == "" || len(email) > maxEmailLen || !strings.Contains(email, "@") {
		return Identity{}, apperr.Validation("email is invalid")
	}
	if len(in.Password) < minPasswordLen {
		return Identity{}, apperr.Validation("password must be at least %d characters", minPasswordLen)
	}
	accountType := in.AccountType
	if accountType == "" {
		accountType = AccountIndividual
	}
	if !accountType.Valid() {
		return Identity{}, apperr.Validation("unknown account type %q", in.AccountType)
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return Identity{}, apperr.Internal(fmt.Errorf("hash password: %w", err))
	}
	profile, err := s.codec.SealBundle(in.Profile.bundle())
	if err != nil {
		return Identity{}, apperr.Internal(err)
	}
	now := s.now()
	id := Identity{
		ID:           ids.NewAt(now),
		Email:        email,
		PasswordHash: hash,
		AccountType:  accountType,
		Profile:      profile,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateIdentity(ctx, id); err != nil {
		return Identity{}, apperr.Op("identity.register", err)
	}
	return id, nil
}

// Authenticate verifies an email and password pair.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Identity, error) {
	id, err := s.store.GetIdentityByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Identity{}, ErrInvalidCredentials
		}
		return Identity{}, apperr.Op("identity.authenticate", err)
	}
	if err := s.hasher.Verify(id.PasswordHash, password); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	if !id.Active {
		return Identity{}, ErrInactive
	}
	return id, nil
}

// Get returns the identity with the given id.
func (s *Service) Get(ctx context.Context, id string) (Identity, error) {
	out, err := s.store.GetIdentity(ctx, strings.TrimSpace(id))
	if err != nil {
		return Identity{}, apperr.Op("identity.get", err)
	}
	return out, nil
}

// Profile decodes the profile of an identity. Fields that cannot be decoded
// are omitted and listed in degraded.
func (s *Service) Profile(ctx context.Context, id string) (Profile, []string, error) {
	out, err := s.Get(ctx, id)
	if err != nil {
		return Profile{}, nil, err
	}
	b, degraded := s.codec.OpenGroup("profile", out.Profile)
	return profileFromBundle(b), degraded, nil
}

// UpdateProfile overlays patch onto the stored profile. Degraded fields
// that are not part of the patch keep their stored blob.
func (s *Service) UpdateProfile(ctx context.Context, id string, patch Profile) (Profile, []string, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return Profile{}, nil, err
	}
	opened, degraded := s.codec.OpenGroup("profile", current.Profile)
	merged := profileFromBundle(opened).Merge(patch)

	sealed := make(fieldcodec.Sealed, len(current.Profile))
	patchFields := patch.bundle()
	for name, value := range merged.bundle() {
		if value == "" {
			continue
		}
		if opened[name] == value && patchFields[name] == "" {
			sealed[name] = current.Profile[name]
			continue
		}
		blob, err := s.codec.Encode(value)
		if err != nil {
			return Profile{}, nil, apperr.Internal(err)
		}
		sealed[name] = blob
	}
	var stillDegraded []string
	for _, name := range degraded {
		if patchFields[name] != "" {
			continue
		}
		sealed[name] = current.Profile[name]
		stillDegraded = append(stillDegraded, name)
	}
	if err := s.store.UpdateProfile(ctx, current.ID, sealed, s.now()); err != nil {
		return Profile{}, nil, apperr.Op("identity.update_profile", err)
	}
	return merged, stillDegraded, nil
}

// Deactivate marks the identity inactive. Inactive identities cannot
// authenticate.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	return apperr.Op("identity.deactivate", s.store.SetActive(ctx, strings.TrimSpace(id), false, s.now()))
}

// Delete removes the identity's dependents and then the identity. If the
// second step fails the returned error is a *CascadeError.
func (s *Service) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if _, err := s.store.GetIdentity(ctx, id); err != nil {
		return apperr.Op("identity.delete", err)
	}
	removed := 0
	if s.dependents != nil {
		n, err := s.dependents.DeleteByOwner(ctx, id)
		if err != nil {
			return apperr.Op("identity.delete", fmt.Errorf("delete dependents: %w", err))
		}
		removed = n
	}
	if err := s.store.DeleteIdentity(ctx, id); err != nil {
		return apperr.Op("identity.delete", &CascadeError{IdentityID: id, Removed: removed, Err: err})
	}
	return nil
}

// IssueRefreshToken creates and remembers a new opaque refresh token.
func (s *Service) IssueRefreshToken(ctx context.Context, identityID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return "", apperr.Internal(fmt.Errorf("read token entropy: %w", err))
	}
	token := identityID + "." + base64.RawURLEncoding.EncodeToString(buf)
	if err := s.store.AddRefreshToken(ctx, identityID, hashToken(token)); err != nil {
		return "", apperr.Op("identity.issue_refresh", err)
	}
	return token, nil
}

// RotateRefreshToken consumes token and issues a replacement.
func (s *Service) RotateRefreshToken(ctx context.Context, token string) (Identity, string, error) {
	id, err := s.consumeRefreshToken(ctx, token)
	if err != nil {
		return Identity{}, "", err
	}
	if !id.Active {
		return Identity{}, "", ErrInactive
	}
	next, err := s.IssueRefreshToken(ctx, id.ID)
	if err != nil {
		return Identity{}, "", err
	}
	return id, next, nil
}

// RevokeRefreshToken forgets token. Revoking an unknown token is an error.
func (s *Service) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := s.consumeRefreshToken(ctx, token)
	return err
}

func (s *Service) consumeRefreshToken(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	identityID, _, ok := strings.Cut(token, ".")
	if !ok || identityID == "" {
		return Identity{}, ErrInvalidToken
	}
	id, err := s.store.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, apperr.Op("identity.refresh", err)
	}
	found, err := s.store.RemoveRefreshToken(ctx, identityID, hashToken(token))
	if err != nil {
		return Identity{}, apperr.Op("identity.refresh", err)
	}
	if !found {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

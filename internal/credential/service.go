package credential

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"orgpass.org/internal/apperr"
	"orgpass.org/internal/identity"
	"orgpass.org/internal/ids"
	"orgpass.org/internal/obs"
)

const (
	maxDescriptionLen = 255
	maxCodeAttempts   = 64
)

// Service implements credential issuance, redemption and reporting.
type Service struct {
	store Store
	now   func() time.Time
	codes io.Reader
}

// Option configures Service behavior.
type Option func(*Service) error

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn == nil {
			return errors.New("credential: clock is nil")
		}
		s.now = fn
		return nil
	}
}

// WithCodeSource overrides the random source used to generate codes.
func WithCodeSource(r io.Reader) Option {
	return func(s *Service) error {
		if r == nil {
			return errors.New("credential: code source is nil")
		}
		s.codes = r
		return nil
	}
}

// NewService constructs a credential service.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("credential: store is required")
	}
	s := &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		codes: rand.Reader,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// IssueInput describes a single credential.
type IssueInput struct {
	ExpiresAt   time.Time
	Description string
	IssuedBy    string
	// Code is optional. When empty a fresh code is generated.
	Code string
}

// Issue creates one credential.
func (s *Service) Issue(ctx context.Context, in IssueInput) (Credential, error) {
	now := s.now()
	description, err := s.validateCommon(in.ExpiresAt, in.Description, in.IssuedBy, now)
	if err != nil {
		return Credential{}, err
	}
	var code string
	if strings.TrimSpace(in.Code) != "" {
		code = NormalizeCode(in.Code)
		if !ValidCode(code) {
			return Credential{}, ErrInvalidCode
		}
		exists, err := s.store.CodeExists(ctx, code)
		if err != nil {
			return Credential{}, apperr.Op("credential.issue", err)
		}
		if exists {
			return Credential{}, ErrDuplicateCode
		}
	} else {
		code, err = s.freshCode(ctx, nil)
		if err != nil {
			return Credential{}, apperr.Op("credential.issue", err)
		}
	}
	c := Credential{
		ID:          ids.NewAt(now),
		Code:        code,
		ExpiresAt:   in.ExpiresAt.UTC(),
		IssuedBy:    in.IssuedBy,
		Active:      true,
		Description: description,
		CreatedAt:   now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return Credential{}, apperr.Op("credential.issue", err)
	}
	obs.RecordIssued(1)
	return c, nil
}

// BatchInput describes a batch of credentials sharing expiry and issuer.
type BatchInput struct {
	Count       int
	ExpiresAt   time.Time
	Description string
	IssuedBy    string
}

// IssueBatch creates Count credentials with mutually distinct fresh codes.
// Either all of them are persisted or none.
func (s *Service) IssueBatch(ctx context.Context, in BatchInput) ([]Credential, error) {
	if in.Count < 1 || in.Count > MaxBatch {
		return nil, ErrInvalidCount
	}
	now := s.now()
	base, err := s.validateCommon(in.ExpiresAt, in.Description, in.IssuedBy, now)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]struct{}, in.Count)
	out := make([]Credential, 0, in.Count)
	for i := 1; i <= in.Count; i++ {
		code, err := s.freshCode(ctx, taken)
		if err != nil {
			return nil, apperr.Op("credential.issue_batch", err)
		}
		taken[code] = struct{}{}
		out = append(out, Credential{
			ID:          ids.NewAt(now),
			Code:        code,
			ExpiresAt:   in.ExpiresAt.UTC(),
			IssuedBy:    in.IssuedBy,
			Active:      true,
			Description: batchLabel(base, i, in.Count),
			CreatedAt:   now,
		})
	}
	if err := s.store.CreateBatch(ctx, out); err != nil {
		return nil, apperr.Op("credential.issue_batch", err)
	}
	obs.RecordIssued(len(out))
	return out, nil
}

func batchLabel(base string, i, n int) string {
	if base == "" {
		return fmt.Sprintf("Batch code %d", i)
	}
	return fmt.Sprintf("%s (%d/%d)", base, i, n)
}

// RedeemResult is returned by a successful redemption.
type RedeemResult struct {
	Credential Credential
	Grant      identity.Grant
}

// Redeem consumes code on behalf of identityID and grants the identity the
// capability to create organizations. At most one caller succeeds per code.
func (s *Service) Redeem(ctx context.Context, identityID, code string) (RedeemResult, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		obs.RecordRedemption(apperr.CodeOf(ErrInvalidCode))
		return RedeemResult{}, ErrInvalidCode
	}
	c, g, err := s.store.Redeem(ctx, RedeemRecord{
		Code:       code,
		IdentityID: strings.TrimSpace(identityID),
		Now:        s.now(),
	})
	if err != nil {
		obs.RecordRedemption(apperr.CodeOf(err))
		return RedeemResult{}, apperr.Op("credential.redeem", err)
	}
	obs.RecordRedemption("success")
	return RedeemResult{Credential: c, Grant: g}, nil
}

// Validate reports whether code could be redeemed now without consuming it.
// A nil error means the code is currently usable.
func (s *Service) Validate(ctx context.Context, code string) (Credential, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return Credential{}, ErrInvalidCode
	}
	c, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return Credential{}, apperr.Op("credential.validate", err)
	}
	return c, c.Check(s.now())
}

// Get returns the credential with the given id.
func (s *Service) Get(ctx context.Context, id string) (Credential, error) {
	c, err := s.store.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return Credential{}, apperr.Op("credential.get", err)
	}
	return c, nil
}

// Deactivate prevents an unredeemed credential from being used. A redeemed
// credential is terminal and fails with ErrAlreadyUsed.
func (s *Service) Deactivate(ctx context.Context, id string) (Credential, error) {
	c, err := s.store.Deactivate(ctx, strings.TrimSpace(id))
	if err != nil {
		return Credential{}, apperr.Op("credential.deactivate", err)
	}
	return c, nil
}

// Stats counts credentials against a single instant.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st, err := s.store.Stats(ctx, s.now())
	if err != nil {
		return Stats{}, apperr.Op("credential.stats", err)
	}
	return st, nil
}

func (s *Service) validateCommon(expiresAt time.Time, description, issuedBy string, now time.Time) (string, error) {
	if expiresAt.IsZero() || !expiresAt.After(now) {
		return "", ErrInvalidExpiry
	}
	if strings.TrimSpace(issuedBy) == "" {
		return "", apperr.Validation("issuer is required")
	}
	description = strings.TrimSpace(description)
	if len(description) > maxDescriptionLen {
		return "", apperr.Validation("description must be at most %d characters", maxDescriptionLen)
	}
	return description, nil
}

// freshCode draws codes until one is unused in the store and absent from
// taken. Uniqueness is only advisory until the code is persisted.
func (s *Service) freshCode(ctx context.Context, taken map[string]struct{}) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := ids.Code(s.codes, CodeLength)
		if err != nil {
			return "", apperr.Internal(fmt.Errorf("generate code: %w", err))
		}
		if _, dup := taken[code]; dup {
			continue
		}
		exists, err := s.store.CodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", apperr.Internal(errors.New("could not find a free code"))
}

package auth

import (
	"context"
	"errors"
	"strings"

	"orgpass.org/internal/apperr"
	"orgpass.org/internal/identity"
)

// Request is the state shared by the stages of a guard chain. Stages read
// what earlier stages resolved and add to it.
type Request struct {
	Bearer     string
	ResourceID string
	Identity   *identity.Identity
	Resource   any
}

// Stage is one check of a guard chain.
type Stage interface {
	Check(ctx context.Context, r *Request) error
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, r *Request) error

func (f StageFunc) Check(ctx context.Context, r *Request) error { return f(ctx, r) }

// Chain runs stages left to right. The first failing stage stops the chain
// and its error is returned unchanged.
type Chain []Stage

// NewChain composes stages.
func NewChain(stages ...Stage) Chain { return Chain(stages) }

// Then returns a new chain with more stages appended.
func (c Chain) Then(stages ...Stage) Chain {
	out := make(Chain, 0, len(c)+len(stages))
	out = append(out, c...)
	return append(out, stages...)
}

// Run executes the chain against r.
func (c Chain) Run(ctx context.Context, r *Request) error {
	for _, st := range c {
		if err := st.Check(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// TokenParser verifies bearer tokens.
type TokenParser interface {
	Parse(token string) (*Claims, error)
}

// IdentitySource loads identities by id.
type IdentitySource interface {
	Get(ctx context.Context, id string) (identity.Identity, error)
}

// RequireAuthenticated resolves the bearer token to an active identity.
func RequireAuthenticated(tokens TokenParser, identities IdentitySource) Stage {
	return StageFunc(func(ctx context.Context, r *Request) error {
		if strings.TrimSpace(r.Bearer) == "" {
			return ErrMissingToken
		}
		claims, err := tokens.Parse(r.Bearer)
		if err != nil {
			return ErrInvalidToken
		}
		id, err := identities.Get(ctx, claims.Subject)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return ErrUnknownIdentity
			}
			return err
		}
		if !id.Active {
			return ErrUnknownIdentity
		}
		r.Identity = &id
		return nil
	})
}

// RequireAdmin passes only administrators.
func RequireAdmin() Stage {
	return StageFunc(func(ctx context.Context, r *Request) error {
		if r.Identity == nil {
			return ErrMissingToken
		}
		if !r.Identity.IsAdmin() {
			return ErrAdminRequired
		}
		return nil
	})
}

// RequireCapability passes identities holding c.
func RequireCapability(c identity.Capability) Stage {
	return StageFunc(func(ctx context.Context, r *Request) error {
		if r.Identity == nil {
			return ErrMissingToken
		}
		if !identity.HasCapability(*r.Identity, c) {
			return ErrCapabilityRequired
		}
		return nil
	})
}

// Owned is a resource with a single owning identity.
type Owned interface {
	Owner() string
}

// RequireOwnerOrAdmin loads the resource named by Request.ResourceID and
// passes its owner and administrators. The loaded resource is stored in
// Request.Resource.
func RequireOwnerOrAdmin[T Owned](lookup func(ctx context.Context, id string) (T, error)) Stage {
	return StageFunc(func(ctx context.Context, r *Request) error {
		if r.Identity == nil {
			return ErrMissingToken
		}
		res, err := lookup(ctx, r.ResourceID)
		if err != nil {
			return err
		}
		if !r.Identity.IsAdmin() && res.Owner() != r.Identity.ID {
			return ErrNotOwner
		}
		r.Resource = res
		return nil
	})
}

// ResourceAs returns the resource resolved by RequireOwnerOrAdmin as T.
func ResourceAs[T any](r *Request) (T, bool) {
	v, ok := r.Resource.(T)
	return v, ok
}

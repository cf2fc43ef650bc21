package auth

import (
	"context"

	"orgpass.org/internal/identity"
)

type identityContextKey struct{}
type tokenContextKey struct{}
type resourceContextKey struct{}

// ContextWithIdentity attaches the authenticated identity to the context.
func ContextWithIdentity(ctx context.Context, id identity.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// IdentityFromContext extracts the authenticated identity from the context.
func IdentityFromContext(ctx context.Context) (identity.Identity, bool) {
	if ctx == nil {
		return identity.Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*identity.Identity)
	if !ok || v == nil {
		return identity.Identity{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// ContextWithResource stores a resource resolved by the guard chain.
func ContextWithResource(ctx context.Context, resource any) context.Context {
	if resource == nil {
		return ctx
	}
	return context.WithValue(ctx, resourceContextKey{}, resource)
}

// ResourceFromContext returns the resource resolved by the guard chain as T.
func ResourceFromContext[T any](ctx context.Context) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(resourceContextKey{}).(T)
	if !ok {
		return zero, false
	}
	return v, true
}

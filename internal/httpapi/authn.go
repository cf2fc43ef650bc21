package httpapi

import (
	"net/http"
	"strings"

	"orgpass.org/internal/audit"
	"orgpass.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

type guardedHandler func(w http.ResponseWriter, r *http.Request, req *auth.Request)

// guard runs chain before h. The resolved identity and resource are passed
// to h and attached to the request context.
func (a *API) guard(chain auth.Chain, h guardedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractBearerToken(r.Header.Get(authHeader))
		if !ok {
			writeDomainError(w, r, auth.ErrInvalidToken)
			return
		}
		req := &auth.Request{Bearer: token, ResourceID: r.PathValue("id")}
		if err := chain.Run(r.Context(), req); err != nil {
			writeDomainError(w, r, err)
			return
		}
		ctx := auth.ContextWithToken(r.Context(), token)
		if req.Identity != nil {
			ctx = auth.ContextWithIdentity(ctx, *req.Identity)
			ctx = audit.WithActor(ctx, req.Identity.ID)
		}
		ctx = auth.ContextWithResource(ctx, req.Resource)
		h(w, r.WithContext(ctx), req)
	})
}

// extractBearerToken returns the token of a Bearer authorization header.
// An empty header yields an empty token; any other scheme is rejected.
func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", true
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", false
	}
	return strings.TrimSpace(header[len(bearer):]), true
}

package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"orgpass.org/internal/apperr"
	"orgpass.org/internal/audit"
	"orgpass.org/internal/auth"
	"orgpass.org/internal/credential"
	"orgpass.org/internal/events"
	"orgpass.org/internal/identity"
)

type issueCredentialRequest struct {
	Code        string    `json:"code"`
	ExpiresAt   time.Time `json:"expires_at"`
	Description string    `json:"description"`
}

type issueBatchRequest struct {
	Count       int       `json:"count"`
	ExpiresAt   time.Time `json:"expires_at"`
	Description string    `json:"description"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type credentialView struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	ExpiresAt   time.Time  `json:"expires_at"`
	IssuedBy    string     `json:"issued_by"`
	Active      bool       `json:"active"`
	Used        bool       `json:"used"`
	RedeemedBy  string     `json:"redeemed_by,omitempty"`
	RedeemedAt  *time.Time `json:"redeemed_at,omitempty"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
}

func newCredentialView(c credential.Credential) credentialView {
	v := credentialView{
		ID:          c.ID,
		Code:        c.Code,
		ExpiresAt:   c.ExpiresAt,
		IssuedBy:    c.IssuedBy,
		Active:      c.Active,
		Used:        c.Used(),
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
	}
	if c.Redemption != nil {
		at := c.Redemption.RedeemedAt
		v.RedeemedBy = c.Redemption.IdentityID
		v.RedeemedAt = &at
	}
	return v
}

func (a *API) handleIssueCredential(w http.ResponseWriter, r *http.Request, req *auth.Request) {
	var body issueCredentialRequest
	if !a.decode(w, r, &body) {
		return
	}
	c, err := a.credentials.Issue(r.Context(), credential.IssueInput{
		Code:        body.Code,
		ExpiresAt:   body.ExpiresAt,
		Description: body.Description,
		IssuedBy:    req.Identity.ID,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	a.publish(r, events.CredentialIssued, c.ID)
	_ = audit.LogEvent(r.Context(), "credential.issued", map[string]any{
		"credential_id": c.ID,
		"expires_at":    c.ExpiresAt.Format(time.RFC3339),
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/credentials/%s", c.ID))
	writeJSON(w, http.StatusCreated, newCredentialView(c))
}

func (a *API) handleIssueBatch(w http.ResponseWriter, r *http.Request, req *auth.Request) {
	var body issueBatchRequest
	if !a.decode(w, r, &body) {
		return
	}
	cs, err := a.credentials.IssueBatch(r.Context(), credential.BatchInput{
		Count:       body.Count,
		ExpiresAt:   body.ExpiresAt,
		Description: body.Description,
		IssuedBy:    req.Identity.ID,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	items := make([]credentialView, 0, len(cs))
	for _, c := range cs {
		items = append(items, newCredentialView(c))
	}
	for _, c := range cs {
		a.publish(r, events.CredentialIssued, c.ID)
	}
	_ = audit.LogEvent(r.Context(), "credential.batch_issued", map[string]any{"count": len(cs)})
	writeJSON(w, http.StatusCreated, map[string]any{"items": items})
}

func (a *API) handleGetCredential(w http.ResponseWriter, r *http.Request, req *auth.Request) {
	c, err := a.credentials.Get(r.Context(), req.ResourceID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCredentialView(c))
}

func (a *API) handleDeactivateCredential(w http.ResponseWriter, r *http.Request, req *auth.Request) {
	c, err := a.credentials.Deactivate(r.Context(), req.ResourceID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	a.publish(r, events.CredentialDeactivated, c.ID)
	_ = audit.LogEvent(r.Context(), "credential.deactivated", map[string]any{"credential_id": c.ID})
	writeJSON(w, http.StatusOK, newCredentialView(c))
}

func (a *API) handleCredentialStats(w http.ResponseWriter, r *http.Request, _ *auth.Request) {
	st, err := a.credentials.Stats(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleCheckCredential reports whether a code is currently redeemable.
// A code that exists but cannot be used is a normal answer, not an error.
func (a *API) handleCheckCredential(w http.ResponseWriter, r *http.Request, _ *auth.Request) {
	var body codeRequest
	if !a.decode(w, r, &body) {
		return
	}
	c, err := a.credentials.Validate(r.Context(), body.Code)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"code": c.Code, "valid": true, "expires_at": c.ExpiresAt})
	case errors.Is(err, credential.ErrExpired), errors.Is(err, credential.ErrAlreadyUsed), errors.Is(err, credential.ErrInactive):
		writeJSON(w, http.StatusOK, map[string]any{"code": c.Code, "valid": false, "reason": apperr.CodeOf(err)})
	default:
		writeDomainError(w, r, err)
	}
}

func (a *API) handleRedeem(w http.ResponseWriter, r *http.Request, req *auth.Request) {
	if ok, wait := a.redeemLimit.allow(req.Identity.ID); !ok {
		tooManyRequests(w, r, wait)
		return
	}
	var body codeRequest
	if !a.decode(w, r, &body) {
		return
	}
	res, err := a.credentials.Redeem(r.Context(), req.Identity.ID, body.Code)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "credential.redeem_failed", map[string]any{"reason": apperr.CodeOf(err)})
		writeDomainError(w, r, err)
		return
	}
	a.publish(r, events.CredentialRedeemed, res.Credential.ID)
	_ = audit.LogEvent(r.Context(), "credential.redeemed", map[string]any{"credential_id": res.Credential.ID})
	writeJSON(w, http.StatusOK, map[string]any{
		"credential_id": res.Credential.ID,
		"capability":    string(identity.CapabilityCreateOrganization),
		"grant":         grantView{CredentialID: res.Grant.CredentialID, GrantedAt: res.Grant.GrantedAt},
	})
}

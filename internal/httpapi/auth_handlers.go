package httpapi

import (
	"net/http"
	"strings"
	"time"

	"orgpass.org/internal/apperr"
	"orgpass.org/internal/audit"
	"orgpass.org/internal/auth"
	"orgpass.org/internal/events"
	"orgpass.org/internal/identity"
)

type registerRequest struct {
	Email       string           `json:"email"`
	Password    string           `json:"password"`
	AccountType string           `json:"account_type"`
	Profile     identity.Profile `json:"profile"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
}

type grantView struct {
	CredentialID string    `json:"credential_id"`
	GrantedAt    time.Time `json:"granted_at"`
}

type identityView struct {
	ID           string            `json:"id"`
	Email        string            `json:"email"`
	AccountType  string            `json:"account_type"`
	Active       bool              `json:"active"`
	Capabilities []string          `json:"capabilities"`
	Grant        *grantView        `json:"grant,omitempty"`
	Profile      *identity.Profile `json:"profile,omitempty"`
	Degraded     []string          `json:"degraded,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

var errAdminSelfRegister = apperr.New(apperr.ErrValidation, "invalid_account_type", "admin accounts cannot self-register")

func newIdentityView(id identity.Identity) identityView {
	v := identityView{
		ID:           id.ID,
		Email:        id.Email,
		AccountType:  string(id.AccountType),
		Active:       id.Active,
		Capabilities: []string{},
		CreatedAt:    id.CreatedAt,
	}
	if identity.HasCapability(id, identity.CapabilityCreateOrganization) {
		v.Capabilities = append(v.Capabilities, string(identity.CapabilityCreateOrganization))
	}
	if id.Grant != nil {
		v.Grant = &grantView{CredentialID: id.Grant.CredentialID, GrantedAt: id.Grant.GrantedAt}
	}
	return v
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.decode(w, r, &req) {
		return
	}
	accountType := identity.AccountType(strings.ToLower(strings.TrimSpace(req.AccountType)))
	if accountType == identity.AccountAdmin {
		writeDomainError(w, r, errAdminSelfRegister)
		return
	}
	id, err := a.identities.Register(r.Context(), identity.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		AccountType: accountType,
		Profile:     req.Profile,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(audit.WithActor(r.Context(), id.ID), "identity.registered", map[string]any{
		"identity_id":  id.ID,
		"account_type": string(id.AccountType),
	})
	w.Header().Set("Location", "/v1/me")
	writeJSON(w, http.StatusCreated, newIdentityView(id))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decode(w, r, &req) {
		return
	}
	id, err := a.identities.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	resp, err := a.issueTokens(r, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(audit.WithActor(r.Context(), id.ID), "auth.login", nil)
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !a.decode(w, r, &req) {
		return
	}
	id, refresh, err := a.identities.RotateRefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	access, expires, err := a.tokens.Issue(id.ID, string(id.AccountType))
	if err != nil {
		writeDomainError(w, r, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresAt:    expires,
		RefreshToken: refresh,
	})
}

func (a *API) issueTokens(r *http.Request, id identity.Identity) (tokenResponse, error) {
	access, expires, err := a.tokens.Issue(id.ID, string(id.AccountType))
	if err != nil {
		return tokenResponse{}, apperr.Internal(err)
	}
	refresh, err := a.identities.IssueRefreshToken(r.Context(), id.ID)
	if err != nil {
		return tokenResponse{}, err
	}
	return tokenResponse{AccessToken: access, TokenType: "Bearer", ExpiresAt: expires, RefreshToken: refresh}, nil
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request, req *auth.Request) {
	var body refreshRequest
	if !a.decode(w, r, &body) {
		return
	}
	owner, _, _ := strings.Cut(strings.TrimSpace(body.RefreshToken), ".")
	if owner != req.Identity.ID {
		writeDomainError(w, r, identity.ErrInvalidToken)
		return
	}
	if err := a.identities.RevokeRefreshToken(r.Context(), body.RefreshToken); err != nil {
		writeDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request, req *auth.Request) {
	profile, degraded, err := a.identities.Profile(r.Context(), req.Identity.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	v := newIdentityView(*req.Identity)
	v.Profile = &profile
	v.Degraded = degraded
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handleUpdateProfile(w http.ResponseWriter, r *http.Request, req *auth.Request) {
	var patch identity.Profile
	if !a.decode(w, r, &patch) {
		return
	}
	profile, degraded, err := a.identities.UpdateProfile(r.Context(), req.Identity.ID, patch)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.profile_updated", nil)
	v := newIdentityView(*req.Identity)
	v.Profile = &profile
	v.Degraded = degraded
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handleDeactivateIdentity(w http.ResponseWriter, r *http.Request, req *auth.Request) {
	if err := a.identities.Deactivate(r.Context(), req.ResourceID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.deactivated", map[string]any{"identity_id": req.ResourceID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteIdentity(w http.ResponseWriter, r *http.Request, req *auth.Request) {
	if err := a.identities.Delete(r.Context(), req.ResourceID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	a.publish(r, events.IdentityDeleted, req.ResourceID)
	_ = audit.LogEvent(r.Context(), "identity.deleted", map[string]any{"identity_id": req.ResourceID})
	w.WriteHeader(http.StatusNoContent)
}

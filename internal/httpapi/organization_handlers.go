package httpapi

import (
	"fmt"
	"net/http"

	"orgpass.org/internal/audit"
	"orgpass.org/internal/auth"
	"orgpass.org/internal/events"
	"orgpass.org/internal/org"
)

type createOrganizationRequest struct {
	Name    string      `json:"name"`
	Public  bool        `json:"public"`
	Details org.Details `json:"details"`
}

type updateOrganizationRequest struct {
	Name      *string            `json:"name"`
	Public    *bool              `json:"public"`
	Basic     *org.BasicInfo     `json:"basic"`
	Legal     *org.LegalInfo     `json:"legal"`
	Contact   *org.ContactInfo   `json:"contact"`
	Financial *org.FinancialInfo `json:"financial"`
	Programs  *[]string          `json:"programs"`
	Extra     map[string]string  `json:"extra"`
}

type statusRequest struct {
	Status string `json:"status"`
}

func (a *API) handleCreateOrganization(w http.ResponseWriter, r *http.Request, req *auth.Request) {
	var body createOrganizationRequest
	if !a.decode(w, r, &body) {
		return
	}
	v, err := a.organizations.Create(r.Context(), *req.Identity, org.CreateInput{
		Name:    body.Name,
		Public:  body.Public,
		Details: body.Details,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	a.publish(r, events.OrganizationCreated, v.ID)
	_ = audit.LogEvent(r.Context(), "organization.created", map[string]any{"organization_id": v.ID})
	w.Header().Set("Location", fmt.Sprintf("/v1/organizations/%s", v.ID))
	writeJSON(w, http.StatusCreated, v)
}

func (a *API) handleGetOrganization(w http.ResponseWriter, r *http.Request, req *auth.Request) {
	v, err := a.organizations.ViewFor(r.Context(), *req.Identity, req.ResourceID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handleUpdateOrganization(w http.ResponseWriter, r *http.Request, req *auth.Request) {
	o, ok := auth.ResourceAs[org.Organization](req)
	if !ok {
		writeDomainError(w, r, org.ErrNotFound)
		return
	}
	var body updateOrganizationRequest
	if !a.decode(w, r, &body) {
		return
	}
	v, err := a.organizations.Update(r.Context(), o, org.UpdateInput{
		Name:      body.Name,
		Public:    body.Public,
		Basic:     body.Basic,
		Legal:     body.Legal,
		Contact:   body.Contact,
		Financial: body.Financial,
		Programs:  body.Programs,
		Extra:     body.Extra,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "organization.updated", map[string]any{"organization_id": v.ID})
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handleDeleteOrganization(w http.ResponseWriter, r *http.Request, req *auth.Request) {
	if err := a.organizations.Delete(r.Context(), req.ResourceID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	a.publish(r, events.OrganizationDeleted, req.ResourceID)
	_ = audit.LogEvent(r.Context(), "organization.deleted", map[string]any{"organization_id": req.ResourceID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetOrganizationStatus(w http.ResponseWriter, r *http.Request, req *auth.Request) {
	var body statusRequest
	if !a.decode(w, r, &body) {
		return
	}
	v, err := a.organizations.SetStatus(r.Context(), req.ResourceID, org.Status(body.Status))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "organization.status_changed", map[string]any{
		"organization_id": v.ID,
		"status":          string(v.Status),
	})
	writeJSON(w, http.StatusOK, v)
}

// Package httpapi exposes the identity, credential and organization
// services over JSON HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"orgpass.org/internal/auth"
	"orgpass.org/internal/credential"
	"orgpass.org/internal/events"
	"orgpass.org/internal/identity"
	"orgpass.org/internal/obs"
	"orgpass.org/internal/org"
)

const serviceName = "orgpass-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Services are the domain services served by the API.
type Services struct {
	Identities    *identity.Service
	Credentials   *credential.Service
	Organizations *org.Service
	Tokens        *auth.TokenManager
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	identities    *identity.Service
	credentials   *credential.Service
	organizations *org.Service
	tokens        *auth.TokenManager
	events        *events.Stream

	maxBodyBytes int64
	rateBurst    int
	ratePerSec   float64
	redeemLimit  *keyedLimiter
}

// Option configures the API.
type Option func(*API)

// WithRateLimit sets the per client IP token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec, a.rateBurst = perSecond, burst
		}
	}
}

// WithRedeemLimit sets how many redemption attempts one identity may make
// per minute.
func WithRedeemLimit(perMinute float64) Option {
	return func(a *API) {
		if perMinute > 0 {
			burst := int(perMinute)
			if burst < 1 {
				burst = 1
			}
			a.redeemLimit = newKeyedLimiter(rate.Limit(perMinute/60), burst)
		}
	}
}

// WithEvents publishes lifecycle events to s instead of a private stream.
func WithEvents(s *events.Stream) Option {
	return func(a *API) {
		if s != nil {
			a.events = s
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func New(rp readinessChecker, version string, svc Services, opts ...Option) *API {
	a := &API{
		mux:           http.NewServeMux(),
		readyProbe:    rp,
		version:       version,
		identities:    svc.Identities,
		credentials:   svc.Credentials,
		organizations: svc.Organizations,
		tokens:        svc.Tokens,
		events:        events.New(),
		maxBodyBytes:  1 << 20,
		rateBurst:     40,
		ratePerSec:    20,
		redeemLimit:   newKeyedLimiter(rate.Limit(5.0/60), 5),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	authenticated := auth.NewChain(auth.RequireAuthenticated(a.tokens, a.identities))
	admin := authenticated.Then(auth.RequireAdmin())
	canCreateOrg := authenticated.Then(auth.RequireCapability(identity.CapabilityCreateOrganization))
	orgOwner := authenticated.Then(auth.RequireOwnerOrAdmin(a.organizations.Get))

	// health/ready/metrics
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	// identities
	a.mux.HandleFunc("POST /v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.Handle("POST /v1/auth/logout", a.guard(authenticated, a.handleLogout))
	a.mux.Handle("GET /v1/me", a.guard(authenticated, a.handleMe))
	a.mux.Handle("PATCH /v1/me/profile", a.guard(authenticated, a.handleUpdateProfile))
	a.mux.Handle("POST /v1/identities/{id}/deactivate", a.guard(admin, a.handleDeactivateIdentity))
	a.mux.Handle("DELETE /v1/identities/{id}", a.guard(admin, a.handleDeleteIdentity))

	// credentials
	a.mux.Handle("POST /v1/credentials", a.guard(admin, a.handleIssueCredential))
	a.mux.Handle("POST /v1/credentials/batch", a.guard(admin, a.handleIssueBatch))
	a.mux.Handle("GET /v1/credentials/stats", a.guard(admin, a.handleCredentialStats))
	a.mux.Handle("GET /v1/credentials/{id}", a.guard(admin, a.handleGetCredential))
	a.mux.Handle("POST /v1/credentials/{id}/deactivate", a.guard(admin, a.handleDeactivateCredential))
	a.mux.Handle("POST /v1/credentials/check", a.guard(authenticated, a.handleCheckCredential))
	a.mux.Handle("POST /v1/credentials/redeem", a.guard(authenticated, a.handleRedeem))

	// organizations
	a.mux.Handle("POST /v1/organizations", a.guard(canCreateOrg, a.handleCreateOrganization))
	a.mux.Handle("GET /v1/organizations/{id}", a.guard(authenticated, a.handleGetOrganization))
	a.mux.Handle("PATCH /v1/organizations/{id}", a.guard(orgOwner, a.handleUpdateOrganization))
	a.mux.Handle("DELETE /v1/organizations/{id}", a.guard(orgOwner, a.handleDeleteOrganization))
	a.mux.Handle("POST /v1/organizations/{id}/status", a.guard(admin, a.handleSetOrganizationStatus))

	// admin event feed
	a.mux.Handle("GET /v1/events", a.guard(admin, a.handleEvents))
}

// Handler returns the mux wrapped in the middleware stack.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readyProbe != nil {
		if err := a.readyProbe.Check(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	reader := http.MaxBytesReader(w, r.Body, maxBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decode reads the body into dst and writes the error response on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst, a.maxBodyBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorCode(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return false
		}
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

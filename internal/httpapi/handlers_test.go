package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"orgpass.org/internal/auth"
	"orgpass.org/internal/credential"
	"orgpass.org/internal/fieldcodec"
	"orgpass.org/internal/identity"
	"orgpass.org/internal/org"
	"orgpass.org/internal/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type apiClient struct {
	t      *testing.T
	srv    *httptest.Server
	clock  *testClock
	store  *memory.Store
	tokens *auth.TokenManager
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store := memory.New()
	codec, err := fieldcodec.New(fieldcodec.Config{Keys: map[uint8][]byte{1: bytes.Repeat([]byte{3}, 32)}, ActiveVersion: 1})
	if err != nil {
		t.Fatalf("fieldcodec.New: %v", err)
	}
	orgs, err := org.NewService(store, codec, org.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("org.NewService: %v", err)
	}
	ids, err := identity.NewService(store, codec, auth.BcryptHasher{Cost: 4},
		identity.WithClock(clock.Now), identity.WithDependents(orgs))
	if err != nil {
		t.Fatalf("identity.NewService: %v", err)
	}
	creds, err := credential.NewService(store, credential.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("credential.NewService: %v", err)
	}
	tokens, err := auth.NewTokenManager("test-secret-test-secret-test-secret", auth.WithTokenClock(clock.Now), auth.WithAccessTTL(24*time.Hour))
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	opts = append([]Option{WithRateLimit(1000, 1000), WithRedeemLimit(600)}, opts...)
	api := New(ReadyProbe{}, "test", Services{
		Identities:    ids,
		Credentials:   creds,
		Organizations: orgs,
		Tokens:        tokens,
	}, opts...)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiClient{t: t, srv: srv, clock: clock, store: store, tokens: tokens}
}

func (c *apiClient) do(method, path, token string, body any) (*http.Response, map[string]any) {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(authHeader, "Bearer "+token)
	}
	resp, err := c.srv.Client().Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			c.t.Fatalf("decode %s %s response %q: %v", method, path, raw, err)
		}
	}
	return resp, out
}

func (c *apiClient) expect(method, path, token string, body any, status int) map[string]any {
	c.t.Helper()
	resp, out := c.do(method, path, token, body)
	if resp.StatusCode != status {
		c.t.Fatalf("%s %s: expected %d, got %d: %v", method, path, status, resp.StatusCode, out)
	}
	return out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// register creates an account through the API and returns an access token.
func (c *apiClient) register(email string) (string, string) {
	c.t.Helper()
	out := c.expect(http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email":    email,
		"password": "correct horse battery",
		"profile":  map[string]string{"first_name": "Ada", "city": "Almaty"},
	}, http.StatusCreated)
	login := c.expect(http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": "correct horse battery",
	}, http.StatusOK)
	return out["id"].(string), login["access_token"].(string)
}

func (c *apiClient) admin() string {
	c.t.Helper()
	hash, err := auth.BcryptHasher{Cost: 4}.Hash("admin password")
	if err != nil {
		c.t.Fatalf("hash: %v", err)
	}
	now := c.clock.Now()
	if err := c.store.CreateIdentity(context.Background(), identity.Identity{
		ID: "admin-1", Email: "root@example.org", PasswordHash: hash, AccountType: identity.AccountAdmin,
		Active: true, Profile: fieldcodec.Sealed{}, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		c.t.Fatalf("create admin: %v", err)
	}
	tok, _, err := c.tokens.Issue("admin-1", string(identity.AccountAdmin))
	if err != nil {
		c.t.Fatalf("issue admin token: %v", err)
	}
	return tok
}

func (c *apiClient) issue(adminToken, code string, ttl time.Duration) map[string]any {
	c.t.Helper()
	return c.expect(http.MethodPost, "/v1/credentials", adminToken, map[string]any{
		"code":        code,
		"expires_at":  c.clock.Now().Add(ttl),
		"description": "pilot cohort",
	}, http.StatusCreated)
}

func TestIssueRedeemCreateOrganization(t *testing.T) {
	c := newTestAPI(t)
	admin := c.admin()
	cred := c.issue(admin, "pilot001", 48*time.Hour)
	if cred["code"] != "PILOT001" || cred["issued_by"] != "admin-1" {
		t.Fatalf("unexpected credential %v", cred)
	}

	userID, user := c.register("ada@example.org")
	body := map[string]any{"name": "Open Fields", "details": map[string]any{"basic": map[string]string{"description": "seed library"}}}
	if out := c.expect(http.MethodPost, "/v1/organizations", user, body, http.StatusForbidden); errorCode(out) != "capability_required" {
		t.Fatalf("expected capability_required, got %v", out)
	}

	red := c.expect(http.MethodPost, "/v1/credentials/redeem", user, map[string]string{"code": " pilot001 "}, http.StatusOK)
	if red["credential_id"] != cred["id"] || red["capability"] != "organization.create" {
		t.Fatalf("unexpected redemption %v", red)
	}
	me := c.expect(http.MethodGet, "/v1/me", user, nil, http.StatusOK)
	if caps, _ := me["capabilities"].([]any); len(caps) != 1 {
		t.Fatalf("capability not visible on /v1/me: %v", me)
	}
	if p, _ := me["profile"].(map[string]any); p["first_name"] != "Ada" {
		t.Fatalf("profile not decoded: %v", me)
	}

	created := c.expect(http.MethodPost, "/v1/organizations", user, body, http.StatusCreated)
	orgID := created["id"].(string)
	if created["owner_id"] != userID || created["status"] != "pending" {
		t.Fatalf("unexpected organization %v", created)
	}

	_, other := c.register("grace@example.org")
	if out := c.expect(http.MethodGet, "/v1/organizations/"+orgID, other, nil, http.StatusForbidden); errorCode(out) != "organization_private" {
		t.Fatalf("expected private organization, got %v", out)
	}
	if out := c.expect(http.MethodPatch, "/v1/organizations/"+orgID, other, map[string]any{"public": true}, http.StatusForbidden); errorCode(out) != "not_owner" {
		t.Fatalf("expected not_owner, got %v", out)
	}
	c.expect(http.MethodPatch, "/v1/organizations/"+orgID, user, map[string]any{"public": true}, http.StatusOK)
	redacted := c.expect(http.MethodGet, "/v1/organizations/"+orgID, other, nil, http.StatusOK)
	if redacted["redacted"] != true || redacted["owner_id"] != nil {
		t.Fatalf("expected redacted view, got %v", redacted)
	}

	stats := c.expect(http.MethodGet, "/v1/credentials/stats", admin, nil, http.StatusOK)
	if stats["total"] != float64(1) || stats["used"] != float64(1) || stats["active"] != float64(0) {
		t.Fatalf("unexpected stats %v", stats)
	}
}

func TestRedeemErrorMapping(t *testing.T) {
	c := newTestAPI(t)
	admin := c.admin()
	c.issue(admin, "SHORT001", time.Hour)
	c.issue(admin, "TAKEN001", 48*time.Hour)
	dead := c.issue(admin, "DEAD0001", 48*time.Hour)
	c.expect(http.MethodPost, "/v1/credentials/"+dead["id"].(string)+"/deactivate", admin, nil, http.StatusOK)

	_, first := c.register("first@example.org")
	_, second := c.register("second@example.org")
	c.expect(http.MethodPost, "/v1/credentials/redeem", first, map[string]string{"code": "TAKEN001"}, http.StatusOK)
	c.clock.Advance(2 * time.Hour)

	cases := []struct {
		name   string
		token  string
		code   string
		status int
		reason string
	}{
		{"used", second, "TAKEN001", http.StatusConflict, "already_used"},
		{"expired", second, "SHORT001", http.StatusGone, "expired"},
		{"inactive", second, "DEAD0001", http.StatusConflict, "inactive"},
		{"unknown", second, "NOPE0001", http.StatusNotFound, "credential_not_found"},
		{"malformed", second, "bad-code", http.StatusBadRequest, "invalid_code"},
		{"already granted", first, "DEAD0001", http.StatusConflict, "already_granted"},
		{"admin", admin, "TAKEN001", http.StatusConflict, "already_granted"},
		{"anonymous", "", "TAKEN001", http.StatusUnauthorized, "missing_token"},
		{"forged", "not-a-token", "TAKEN001", http.StatusUnauthorized, "invalid_token"},
	}
	for _, tc := range cases {
		out := c.expect(http.MethodPost, "/v1/credentials/redeem", tc.token, map[string]string{"code": tc.code}, tc.status)
		if errorCode(out) != tc.reason {
			t.Fatalf("%s: expected reason %s, got %v", tc.name, tc.reason, out)
		}
		if out["request_id"] == nil {
			t.Fatalf("%s: error body lacks request_id", tc.name)
		}
	}
}

func TestAdminRoutesRejectOthers(t *testing.T) {
	c := newTestAPI(t)
	_, user := c.register("user@example.org")
	routes := []struct{ method, path string }{
		{http.MethodPost, "/v1/credentials"},
		{http.MethodPost, "/v1/credentials/batch"},
		{http.MethodGet, "/v1/credentials/stats"},
		{http.MethodPost, "/v1/credentials/c1/deactivate"},
		{http.MethodDelete, "/v1/identities/someone"},
	}
	for _, rt := range routes {
		if out := c.expect(rt.method, rt.path, user, map[string]any{}, http.StatusForbidden); errorCode(out) != "admin_required" {
			t.Fatalf("%s %s: expected admin_required, got %v", rt.method, rt.path, out)
		}
	}
	c.expect(http.MethodGet, "/v1/credentials/stats", "", nil, http.StatusUnauthorized)
}

func TestIssueBatchAndCheck(t *testing.T) {
	c := newTestAPI(t)
	admin := c.admin()
	out := c.expect(http.MethodPost, "/v1/credentials/batch", admin, map[string]any{
		"count": 3, "expires_at": c.clock.Now().Add(time.Hour), "description": "spring",
	}, http.StatusCreated)
	items, _ := out["items"].([]any)
	if len(items) != 3 {
		t.Fatalf("expected 3 credentials, got %v", out)
	}
	first := items[0].(map[string]any)
	if first["description"] != "spring (1/3)" {
		t.Fatalf("unexpected label %v", first["description"])
	}
	if errorCode(c.expect(http.MethodPost, "/v1/credentials/batch", admin, map[string]any{
		"count": 51, "expires_at": c.clock.Now().Add(time.Hour),
	}, http.StatusBadRequest)) != "invalid_count" {
		t.Fatal("expected invalid_count")
	}

	_, user := c.register("checker@example.org")
	ok := c.expect(http.MethodPost, "/v1/credentials/check", user, map[string]string{"code": first["code"].(string)}, http.StatusOK)
	if ok["valid"] != true {
		t.Fatalf("expected valid code, got %v", ok)
	}
	c.clock.Advance(2 * time.Hour)
	stale := c.expect(http.MethodPost, "/v1/credentials/check", user, map[string]string{"code": first["code"].(string)}, http.StatusOK)
	if stale["valid"] != false || stale["reason"] != "expired" {
		t.Fatalf("expected expired answer, got %v", stale)
	}
}

func TestRegisterAndSessionLifecycle(t *testing.T) {
	c := newTestAPI(t)
	out := c.expect(http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email": "root2@example.org", "password": "long enough password", "account_type": "admin",
	}, http.StatusBadRequest)
	if errorCode(out) != "invalid_account_type" {
		t.Fatalf("admin self-registration must fail, got %v", out)
	}

	_, user := c.register("dup@example.org")
	if errorCode(c.expect(http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email": "DUP@example.org", "password": "correct horse battery",
	}, http.StatusConflict)) != "email_taken" {
		t.Fatal("expected email_taken")
	}
	if errorCode(c.expect(http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": "dup@example.org", "password": "wrong",
	}, http.StatusUnauthorized)) != "invalid_credentials" {
		t.Fatal("expected invalid_credentials")
	}

	login := c.expect(http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": "dup@example.org", "password": "correct horse battery",
	}, http.StatusOK)
	refresh := login["refresh_token"].(string)
	rotated := c.expect(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": refresh}, http.StatusOK)
	c.expect(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": refresh}, http.StatusUnauthorized)
	c.expect(http.MethodPost, "/v1/auth/logout", user, map[string]string{"refresh_token": rotated["refresh_token"].(string)}, http.StatusNoContent)
	c.expect(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": rotated["refresh_token"].(string)}, http.StatusUnauthorized)

	patched := c.expect(http.MethodPatch, "/v1/me/profile", user, map[string]string{"city": "Astana"}, http.StatusOK)
	if p, _ := patched["profile"].(map[string]any); p["city"] != "Astana" || p["first_name"] != "Ada" {
		t.Fatalf("profile merge failed: %v", patched)
	}
	if errorCode(c.expect(http.MethodPatch, "/v1/me/profile", user, map[string]any{"unknown": 1}, http.StatusBadRequest)) != "invalid_json" {
		t.Fatal("unknown fields must be rejected")
	}
}

func TestDeleteIdentityCascades(t *testing.T) {
	c := newTestAPI(t)
	admin := c.admin()
	c.issue(admin, "CASCADE1", time.Hour)
	ownerID, owner := c.register("owner@example.org")
	c.expect(http.MethodPost, "/v1/credentials/redeem", owner, map[string]string{"code": "CASCADE1"}, http.StatusOK)
	created := c.expect(http.MethodPost, "/v1/organizations", owner, map[string]any{"name": "Short Lived"}, http.StatusCreated)

	c.expect(http.MethodDelete, "/v1/identities/"+ownerID, admin, nil, http.StatusNoContent)
	c.expect(http.MethodGet, "/v1/organizations/"+created["id"].(string), admin, nil, http.StatusNotFound)
	c.expect(http.MethodGet, "/v1/me", owner, nil, http.StatusUnauthorized)
	c.expect(http.MethodDelete, "/v1/identities/"+ownerID, admin, nil, http.StatusNotFound)
}

func TestRedeemRateLimitedPerIdentity(t *testing.T) {
	c := newTestAPI(t, WithRedeemLimit(1))
	_, user := c.register("eager@example.org")
	c.expect(http.MethodPost, "/v1/credentials/redeem", user, map[string]string{"code": "GUESS001"}, http.StatusNotFound)
	resp, out := c.do(http.MethodPost, "/v1/credentials/redeem", user, map[string]string{"code": "GUESS002"})
	if resp.StatusCode != http.StatusTooManyRequests || errorCode(out) != "rate_limited" {
		t.Fatalf("expected 429, got %d %v", resp.StatusCode, out)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	_, other := c.register("patient@example.org")
	c.expect(http.MethodPost, "/v1/credentials/redeem", other, map[string]string{"code": "GUESS003"}, http.StatusNotFound)
}

func TestHealthAndReady(t *testing.T) {
	c := newTestAPI(t)
	out := c.expect(http.MethodGet, "/healthz", "", nil, http.StatusOK)
	if out["service"] != serviceName || out["version"] != "test" {
		t.Fatalf("unexpected health body %v", out)
	}
	c.expect(http.MethodGet, "/readyz", "", nil, http.StatusOK)
}

func TestEventsFeedStreamsLifecycle(t *testing.T) {
	c := newTestAPI(t)
	admin := c.admin()
	_, user := c.register("feed@example.org")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.srv.URL+"/v1/events", nil)
	req.Header.Set(authHeader, "Bearer "+admin)
	resp, err := c.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open feed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected feed response %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	lines := bufio.NewReader(resp.Body)
	if first, _ := lines.ReadString('\n'); !strings.HasPrefix(first, ": stream started") {
		t.Fatalf("unexpected preamble %q", first)
	}

	cred := c.issue(admin, "FEED0001", time.Hour)
	c.expect(http.MethodPost, "/v1/credentials/redeem", user, map[string]string{"code": "FEED0001"}, http.StatusOK)

	var kinds []string
	for len(kinds) < 2 {
		line, err := lines.ReadString('\n')
		if err != nil {
			t.Fatalf("read feed: %v (seen %v)", err, kinds)
		}
		payload, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
		if !ok {
			continue
		}
		var evt map[string]any
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			t.Fatalf("decode event %q: %v", payload, err)
		}
		if evt["subject"] != cred["id"] {
			t.Fatalf("unexpected subject in %v", evt)
		}
		if strings.Contains(payload, "FEED0001") {
			t.Fatalf("event leaked the code: %s", payload)
		}
		kinds = append(kinds, evt["kind"].(string))
	}
	if kinds[0] != "credential.issued" || kinds[1] != "credential.redeemed" {
		t.Fatalf("unexpected event order %v", kinds)
	}

	if out := c.expect(http.MethodGet, "/v1/events", user, nil, http.StatusForbidden); errorCode(out) != "admin_required" {
		t.Fatalf("expected admin_required, got %v", out)
	}
}

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"orgpass.org/internal/apperr"
	"orgpass.org/internal/identity"
)

type fakeIdentities map[string]identity.Identity

func (f fakeIdentities) Get(ctx context.Context, id string) (identity.Identity, error) {
	v, ok := f[id]
	if !ok {
		return identity.Identity{}, identity.ErrNotFound
	}
	return v, nil
}

type doc struct {
	id    string
	owner string
}

func (d doc) Owner() string { return d.owner }

var errDocMissing = apperr.New(apperr.ErrNotFound, "doc_not_found", "doc not found")

func lookupDoc(ctx context.Context, id string) (doc, error) {
	switch id {
	case "d1":
		return doc{id: "d1", owner: "alice"}, nil
	}
	return doc{}, errDocMissing
}

func guardFixture(t *testing.T) (*TokenManager, fakeIdentities) {
	t.Helper()
	tm, err := NewTokenManager("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	ids := fakeIdentities{
		"alice":   {ID: "alice", AccountType: identity.AccountIndividual, Active: true, Grant: &identity.Grant{CredentialID: "c1"}},
		"bob":     {ID: "bob", AccountType: identity.AccountIndividual, Active: true},
		"root":    {ID: "root", AccountType: identity.AccountAdmin, Active: true},
		"retired": {ID: "retired", AccountType: identity.AccountIndividual, Active: false},
	}
	return tm, ids
}

func bearerFor(t *testing.T, tm *TokenManager, id string) string {
	t.Helper()
	tok, _, err := tm.Issue(id, "individual")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func TestRequireAuthenticated(t *testing.T) {
	tm, ids := guardFixture(t)
	stage := RequireAuthenticated(tm, ids)
	ctx := context.Background()

	r := &Request{Bearer: bearerFor(t, tm, "alice")}
	if err := stage.Check(ctx, r); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.Identity == nil || r.Identity.ID != "alice" {
		t.Fatalf("identity not resolved: %+v", r.Identity)
	}

	cases := map[string]struct {
		bearer string
		want   error
	}{
		"missing":  {"", ErrMissingToken},
		"garbage":  {"not-a-jwt", ErrInvalidToken},
		"unknown":  {bearerFor(t, tm, "ghost"), ErrUnknownIdentity},
		"inactive": {bearerFor(t, tm, "retired"), ErrUnknownIdentity},
	}
	for name, tc := range cases {
		err := stage.Check(ctx, &Request{Bearer: tc.bearer})
		if !errors.Is(err, tc.want) || !errors.Is(err, apperr.ErrUnauthenticated) {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, err)
		}
	}
}

func TestChainShortCircuits(t *testing.T) {
	tm, ids := guardFixture(t)
	var reached []string
	mark := func(name string) Stage {
		return StageFunc(func(ctx context.Context, r *Request) error {
			reached = append(reached, name)
			return nil
		})
	}
	chain := NewChain(mark("first"), RequireAuthenticated(tm, ids), RequireAdmin(), mark("handler"))

	err := chain.Run(context.Background(), &Request{Bearer: bearerFor(t, tm, "bob")})
	if !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("expected admin required, got %v", err)
	}
	if len(reached) != 1 || reached[0] != "first" {
		t.Fatalf("stages after the failure must not run: %v", reached)
	}

	reached = nil
	err = chain.Run(context.Background(), &Request{})
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("first failing stage must win, got %v", err)
	}

	reached = nil
	if err := chain.Run(context.Background(), &Request{Bearer: bearerFor(t, tm, "root")}); err != nil {
		t.Fatalf("admin chain: %v", err)
	}
	if len(reached) != 2 {
		t.Fatalf("expected both marks, got %v", reached)
	}
}

func TestRequireCapability(t *testing.T) {
	tm, ids := guardFixture(t)
	chain := NewChain(RequireAuthenticated(tm, ids)).Then(RequireCapability(identity.CapabilityCreateOrganization))
	ctx := context.Background()
	for who, want := range map[string]error{"alice": nil, "root": nil, "bob": ErrCapabilityRequired} {
		err := chain.Run(ctx, &Request{Bearer: bearerFor(t, tm, who)})
		if !errors.Is(err, want) && !(want == nil && err == nil) {
			t.Fatalf("%s: expected %v, got %v", who, want, err)
		}
	}
	if err := RequireCapability(identity.CapabilityCreateOrganization).Check(ctx, &Request{}); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("capability stage without identity must fail closed, got %v", err)
	}
}

func TestRequireOwnerOrAdmin(t *testing.T) {
	tm, ids := guardFixture(t)
	chain := NewChain(RequireAuthenticated(tm, ids), RequireOwnerOrAdmin(lookupDoc))
	ctx := context.Background()

	r := &Request{Bearer: bearerFor(t, tm, "alice"), ResourceID: "d1"}
	if err := chain.Run(ctx, r); err != nil {
		t.Fatalf("owner: %v", err)
	}
	d, ok := ResourceAs[doc](r)
	if !ok || d.id != "d1" {
		t.Fatalf("resource not stored: %+v", r.Resource)
	}

	if err := chain.Run(ctx, &Request{Bearer: bearerFor(t, tm, "root"), ResourceID: "d1"}); err != nil {
		t.Fatalf("admin: %v", err)
	}
	if err := chain.Run(ctx, &Request{Bearer: bearerFor(t, tm, "bob"), ResourceID: "d1"}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if err := chain.Run(ctx, &Request{Bearer: bearerFor(t, tm, "bob"), ResourceID: "d9"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found before ownership, got %v", err)
	}
}

func TestTokenManager(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tm, err := NewTokenManager("0123456789abcdef0123456789abcdef", WithTokenClock(clock), WithAccessTTL(time.Minute))
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	tok, exp, err := tm.Issue("alice", "individual")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %v", exp)
	}
	claims, err := tm.Parse(tok)
	if err != nil || claims.Subject != "alice" || claims.AccountType != "individual" || claims.ID == "" {
		t.Fatalf("Parse: %+v %v", claims, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := tm.Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}

	other, _ := NewTokenManager("ffffffffffffffffffffffffffffffff", WithTokenClock(clock))
	fresh, _, _ := other.Issue("alice", "individual")
	if _, err := tm.Parse(fresh); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign signature accepted: %v", err)
	}
	foreignIssuer, _ := NewTokenManager("0123456789abcdef0123456789abcdef", WithTokenClock(clock), WithIssuer("elsewhere"))
	tok2, _, _ := foreignIssuer.Issue("alice", "individual")
	if _, err := tm.Parse(tok2); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign issuer accepted: %v", err)
	}
	if _, err := NewTokenManager("short"); err == nil {
		t.Fatal("short secret accepted")
	}
	if _, _, err := tm.Issue(" ", ""); err == nil {
		t.Fatal("empty subject accepted")
	}
}

func TestBcryptHasher(t *testing.T) {
	h := BcryptHasher{Cost: 4}
	hash, err := h.Hash("correct horse")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if err := h.Verify(hash, "correct horse"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := h.Verify(hash, "battery staple"); err == nil {
		t.Fatal("wrong password accepted")
	}
	if _, err := h.Hash(""); err == nil {
		t.Fatal("empty password accepted")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := IdentityFromContext(ctx); ok {
		t.Fatal("unexpected identity")
	}
	ctx = ContextWithIdentity(ctx, identity.Identity{ID: "alice"})
	ctx = ContextWithToken(ctx, "tok")
	ctx = ContextWithResource(ctx, doc{id: "d1", owner: "alice"})
	if id, ok := IdentityFromContext(ctx); !ok || id.ID != "alice" {
		t.Fatal("identity lost")
	}
	if tok, ok := TokenFromContext(ctx); !ok || tok != "tok" {
		t.Fatal("token lost")
	}
	if d, ok := ResourceFromContext[doc](ctx); !ok || d.id != "d1" {
		t.Fatal("resource lost")
	}
	if _, ok := ResourceFromContext[string](ctx); ok {
		t.Fatal("resource type mismatch must report false")
	}
}

package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"orgpass.org/internal/credential"
	"orgpass.org/internal/fieldcodec"
	"orgpass.org/internal/identity"
	"orgpass.org/internal/org"
)

var now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func cred(id, code string) credential.Credential {
	return credential.Credential{ID: id, Code: code, ExpiresAt: now.Add(time.Hour), IssuedBy: "admin", Active: true, CreatedAt: now}
}

func TestCreateBatchIsAtomic(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Create(ctx, cred("c0", "TAKEN000")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.CreateBatch(ctx, []credential.Credential{cred("c1", "FRESH001"), cred("c2", "taken000"), cred("c3", "FRESH003")})
	if !errors.Is(err, credential.ErrDuplicateCode) {
		t.Fatalf("expected duplicate code, got %v", err)
	}
	for _, code := range []string{"FRESH001", "FRESH003"} {
		if ok, _ := s.CodeExists(ctx, code); ok {
			t.Fatalf("%s persisted from a failed batch", code)
		}
	}
	err = s.CreateBatch(ctx, []credential.Credential{cred("c4", "SAME0000"), cred("c5", "SAME0000")})
	if !errors.Is(err, credential.ErrDuplicateCode) {
		t.Fatalf("expected duplicate within batch, got %v", err)
	}
	if len(s.Credentials()) != 1 {
		t.Fatalf("expected only the first credential, got %d", len(s.Credentials()))
	}
}

func TestAttachGrantConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateIdentity(ctx, identity.Identity{ID: "u1", Email: "U1@Example.org", AccountType: identity.AccountIndividual, Active: true}); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	first := identity.Grant{CredentialID: "c1", GrantedAt: now}
	if err := s.AttachGrant(ctx, "u1", first); err != nil {
		t.Fatalf("AttachGrant: %v", err)
	}
	if err := s.AttachGrant(ctx, "u1", identity.Grant{CredentialID: "c2", GrantedAt: now.Add(time.Minute)}); !errors.Is(err, identity.ErrGrantConflict) {
		t.Fatalf("expected grant conflict, got %v", err)
	}
	got, _ := s.GetIdentity(ctx, "u1")
	if got.Grant == nil || *got.Grant != first {
		t.Fatalf("grant changed: %+v", got.Grant)
	}
	if err := s.AttachGrant(ctx, "nobody", first); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	byEmail, err := s.GetIdentityByEmail(ctx, " u1@example.ORG ")
	if err != nil || byEmail.ID != "u1" {
		t.Fatalf("email lookup must be case-insensitive: %v", err)
	}
	if err := s.CreateIdentity(ctx, identity.Identity{ID: "u2", Email: "u1@example.org"}); !errors.Is(err, identity.ErrEmailTaken) {
		t.Fatalf("expected email taken, got %v", err)
	}
}

func TestRefreshTokensBounded(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.CreateIdentity(ctx, identity.Identity{ID: "u1", Email: "u1@example.org"})
	for i := 0; i < identity.MaxRefreshTokens+3; i++ {
		if err := s.AddRefreshToken(ctx, "u1", fmt.Sprintf("h%d", i)); err != nil {
			t.Fatalf("AddRefreshToken: %v", err)
		}
	}
	got, _ := s.GetIdentity(ctx, "u1")
	if len(got.RefreshTokens) != identity.MaxRefreshTokens || got.RefreshTokens[0] != "h3" {
		t.Fatalf("unexpected token set %v", got.RefreshTokens)
	}
	if found, _ := s.RemoveRefreshToken(ctx, "u1", "h0"); found {
		t.Fatal("evicted token must not be found")
	}
	if found, _ := s.RemoveRefreshToken(ctx, "u1", "h12"); !found {
		t.Fatal("latest token must be found")
	}
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	o := org.Organization{ID: "o1", OwnerID: "u1", Name: "Acme", Basic: fieldcodec.Sealed{"website": "fc1.1.x"}}
	if err := s.CreateOrganization(ctx, o); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	o.Basic["website"] = "mutated"
	got, _ := s.GetOrganization(ctx, "o1")
	if got.Basic["website"] != "fc1.1.x" {
		t.Fatal("store must not alias caller maps")
	}
	got.Basic["website"] = "mutated"
	again, _ := s.GetOrganization(ctx, "o1")
	if again.Basic["website"] != "fc1.1.x" {
		t.Fatal("store must not hand out internal maps")
	}
}

func TestDeleteOrganizationsByOwner(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i, owner := range []string{"u1", "u1", "u2"} {
		_ = s.CreateOrganization(ctx, org.Organization{ID: fmt.Sprintf("o%d", i), OwnerID: owner, Name: "n"})
	}
	n, err := s.DeleteOrganizationsByOwner(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("DeleteOrganizationsByOwner = %d, %v", n, err)
	}
	if _, err := s.GetOrganization(ctx, "o2"); err != nil {
		t.Fatalf("other owner's organization removed: %v", err)
	}
	if err := s.DeleteOrganization(ctx, "o0"); !errors.Is(err, org.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.Redeem(ctx, credential.RedeemRecord{Code: "ABCDEFGH", IdentityID: "u1", Now: now})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

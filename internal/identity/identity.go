// Package identity models registered users, their account kinds and the
// capability grant unlocked by redeeming a credential.
package identity

import (
	"strings"
	"time"

	"orgpass.org/internal/fieldcodec"
)

// AccountType is the kind of account an identity holds.
type AccountType string

const (
	AccountIndividual   AccountType = "individual"
	AccountOrganization AccountType = "organization"
	AccountAdmin        AccountType = "admin"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountIndividual, AccountOrganization, AccountAdmin:
		return true
	}
	return false
}

// Grant records that a credential was redeemed by the identity.
// Once present it is never removed.
type Grant struct {
	CredentialID string
	GrantedAt    time.Time
}

// MaxRefreshTokens bounds the refresh tokens kept per identity. The oldest
// token is evicted when a new one would exceed the bound.
const MaxRefreshTokens = 10

// Identity is a registered user.
type Identity struct {
	ID            string
	Email         string
	PasswordHash  string
	AccountType   AccountType
	Grant         *Grant
	Profile       fieldcodec.Sealed
	Active        bool
	RefreshTokens []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsAdmin reports whether the identity is an administrator.
func (i Identity) IsAdmin() bool { return i.AccountType == AccountAdmin }

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AttachGrant sets the grant on id. A second attach fails with
// ErrGrantConflict and leaves the existing grant untouched.
func AttachGrant(id *Identity, g Grant) error {
	if id.Grant != nil {
		return ErrGrantConflict
	}
	id.Grant = &g
	id.UpdatedAt = g.GrantedAt
	return nil
}

// PushRefreshToken appends hash keeping at most MaxRefreshTokens entries.
func PushRefreshToken(tokens []string, hash string) []string {
	out := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		if t != hash {
			out = append(out, t)
		}
	}
	out = append(out, hash)
	if over := len(out) - MaxRefreshTokens; over > 0 {
		out = out[over:]
	}
	return out
}

// DropRefreshToken removes hash from tokens, reporting whether it was present.
func DropRefreshToken(tokens []string, hash string) ([]string, bool) {
	out := tokens[:0:0]
	found := false
	for _, t := range tokens {
		if t == hash {
			found = true
			continue
		}
		out = append(out, t)
	}
	return out, found
}

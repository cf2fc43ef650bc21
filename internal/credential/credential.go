// Package credential issues single-use, time-limited codes and redeems
// them into capability grants.
package credential

import (
	"regexp"
	"strings"
	"time"
)

const (
	// CodeLength is the fixed length of every code.
	CodeLength = 8
	// MaxBatch is the largest batch IssueBatch accepts.
	MaxBatch = 50
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{8}$`)

// Redemption records who consumed a credential and when. It is set once.
type Redemption struct {
	IdentityID string
	RedeemedAt time.Time
}

// Credential is a one-time code.
type Credential struct {
	ID          string
	Code        string
	ExpiresAt   time.Time
	IssuedBy    string
	Active      bool
	Redemption  *Redemption
	Description string
	CreatedAt   time.Time
}

// Expired reports whether the credential has expired at now.
func (c Credential) Expired(now time.Time) bool { return !now.Before(c.ExpiresAt) }

// Used reports whether the credential was redeemed.
func (c Credential) Used() bool { return c.Redemption != nil }

// Usable reports whether the credential can be redeemed at now.
func (c Credential) Usable(now time.Time) bool {
	return c.Active && !c.Expired(now) && !c.Used()
}

// Check returns the single most relevant reason the credential cannot be
// redeemed at now, or nil. Expired wins over used, used over inactive.
func (c Credential) Check(now time.Time) error {
	switch {
	case c.Expired(now):
		return ErrExpired
	case c.Used():
		return ErrAlreadyUsed
	case !c.Active:
		return ErrInactive
	}
	return nil
}

// NormalizeCode trims and upper-cases a code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code is a well-formed normalized code.
func ValidCode(code string) bool { return codePattern.MatchString(code) }

// Stats summarizes all credentials at a fixed instant.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Used    int `json:"used"`
	Unused  int `json:"unused"`
}

// Add counts c into s as seen at now.
func (s *Stats) Add(c Credential, now time.Time) {
	s.Total++
	if c.Expired(now) {
		s.Expired++
	}
	if c.Used() {
		s.Used++
	} else {
		s.Unused++
	}
	if c.Usable(now) {
		s.Active++
	}
}

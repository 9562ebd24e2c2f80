package domain

import (
	"time"

	"github.com/courtsidehq/clubsession/pkg/jwtx"
)

// Identity holds the cached identity claims stored alongside the token pair.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	RoleHint    string `json:"role_hint,omitempty"` // hint only, role endpoint is authoritative
}

// SessionRecord is the client's copy of an authenticated session: the token
// pair issued by the identity provider plus the identity claims cached at
// sign-in. One replica may exist per storage scope.
type SessionRecord struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at,omitempty"` // unix seconds, 0 = not reported
	Identity     Identity `json:"identity"`
}

// WellFormed reports whether the record carries the one field nothing works
// without. A record missing its access token is never considered valid no
// matter what else it claims.
func (r *SessionRecord) WellFormed() bool {
	return r != nil && r.AccessToken != ""
}

// Unexpired reports whether the record's expiry, when known, is still in the
// future at now. Records with no known expiry pass; the remote verification
// step is what catches those going stale.
func (r *SessionRecord) Unexpired(now time.Time) bool {
	if r == nil {
		return false
	}
	exp := r.effectiveExpiry()
	if exp == 0 {
		return true
	}
	return exp > now.Unix()
}

// Valid combines WellFormed and Unexpired.
func (r *SessionRecord) Valid(now time.Time) bool {
	return r.WellFormed() && r.Unexpired(now)
}

// effectiveExpiry returns the stored expiry, falling back to the access
// token's exp claim when the provider did not report one and the token is a
// JWT. Opaque tokens yield 0 (unknown).
func (r *SessionRecord) effectiveExpiry() int64 {
	if r.ExpiresAt != 0 {
		return r.ExpiresAt
	}
	if exp, ok := jwtx.PeekExpiry(r.AccessToken); ok {
		return exp
	}
	return 0
}

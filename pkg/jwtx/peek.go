package jwtx

import (
	"github.com/golang-jwt/jwt/v5"
)

// PeekExpiry extracts the "exp" claim from an access token without verifying
// its signature. The client never holds the provider's keys, so signature
// verification stays server-side; this peek only exists to give records
// without an explicit expiry a usable one. Returns ok=false when the token
// is not a JWT or carries no exp claim.
func PeekExpiry(accessToken string) (expiresAt int64, ok bool) {
	parser := jwt.NewParser()

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return 0, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, false
	}

	return exp.Unix(), true
}

// PeekSubject extracts the "sub" claim without verifying the signature.
// Recovery cross-checks it against the record's stored identity to catch a
// spliced or corrupted record. Returns "" when absent.
func PeekSubject(accessToken string) string {
	parser := jwt.NewParser()

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return ""
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

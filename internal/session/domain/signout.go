package domain

import "time"

// SignOutFlag marks that a sign-out recently ran in this context. Clearing
// the two storage scopes is not atomic, so for a short grace window after
// the flag is set no component may re-establish authenticated state from
// storage, even if a valid-looking record is still physically present.
type SignOutFlag struct {
	Active bool
	SetAt  time.Time
}

// Suppresses reports whether recovery from storage must short-circuit to
// signed-out at now. Once the grace window has elapsed the flag no longer
// suppresses anything and should be removed by its owner.
func (f *SignOutFlag) Suppresses(now time.Time, grace time.Duration) bool {
	if f == nil || !f.Active {
		return false
	}
	return now.Sub(f.SetAt) < grace
}

// Expired reports whether the flag has outlived its grace window and can be
// cleaned up.
func (f *SignOutFlag) Expired(now time.Time, grace time.Duration) bool {
	if f == nil || !f.Active {
		return false
	}
	return now.Sub(f.SetAt) >= grace
}

package domain

import "time"

// Role is the coarse authorization tier resolved from the identity,
// independent of the session token itself.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleCoach Role = "coach"

	// RoleNone means authenticated but without an elevated role, e.g. a
	// parent or guardian account. The UI shows fewer menu items; the
	// session itself stays valid.
	RoleNone Role = ""
)

// ParseRole maps a provider-reported role string onto a known Role.
// Unknown strings collapse to RoleNone rather than failing: a new role the
// provider ships before this client updates must not break sign-in.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin:
		return RoleAdmin
	case RoleCoach:
		return RoleCoach
	default:
		return RoleNone
	}
}

// Elevated reports whether the role unlocks privileged UI.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleCoach
}

// RoleEntry is a cached role check result.
type RoleEntry struct {
	Role      Role      `json:"role"`
	CheckedAt time.Time `json:"checked_at"`
}

// Fresh reports whether the entry is recent enough to trust without a new
// provider check. A stale entry may still be shown provisionally while a
// refresh runs in the background.
func (e *RoleEntry) Fresh(now time.Time, window time.Duration) bool {
	if e == nil {
		return false
	}
	return now.Sub(e.CheckedAt) < window
}

package idpclient

// IdentityResponse is returned from the GET /v1/session/identity endpoint
// when the presented access token is still accepted by the provider.
type IdentityResponse struct {
	// ID is the member's unique identifier
	ID string `json:"id"`

	// Email is the member's sign-in email
	Email string `json:"email"`

	// DisplayName is the member's display name
	DisplayName string `json:"display_name"`

	// RoleHint is an optional coarse role claim baked into the identity.
	// It is a hint only; the role endpoint is authoritative.
	RoleHint string `json:"role_hint,omitempty"`
}

// RoleResponse is returned from the GET /v1/members/{id}/role endpoint.
// An empty Role means the member is authenticated but holds no elevated
// role (e.g. a parent or guardian account).
type RoleResponse struct {
	Role string `json:"role"`
}

// signOutRequest is the body of POST /v1/session/sign-out.
type signOutRequest struct {
	// RefreshToken identifies the session chain to revoke
	RefreshToken string `json:"refresh_token"`

	// Scope is always "all-sessions": one sign-out ends every device
	Scope string `json:"scope"`
}

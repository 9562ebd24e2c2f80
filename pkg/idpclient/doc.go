/*
Package idpclient is the HTTP client for the hosted identity provider used
by the club application. It covers exactly the three calls the session
lifecycle needs:

  - CurrentIdentity: confirm the provider still accepts our access token
    and return the identity behind it.
  - SignOutAll: best-effort revocation of the session across all of the
    member's devices.
  - Role: resolve the member's authorization role (admin, coach, or none).

# Error model

The session lifecycle treats an explicit provider rejection (401/403) very
differently from a transient failure (network error, 5xx, timeout): a
rejection clears local state, a transient failure degrades gracefully. The
client makes that distinction typed:

	ident, err := client.CurrentIdentity(ctx, token)
	if idpclient.IsRejection(err) {
		// provider says the token is no longer valid
	} else if err != nil {
		// network or server trouble; keep the last-known session
	}

A 404 from the role endpoint means "member exists but holds no elevated
role" and is returned as a successful empty role, not as an error.
*/
package idpclient

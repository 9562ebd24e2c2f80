// Package store persists the session record across two key/value scopes:
// a durable scope shared by every client context of the same member (the
// sqlite driver) and a context scope owned by one running client (the
// memory driver). Redundancy is the point: when one scope is cleared or
// unavailable the other can still recover the session.
package store

import (
	"context"
	"errors"

	"github.com/courtsidehq/clubsession/pkg/idx"
)

var (
	// ErrNotFound reports an absent key.
	ErrNotFound = errors.New("store: not found")

	// ErrSerialization reports a record that could not be encoded for
	// storage. Never swallowed: the caller decides whether the write was
	// critical (session record) or advisory (role cache).
	ErrSerialization = errors.New("store: serialization failed")
)

// KeyPrefix namespaces every key this subsystem owns. Clearing is
// prefix-based rather than an enumerated list because ad hoc keys have
// historically crept into the namespace; matching the prefix catches those
// too.
const KeyPrefix = "clubsession/"

// Logical key names.
const (
	KeySessionRecord = KeyPrefix + "session-record"
	KeyAuthMarker    = KeyPrefix + "authenticated-marker"
	KeyLastRefresh   = KeyPrefix + "last-refresh-at"

	// Sign-out flag keys live in the context scope only and survive the
	// prefix clear; they are removed by their own grace-window expiry.
	KeySignOutFlag   = KeyPrefix + "signed-out-flag"
	KeySignOutFlagAt = KeyPrefix + "signed-out-flag-timestamp"
)

// RoleCacheKey returns the durable-scope key mirroring a member's cached
// role check.
func RoleCacheKey(memberID string) string {
	return KeyPrefix + "role-cache:" + memberID
}

// Scope is a single key/value namespace. Implementations: drivers/sqlite
// (durable, shared across contexts) and drivers/memory (context-local).
type Scope interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes key=value, recording this scope's origin for change
	// attribution.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Change is one journaled mutation in a versioned scope.
type Change struct {
	Generation int64
	Key        string
	Op         string // "set" or "delete"
	Origin     idx.ID
}

// VersionedScope is a Scope that journals mutations so other contexts can
// watch for them. The sqlite driver implements this; the memory driver does
// too so the watcher is testable without a database.
type VersionedScope interface {
	Scope

	// Generation returns the latest journal generation, 0 when empty.
	Generation(ctx context.Context) (int64, error)

	// ChangesSince returns journaled changes with generation > gen, in
	// order.
	ChangesSince(ctx context.Context, gen int64) ([]Change, error)
}

package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/courtsidehq/clubsession/internal/session/domain"
	"github.com/courtsidehq/clubsession/internal/session/store"
)

// DefaultRoleStaleness is how long a cached role check is trusted without a
// fresh lookup. Tuned, not derived; long enough to avoid hammering the role
// endpoint on every render, short enough that a revoked role disappears
// within minutes.
const DefaultRoleStaleness = 5 * time.Minute

// RoleCache caches the authenticated member's role check. Entries live in
// memory and are mirrored to the durable scope so a fresh context can show
// a provisional role without blocking on the role endpoint. Mirror writes
// are advisory; a failed mirror only costs the next context a lookup.
type RoleCache struct {
	mu      sync.RWMutex
	entries map[string]*domain.RoleEntry

	store  *store.Store
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// RoleCacheOption configures a RoleCache.
type RoleCacheOption func(*RoleCache)

// WithRoleStaleness overrides the freshness window.
func WithRoleStaleness(window time.Duration) RoleCacheOption {
	return func(c *RoleCache) { c.window = window }
}

// WithRoleCacheClock overrides the time source (testing).
func WithRoleCacheClock(now func() time.Time) RoleCacheOption {
	return func(c *RoleCache) { c.now = now }
}

// WithRoleCacheLogger sets the logger.
func WithRoleCacheLogger(logger *slog.Logger) RoleCacheOption {
	return func(c *RoleCache) { c.logger = logger }
}

// NewRoleCache builds a cache mirrored through the given store.
func NewRoleCache(s *store.Store, opts ...RoleCacheOption) *RoleCache {
	c := &RoleCache{
		entries: make(map[string]*domain.RoleEntry),
		store:   s,
		window:  DefaultRoleStaleness,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached entry for the member, or nil. Misses fall through
// to the durable mirror, which may hold a check performed by a previous
// context.
func (c *RoleCache) Get(ctx context.Context, memberID string) *domain.RoleEntry {
	c.mu.RLock()
	entry := c.entries[memberID]
	c.mu.RUnlock()
	if entry != nil {
		return entry
	}

	mirrored, err := c.store.ReadRoleEntry(ctx, memberID)
	if err != nil {
		c.logger.Warn("role cache mirror read failed", "error", err)
		return nil
	}
	if mirrored == nil {
		return nil
	}

	c.mu.Lock()
	c.entries[memberID] = mirrored
	c.mu.Unlock()
	return mirrored
}

// Set records a role check at the current time and mirrors it durably.
func (c *RoleCache) Set(ctx context.Context, memberID string, role domain.Role) *domain.RoleEntry {
	entry := &domain.RoleEntry{
		Role:      role,
		CheckedAt: c.now(),
	}

	c.mu.Lock()
	c.entries[memberID] = entry
	c.mu.Unlock()

	if err := c.store.WriteRoleEntry(ctx, memberID, entry); err != nil {
		c.logger.Warn("role cache mirror write failed", "member_id", memberID, "error", err)
	}
	return entry
}

// Fresh reports whether the entry is recent enough to trust without a new
// lookup.
func (c *RoleCache) Fresh(entry *domain.RoleEntry) bool {
	return entry.Fresh(c.now(), c.window)
}

// Invalidate drops the member's entry from memory. The durable mirror is
// removed by the store's prefix clear during sign-out.
func (c *RoleCache) Invalidate(memberID string) {
	c.mu.Lock()
	delete(c.entries, memberID)
	c.mu.Unlock()
}

package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/courtsidehq/clubsession/internal/session/domain"
	"github.com/courtsidehq/clubsession/internal/session/store"
	"github.com/courtsidehq/clubsession/pkg/broadcast"
)

// DefaultRemoteSignOutTimeout bounds the provider's all-sessions revoke so
// a slow provider never blocks the user's exit.
const DefaultRemoteSignOutTimeout = 30 * time.Second

// RemoteSessionEnder is the slice of the provider client the coordinator
// needs.
type RemoteSessionEnder interface {
	SignOutAll(ctx context.Context, refreshToken string) error
}

// Coordinator sequences sign-out so that no concurrent reader observes a
// half-cleared state as signed in:
//
//  1. flip the in-memory guard (synchronous, before any I/O),
//  2. fire the remote all-sessions revoke (advisory, bounded, not awaited),
//  3. clear both storage scopes,
//  4. write the sign-out flag with the current time,
//  5. publish the signed-out change on the bus,
//  6. invoke the landing hook unconditionally.
//
// Every failure past step 1 is logged and swallowed: leaving the member on
// an authenticated-looking page after they asked to sign out is worse than
// an imperfect clear.
type Coordinator struct {
	guard    *atomic.Bool
	provider RemoteSessionEnder
	store    *store.Store
	cache    *RoleCache
	bus      *broadcast.Bus

	landing       func()
	remoteTimeout time.Duration
	logger        *slog.Logger

	// remote tracks the in-flight revoke goroutine so tests and shutdown
	// can wait for it.
	remote sync.WaitGroup
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRemoteTimeout overrides the revoke call bound.
func WithRemoteTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.remoteTimeout = timeout }
}

// WithLandingHook sets the hook invoked once sign-out has run; in the web
// client this is the redirect to the signed-out landing page.
func WithLandingHook(hook func()) CoordinatorOption {
	return func(c *Coordinator) { c.landing = hook }
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator builds a Coordinator. guard is shared with the lifecycle
// controller: once set, any recovery check in this context short-circuits
// to signed-out.
func NewCoordinator(
	guard *atomic.Bool,
	provider RemoteSessionEnder,
	s *store.Store,
	cache *RoleCache,
	bus *broadcast.Bus,
	opts ...CoordinatorOption,
) *Coordinator {
	c := &Coordinator{
		guard:         guard,
		provider:      provider,
		store:         s,
		cache:         cache,
		bus:           bus,
		landing:       func() {},
		remoteTimeout: DefaultRemoteSignOutTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SignOut runs the full protocol. rec is the session being ended; a nil rec
// still clears local state and lands, it just skips the remote revoke.
func (c *Coordinator) SignOut(ctx context.Context, rec *domain.SessionRecord) {
	c.guard.Store(true)

	if rec != nil && rec.RefreshToken != "" {
		refreshToken := rec.RefreshToken
		c.remote.Add(1)
		go func() {
			defer c.remote.Done()

			revokeCtx, cancel := context.WithTimeout(context.Background(), c.remoteTimeout)
			defer cancel()

			if err := c.provider.SignOutAll(revokeCtx, refreshToken); err != nil {
				c.logger.Warn("remote sign-out failed", "error", err)
			}
		}()
	}

	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("storage clear during sign-out failed", "error", err)
	}
	if rec != nil {
		c.cache.Invalidate(rec.Identity.ID)
	}

	if err := c.store.SetSignOutFlag(ctx); err != nil {
		c.logger.Error("sign-out flag write failed", "error", err)
	}

	c.bus.Publish(broadcast.StateChange{Authenticated: false})

	c.landing()
}

// WaitRemote blocks until any in-flight remote revoke has finished. Used by
// application shutdown and tests; SignOut itself never waits on it.
func (c *Coordinator) WaitRemote() {
	c.remote.Wait()
}

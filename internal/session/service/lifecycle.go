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
	"github.com/courtsidehq/clubsession/pkg/idpclient"
	"github.com/courtsidehq/clubsession/pkg/jwtx"
)

// Lifecycle policy defaults. The grace window must outlast the slowest
// expected clear-then-land sequence; the recheck interval is a low-frequency
// poll, not a tight loop.
const (
	DefaultGraceWindow     = 10 * time.Second
	DefaultVerifyTimeout   = 5 * time.Second
	DefaultRecheckInterval = 30 * time.Second
)

// State is the controller's lifecycle state.
type State int

const (
	StateUnknown State = iota
	StateRecovering
	StateAuthenticated
	StateSigningOut
	StateSignedOut
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateRecovering:
		return "recovering"
	case StateAuthenticated:
		return "authenticated"
	case StateSigningOut:
		return "signing-out"
	case StateSignedOut:
		return "signed-out"
	case StateExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// Snapshot is what the controller exposes to consumers: the state plus the
// resolved identity and role. RoleResolved distinguishes "no elevated role"
// from "role lookup still pending"; consumers gate privileged views on it.
type Snapshot struct {
	State        State
	Identity     *domain.Identity
	Role         domain.Role
	RoleResolved bool
}

// IdentityVerifier is the slice of the provider client the controller needs
// to confirm a recovered token is still accepted server-side.
type IdentityVerifier interface {
	CurrentIdentity(ctx context.Context, accessToken string) (*idpclient.IdentityResponse, error)
}

// Controller is the top-level session lifecycle state machine. One instance
// exists per client context. Consumers read Snapshot and subscribe for
// changes; cross-context storage changes, same-context bus events, explicit
// sign-out and the periodic recheck all funnel into it.
type Controller struct {
	store    *store.Store
	verifier IdentityVerifier
	roles    *RoleResolver
	cache    *RoleCache
	bus      *broadcast.Bus

	// guard is shared with the sign-out coordinator. Once set, recovery
	// short-circuits to signed-out, so a network response resolving after
	// sign-out began can never resurrect an authenticated state.
	guard       *atomic.Bool
	coordinator *Coordinator

	graceWindow     time.Duration
	verifyTimeout   time.Duration
	recheckInterval time.Duration
	logger          *slog.Logger
	now             func() time.Time

	// active mirrors context visibility; the periodic recheck only runs
	// while set.
	active atomic.Bool

	mu       sync.Mutex
	snapshot Snapshot
	subs     map[int]chan Snapshot
	nextSub  int
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithGraceWindow overrides the sign-out grace window.
func WithGraceWindow(window time.Duration) ControllerOption {
	return func(c *Controller) { c.graceWindow = window }
}

// WithVerifyTimeout bounds the identity verification call.
func WithVerifyTimeout(timeout time.Duration) ControllerOption {
	return func(c *Controller) { c.verifyTimeout = timeout }
}

// WithRecheckInterval overrides the periodic revalidation interval.
func WithRecheckInterval(interval time.Duration) ControllerOption {
	return func(c *Controller) { c.recheckInterval = interval }
}

// WithControllerClock overrides the time source (testing).
func WithControllerClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// WithControllerLogger sets the logger.
func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// NewController wires the state machine. guard and coordinator must share
// the same atomic.Bool.
func NewController(
	s *store.Store,
	verifier IdentityVerifier,
	roles *RoleResolver,
	cache *RoleCache,
	bus *broadcast.Bus,
	guard *atomic.Bool,
	coordinator *Coordinator,
	opts ...ControllerOption,
) *Controller {
	c := &Controller{
		store:           s,
		verifier:        verifier,
		roles:           roles,
		cache:           cache,
		bus:             bus,
		guard:           guard,
		coordinator:     coordinator,
		graceWindow:     DefaultGraceWindow,
		verifyTimeout:   DefaultVerifyTimeout,
		recheckInterval: DefaultRecheckInterval,
		logger:          slog.Default(),
		now:             time.Now,
		snapshot:        Snapshot{State: StateUnknown},
		subs:            make(map[int]chan Snapshot),
	}
	c.active.Store(true)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Subscribe registers a snapshot listener. The returned cancel must be
// called on teardown.
func (c *Controller) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Snapshot, buffer)
	c.subs[id] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// SetActive mirrors context visibility. While inactive the periodic recheck
// is skipped; everything event-driven still runs.
func (c *Controller) SetActive(active bool) {
	c.active.Store(active)
}

// setSnapshot commits a new snapshot and fans it out without blocking. A
// subscriber that has fallen behind misses the intermediate state and will
// see the next one.
func (c *Controller) setSnapshot(snap Snapshot) {
	c.mu.Lock()
	c.snapshot = snap
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	c.mu.Unlock()
}

// Recover reconstructs authenticated state from storage: read, validate,
// verify against the provider, resolve the role. Called on start, on
// cross-context storage changes, and after the sign-out grace window lapses.
func (c *Controller) Recover(ctx context.Context) Snapshot {
	if c.guard.Load() {
		snap := Snapshot{State: StateSignedOut}
		c.setSnapshot(snap)
		return snap
	}

	now := c.now()

	// A sign-out just ran somewhere in this context: storage may still hold
	// a half-cleared record, so do not even read it.
	flag, err := c.store.SignOutFlag(ctx)
	if err != nil {
		c.logger.Warn("sign-out flag read failed", "error", err)
	}
	if flag.Suppresses(now, c.graceWindow) {
		snap := Snapshot{State: StateSignedOut}
		c.setSnapshot(snap)
		return snap
	}
	if flag.Expired(now, c.graceWindow) {
		if err := c.store.ClearSignOutFlag(ctx); err != nil {
			c.logger.Warn("sign-out flag cleanup failed", "error", err)
		}
	}

	c.setSnapshot(Snapshot{State: StateRecovering})

	rec, err := c.store.Read(ctx)
	if err != nil {
		c.logger.Warn("session read during recovery failed", "error", err)
	}
	if rec == nil {
		snap := Snapshot{State: StateSignedOut}
		c.setSnapshot(snap)
		return snap
	}

	if !rec.Valid(now) {
		if err := c.store.Clear(ctx); err != nil {
			c.logger.Warn("clear of expired session failed", "error", err)
		}
		c.setSnapshot(Snapshot{State: StateExpired})
		snap := Snapshot{State: StateSignedOut}
		c.setSnapshot(snap)
		return snap
	}

	// A JWT access token names its subject; a record whose stored identity
	// disagrees with its own token has been spliced or corrupted.
	if sub := jwtx.PeekSubject(rec.AccessToken); sub != "" && sub != rec.Identity.ID {
		c.logger.Warn("session record identity does not match its token",
			"record_member_id", rec.Identity.ID, "token_subject", sub)
		if err := c.store.Clear(ctx); err != nil {
			c.logger.Warn("clear of mismatched session failed", "error", err)
		}
		snap := Snapshot{State: StateSignedOut}
		c.setSnapshot(snap)
		return snap
	}

	identity := rec.Identity
	verifyCtx, cancel := context.WithTimeout(ctx, c.verifyTimeout)
	resp, err := c.verifier.CurrentIdentity(verifyCtx, rec.AccessToken)
	cancel()
	switch {
	case err == nil:
		identity = domain.Identity{
			ID:          resp.ID,
			Email:       resp.Email,
			DisplayName: resp.DisplayName,
			RoleHint:    resp.RoleHint,
		}
	case idpclient.IsRejection(err):
		// The provider is the source of truth: it no longer accepts the
		// token, so the local copy is dead weight.
		if err := c.store.Clear(ctx); err != nil {
			c.logger.Warn("clear of rejected session failed", "error", err)
		}
		snap := Snapshot{State: StateSignedOut}
		c.setSnapshot(snap)
		return snap
	default:
		// Transient failure: keep the last-known session provisionally
		// rather than signing out on a flaky network.
		c.logger.Warn("identity verification failed transiently", "error", err)
	}

	return c.commitAuthenticated(ctx, rec, identity)
}

// commitAuthenticated applies the role resolution policy and, unless a
// sign-out started meanwhile, commits the authenticated snapshot.
func (c *Controller) commitAuthenticated(ctx context.Context, rec *domain.SessionRecord, identity domain.Identity) Snapshot {
	entry := c.cache.Get(ctx, identity.ID)

	var snap Snapshot
	switch {
	case entry != nil && c.cache.Fresh(entry):
		snap = Snapshot{
			State:        StateAuthenticated,
			Identity:     &identity,
			Role:         entry.Role,
			RoleResolved: true,
		}
	case entry != nil:
		// Stale entry: show it provisionally, refresh in the background.
		snap = Snapshot{
			State:        StateAuthenticated,
			Identity:     &identity,
			Role:         entry.Role,
			RoleResolved: true,
		}
		go c.refreshRole(context.WithoutCancel(ctx), rec.AccessToken, identity)
	default:
		// No cached role at all: block before exposing role-gated UI.
		result := c.roles.Resolve(ctx, rec.AccessToken, identity.ID)
		snap = Snapshot{
			State:        StateAuthenticated,
			Identity:     &identity,
			Role:         result.Role,
			RoleResolved: true,
		}
		if result.Outcome == RoleOK && !c.guard.Load() {
			c.cache.Set(ctx, identity.ID, result.Role)
		}
	}

	// A sign-out may have started while verification or the role lookup was
	// in flight; its outcome wins.
	return c.commitGuarded(snap)
}

// commitGuarded publishes snap unless the sign-out guard is set, in which
// case signed-out wins. The guard is re-read under the snapshot lock so a
// sign-out cannot slip between the check and the commit.
func (c *Controller) commitGuarded(snap Snapshot) Snapshot {
	c.mu.Lock()
	if c.guard.Load() {
		snap = Snapshot{State: StateSignedOut}
	}
	c.snapshot = snap
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	c.mu.Unlock()
	return snap
}

// refreshRole re-resolves a stale cached role. The result is applied only
// if the member is still the authenticated one and no sign-out ran.
func (c *Controller) refreshRole(ctx context.Context, accessToken string, identity domain.Identity) {
	result := c.roles.Resolve(ctx, accessToken, identity.ID)
	if result.Outcome != RoleOK || c.guard.Load() {
		return
	}
	c.cache.Set(ctx, identity.ID, result.Role)

	c.mu.Lock()
	current := c.snapshot
	c.mu.Unlock()
	if current.State != StateAuthenticated || current.Identity == nil || current.Identity.ID != identity.ID {
		return
	}
	current.Role = result.Role
	current.RoleResolved = true
	c.setSnapshot(current)
}

// Establish records a fresh sign-in: the guard is lifted, the record is
// persisted to both scopes, same-context listeners hear about it on the
// bus, and the role is resolved.
func (c *Controller) Establish(ctx context.Context, rec *domain.SessionRecord) (Snapshot, error) {
	if err := c.store.Write(ctx, rec); err != nil {
		return c.Snapshot(), err
	}
	c.guard.Store(false)
	if err := c.store.ClearSignOutFlag(ctx); err != nil {
		c.logger.Warn("sign-out flag cleanup on sign-in failed", "error", err)
	}

	c.bus.Publish(broadcast.StateChange{
		Authenticated: true,
		IdentityID:    rec.Identity.ID,
		Email:         rec.Identity.Email,
		DisplayName:   rec.Identity.DisplayName,
	})

	return c.commitAuthenticated(ctx, rec, rec.Identity), nil
}

// SignOut hands off to the coordinator. The controller shows the signing-out
// transition and accepts no other transition until the coordinator's landing
// hook has run; the coordinator's own bus publish then confirms signed-out.
func (c *Controller) SignOut(ctx context.Context) {
	c.setSnapshot(Snapshot{State: StateSigningOut})

	rec, err := c.store.Read(ctx)
	if err != nil {
		c.logger.Warn("session read before sign-out failed", "error", err)
	}

	c.coordinator.SignOut(ctx, rec)
	c.setSnapshot(Snapshot{State: StateSignedOut})
}

// Run is the controller's event loop: cross-context storage change events,
// same-context bus events, and the periodic recheck all feed it. It returns
// when ctx is cancelled; timers and subscriptions are torn down on the way
// out.
func (c *Controller) Run(ctx context.Context, changes <-chan store.ChangeEvent) error {
	busCh, unsubscribe := c.bus.Subscribe(4)
	defer unsubscribe()

	ticker := time.NewTicker(c.recheckInterval)
	defer ticker.Stop()

	c.Recover(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			// Another context touched the session: re-run recovery from
			// scratch rather than trusting the event payload.
			c.logger.Debug("session changed in another context", "key", ev.Key, "origin", ev.Origin)
			c.Recover(ctx)

		case change, ok := <-busCh:
			if !ok {
				busCh = nil
				continue
			}
			c.applyBusChange(change)

		case <-ticker.C:
			c.periodicRecheck(ctx)
		}
	}
}

// applyBusChange is the cheap same-context path: apply the published state
// without a storage round-trip.
func (c *Controller) applyBusChange(change broadcast.StateChange) {
	if !change.Authenticated {
		c.setSnapshot(Snapshot{State: StateSignedOut})
		return
	}

	c.mu.Lock()
	current := c.snapshot
	c.mu.Unlock()
	if current.State == StateAuthenticated && current.Identity != nil && current.Identity.ID == change.IdentityID {
		return
	}

	c.setSnapshot(Snapshot{
		State: StateAuthenticated,
		Identity: &domain.Identity{
			ID:          change.IdentityID,
			Email:       change.Email,
			DisplayName: change.DisplayName,
		},
	})
}

// periodicRecheck silently revalidates expiry and refreshes a stale role
// while authenticated and the context is active.
func (c *Controller) periodicRecheck(ctx context.Context) {
	if !c.active.Load() {
		return
	}

	c.mu.Lock()
	current := c.snapshot
	c.mu.Unlock()
	if current.State != StateAuthenticated || current.Identity == nil {
		return
	}

	rec, err := c.store.Read(ctx)
	if err != nil {
		c.logger.Warn("session read during recheck failed", "error", err)
		return
	}
	if rec == nil || !rec.Valid(c.now()) {
		if rec != nil {
			if err := c.store.Clear(ctx); err != nil {
				c.logger.Warn("clear of expired session failed", "error", err)
			}
		}
		c.setSnapshot(Snapshot{State: StateSignedOut})
		return
	}

	entry := c.cache.Get(ctx, current.Identity.ID)
	if entry == nil || !c.cache.Fresh(entry) {
		go c.refreshRole(context.WithoutCancel(ctx), rec.AccessToken, *current.Identity)
	}
}

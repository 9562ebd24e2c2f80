package service_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/courtsidehq/clubsession/internal/session/domain"
	"github.com/courtsidehq/clubsession/internal/session/service"
	"github.com/courtsidehq/clubsession/internal/session/store"
	"github.com/courtsidehq/clubsession/internal/session/store/drivers/memory"
	"github.com/courtsidehq/clubsession/pkg/broadcast"
	"github.com/courtsidehq/clubsession/pkg/idpclient"
	"github.com/courtsidehq/clubsession/pkg/idx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeVerifier struct {
	mu    sync.Mutex
	calls int
	fn    func() (*idpclient.IdentityResponse, error)
}

func (f *fakeVerifier) CurrentIdentity(_ context.Context, _ string) (*idpclient.IdentityResponse, error) {
	f.mu.Lock()
	fn := f.fn
	f.calls++
	f.mu.Unlock()
	if fn == nil {
		return identityOK(), nil
	}
	return fn()
}

func (f *fakeVerifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeVerifier) respond(fn func() (*idpclient.IdentityResponse, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func identityOK() *idpclient.IdentityResponse {
	return &idpclient.IdentityResponse{
		ID:          "member-1",
		Email:       "coach@club.example",
		DisplayName: "Coach Carter",
	}
}

func rejection() (*idpclient.IdentityResponse, error) {
	return nil, &idpclient.APIError{StatusCode: http.StatusUnauthorized, Code: "invalid_token"}
}

type harness struct {
	clock       *testClock
	durable     *memory.Scope
	contextSc   *memory.Scope
	store       *store.Store
	cache       *service.RoleCache
	bus         *broadcast.Bus
	guard       *atomic.Bool
	remote      *fakeRemoteEnder
	verifier    *fakeVerifier
	roles       *fakeRoleLookup
	coordinator *service.Coordinator
	controller  *service.Controller
}

func newHarness(verifier *fakeVerifier, roles *fakeRoleLookup) *harness {
	h := &harness{
		clock:     newTestClock(),
		durable:   memory.NewScope(idx.New()),
		contextSc: memory.NewScope(idx.New()),
		bus:       broadcast.NewBus(),
		guard:     &atomic.Bool{},
		remote:    &fakeRemoteEnder{},
		verifier:  verifier,
		roles:     roles,
	}
	h.store = store.New(h.durable, h.contextSc, store.WithClock(h.clock.Now))
	h.cache = service.NewRoleCache(h.store, service.WithRoleCacheClock(h.clock.Now))
	h.coordinator = service.NewCoordinator(h.guard, h.remote, h.store, h.cache, h.bus)
	h.controller = service.NewController(
		h.store,
		h.verifier,
		service.NewRoleResolver(h.roles, fastRetryPolicy()),
		h.cache,
		h.bus,
		h.guard,
		h.coordinator,
		service.WithControllerClock(h.clock.Now),
		service.WithRecheckInterval(20*time.Millisecond),
	)
	return h
}

func (h *harness) writeSession(t *testing.T, rec *domain.SessionRecord) {
	t.Helper()
	require.NoError(t, h.store.Write(context.Background(), rec))
}

func waitForState(t *testing.T, c *service.Controller, want service.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Snapshot().State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state never became %s, stuck at %s", want, c.Snapshot().State)
}

func TestRecoverHappyPath(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeVerifier{}, &fakeRoleLookup{steps: []func(context.Context) (*idpclient.RoleResponse, error){answer("coach")}})
	h.writeSession(t, sessionRecord(h.clock))

	snap := h.controller.Recover(context.Background())
	require.Equal(t, service.StateAuthenticated, snap.State)
	require.Equal(t, "member-1", snap.Identity.ID)
	require.Equal(t, domain.RoleCoach, snap.Role)
	require.True(t, snap.RoleResolved)
	require.Equal(t, 1, h.verifier.callCount())
}

func TestRecoverAbsentRecordIsSignedOut(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeVerifier{}, &fakeRoleLookup{steps: []func(context.Context) (*idpclient.RoleResponse, error){answer("coach")}})

	snap := h.controller.Recover(context.Background())
	require.Equal(t, service.StateSignedOut, snap.State)
	require.Zero(t, h.verifier.callCount())
}

func TestRecoverExpiredRecordClearsWithoutNetworkCall(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeVerifier{}, &fakeRoleLookup{steps: []func(context.Context) (*idpclient.RoleResponse, error){answer("coach")}})

	rec := sessionRecord(h.clock)
	rec.ExpiresAt = h.clock.Now().Add(-5 * time.Minute).Unix()
	h.writeSession(t, rec)

	snap := h.controller.Recover(context.Background())
	require.Equal(t, service.StateSignedOut, snap.State)

	// Expiry short-circuits before verification; storage is cleared.
	require.Zero(t, h.verifier.callCount())
	require.Zero(t, h.roles.calls.Load())
	got, err := h.store.Read(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRecoverNetworkErrorKeepsSessionProvisionally(t *testing.T) {
	t.Parallel()

	verifier := &fakeVerifier{}
	verifier.respond(func() (*idpclient.IdentityResponse, error) {
		return nil, errors.New("connection refused")
	})
	h := newHarness(verifier, &fakeRoleLookup{steps: []func(context.Context) (*idpclient.RoleResponse, error){answer("coach")}})
	h.writeSession(t, sessionRecord(h.clock))

	snap := h.controller.Recover(context.Background())
	require.Equal(t, service.StateAuthenticated, snap.State)
	require.Equal(t, "member-1", snap.Identity.ID)

	// No clear: the record survives the flaky network.
	got, err := h.store.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestRecoverRejectionClearsAndSignsOut(t *testing.T) {
	t.Parallel()

	verifier := &fakeVerifier{}
	verifier.respond(rejection)
	h := newHarness(verifier, &fakeRoleLookup{steps: []func(context.Context) (*idpclient.RoleResponse, error){answer("coach")}})
	h.writeSession(t, sessionRecord(h.clock))

	snap := h.controller.Recover(context.Background())
	require.Equal(t, service.StateSignedOut, snap.State)

	got, err := h.store.Read(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
}

func subjectToken(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub})
	signed, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

func TestRecoverTokenSubjectMismatchClears(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeVerifier{}, &fakeRoleLookup{steps: []func(context.Context) (*idpclient.RoleResponse, error){answer("coach")}})

	// The stored identity says member-1 but the token was minted for someone
	// else: a spliced record must never be recovered.
	rec := sessionRecord(h.clock)
	rec.AccessToken = subjectToken(t, "member-2")
	h.writeSession(t, rec)

	snap := h.controller.Recover(context.Background())
	require.Equal(t, service.StateSignedOut, snap.State)
	require.Zero(t, h.verifier.callCount(), "a mismatched record must not reach the provider")

	got, err := h.store.Read(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRecoverMatchingTokenSubjectPasses(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeVerifier{}, &fakeRoleLookup{steps: []func(context.Context) (*idpclient.RoleResponse, error){answer("coach")}})

	rec := sessionRecord(h.clock)
	rec.AccessToken = subjectToken(t, "member-1")
	h.writeSession(t, rec)

	snap := h.controller.Recover(context.Background())
	require.Equal(t, service.StateAuthenticated, snap.State)
	require.Equal(t, "member-1", snap.Identity.ID)
}

func TestRecoverSignOutDuringVerificationWins(t *testing.T) {
	t.Parallel()

	verifier := &fakeVerifier{}
	h := newHarness(verifier, &fakeRoleLookup{steps: []func(context.Context) (*idpclient.RoleResponse, error){answer("coach")}})

	// The sign-out lands while the identity round-trip is in flight; the
	// verified identity arrives afterwards and must not be published.
	verifier.respond(func() (*idpclient.IdentityResponse, error) {
		h.guard.Store(true)
		return identityOK(), nil
	})

	h.writeSession(t, sessionRecord(h.clock))
	h.cache.Set(context.Background(), "member-1", domain.RoleCoach)

	snap := h.controller.Recover(context.Background())
	require.Equal(t, service.StateSignedOut, snap.State)
	require.Equal(t, service.StateSignedOut, h.controller.Snapshot().State)
}

func TestRecoverRoleTimeoutDegradesWithoutEviction(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeVerifier{}, &fakeRoleLookup{steps: []func(context.Context) (*idpclient.RoleResponse, error){nil, nil}})
	h.writeSession(t, sessionRecord(h.clock))

	snap := h.controller.Recover(context.Background())
	require.Equal(t, service.StateAuthenticated, snap.State)
	require.Equal(t, domain.RoleNone, snap.Role)
	require.True(t, snap.RoleResolved)

	// Unresolved role degrades the UI, it does not sign the member out.
	got, err := h.store.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
}

// countingScope counts session-record reads so tests can assert the grace
// window short-circuits before any record access.
type countingScope struct {
	store.Scope
	recordGets atomic.Int32
}

func (c *countingScope) Get(ctx context.Context, key string) (string, error) {
	if key == store.KeySessionRecord {
		c.recordGets.Add(1)
	}
	return c.Scope.Get(ctx, key)
}

func TestRecoverWithinGraceWindowSkipsRecordRead(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	durable := &countingScope{Scope: memory.NewScope(idx.New())}
	contextSc := &countingScope{Scope: memory.NewScope(idx.New())}
	s := store.New(durable, contextSc, store.WithClock(clock.Now))
	cache := service.NewRoleCache(s, service.WithRoleCacheClock(clock.Now))
	bus := broadcast.NewBus()
	guard := &atomic.Bool{}
	roles := &fakeRoleLookup{steps: []func(context.Context) (*idpclient.RoleResponse, error){answer("coach")}}
	coordinator := service.NewCoordinator(guard, &fakeRemoteEnder{}, s, cache, bus)
	controller := service.NewController(s, &fakeVerifier{},
		service.NewRoleResolver(roles, fastRetryPolicy()),
		cache, bus, guard, coordinator,
		service.WithControllerClock(clock.Now),
	)

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, sessionRecord(clock)))
	require.NoError(t, s.SetSignOutFlag(ctx))
	durable.recordGets.Store(0)
	contextSc.recordGets.Store(0)

	// Five seconds into the ten second window: signed out, record untouched.
	clock.Advance(5 * time.Second)
	snap := controller.Recover(ctx)
	require.Equal(t, service.StateSignedOut, snap.State)
	require.Zero(t, durable.recordGets.Load())
	require.Zero(t, contextSc.recordGets.Load())

	// Past the window: the flag is cleaned up and a normal read resumes.
	clock.Advance(6 * time.Second)
	snap = controller.Recover(ctx)
	require.Equal(t, service.StateAuthenticated, snap.State)
	require.Positive(t, durable.recordGets.Load())

	flag, err := s.SignOutFlag(ctx)
	require.NoError(t, err)
	require.False(t, flag.Active)
}

func TestInFlightRoleLookupCannotResurrectAfterSignOut(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	roles := &fakeRoleLookup{steps: []func(context.Context) (*idpclient.RoleResponse, error){
		func(context.Context) (*idpclient.RoleResponse, error) {
			once.Do(func() { close(entered) })
			<-gate
			return &idpclient.RoleResponse{Role: "coach"}, nil
		},
	}}
	h := newHarness(&fakeVerifier{}, roles)
	h.writeSession(t, sessionRecord(h.clock))

	done := make(chan service.Snapshot, 1)
	go func() { done <- h.controller.Recover(context.Background()) }()

	// Sign out while the role lookup is still in flight.
	<-entered
	h.coordinator.SignOut(context.Background(), sessionRecord(h.clock))
	close(gate)

	snap := <-done
	require.Equal(t, service.StateSignedOut, snap.State)
	require.Equal(t, service.StateSignedOut, h.controller.Snapshot().State)
}

func TestStaleCachedRoleIsProvisionalThenRefreshed(t *testing.T) {
	t.Parallel()

	roles := &fakeRoleLookup{steps: []func(context.Context) (*idpclient.RoleResponse, error){answer("admin")}}
	h := newHarness(&fakeVerifier{}, roles)
	ctx := context.Background()

	h.cache.Set(ctx, "member-1", domain.RoleCoach)
	h.clock.Advance(service.DefaultRoleStaleness + time.Second)

	rec := sessionRecord(h.clock)
	rec.ExpiresAt = h.clock.Now().Add(time.Hour).Unix()
	h.writeSession(t, rec)

	// The stale coach role shows immediately.
	snap := h.controller.Recover(ctx)
	require.Equal(t, service.StateAuthenticated, snap.State)
	require.Equal(t, domain.RoleCoach, snap.Role)

	// The background refresh lands the new admin role.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.controller.Snapshot().Role == domain.RoleAdmin {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("role never refreshed, still %s", h.controller.Snapshot().Role)
}

func TestRunBusCheapPath(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeVerifier{}, &fakeRoleLookup{steps: []func(context.Context) (*idpclient.RoleResponse, error){answer("coach")}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.controller.Run(ctx, make(chan store.ChangeEvent)) }()

	waitForState(t, h.controller, service.StateSignedOut)

	h.writeSession(t, sessionRecord(h.clock))

	// A sign-in broadcast flips state without a storage round-trip.
	h.bus.Publish(broadcast.StateChange{
		Authenticated: true,
		IdentityID:    "member-1",
		Email:         "coach@club.example",
		DisplayName:   "Coach Carter",
	})
	waitForState(t, h.controller, service.StateAuthenticated)

	h.bus.Publish(broadcast.StateChange{Authenticated: false})
	waitForState(t, h.controller, service.StateSignedOut)
}

func TestPeriodicRecheckSignsOutOnExpiry(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeVerifier{}, &fakeRoleLookup{steps: []func(context.Context) (*idpclient.RoleResponse, error){answer("coach")}})
	h.writeSession(t, sessionRecord(h.clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.controller.Run(ctx, make(chan store.ChangeEvent)) }()

	waitForState(t, h.controller, service.StateAuthenticated)

	// While the context is inactive the recheck is skipped even though the
	// record has expired.
	h.controller.SetActive(false)
	h.clock.Advance(2 * time.Hour)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, service.StateAuthenticated, h.controller.Snapshot().State)

	h.controller.SetActive(true)
	waitForState(t, h.controller, service.StateSignedOut)
}

func TestCrossContextSignOutPropagates(t *testing.T) {
	t.Parallel()

	// Both contexts share one durable scope, each with its own context
	// scope, bus and guard. The provider revokes all sessions when context
	// A signs out, so context B's re-verification is rejected.
	sharedDurable := memory.NewScope(idx.New())
	var revoked atomic.Bool

	clock := newTestClock()
	rec := sessionRecord(clock)

	build := func() (*store.Store, *service.Controller, *service.Coordinator, *service.RoleCache) {
		s := store.New(sharedDurable, memory.NewScope(idx.New()), store.WithClock(clock.Now))
		cache := service.NewRoleCache(s, service.WithRoleCacheClock(clock.Now))
		bus := broadcast.NewBus()
		guard := &atomic.Bool{}
		verifier := &fakeVerifier{}
		verifier.respond(func() (*idpclient.IdentityResponse, error) {
			if revoked.Load() {
				return rejection()
			}
			return identityOK(), nil
		})
		remote := &remoteRevoker{revoked: &revoked}
		roles := &fakeRoleLookup{steps: []func(context.Context) (*idpclient.RoleResponse, error){answer("coach")}}
		coordinator := service.NewCoordinator(guard, remote, s, cache, bus)
		controller := service.NewController(s, verifier,
			service.NewRoleResolver(roles, fastRetryPolicy()),
			cache, bus, guard, coordinator,
			service.WithControllerClock(clock.Now),
		)
		return s, controller, coordinator, cache
	}

	storeA, controllerA, coordinatorA, _ := build()
	_, controllerB, _, _ := build()

	ctx := context.Background()
	require.NoError(t, storeA.Write(ctx, rec))

	require.Equal(t, service.StateAuthenticated, controllerA.Recover(ctx).State)
	require.Equal(t, service.StateAuthenticated, controllerB.Recover(ctx).State)

	// Context B watches the shared scope under its own origin, so context
	// A's writes look foreign to it.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := store.NewWatcher(sharedDurable, idx.New(),
		[]string{store.KeySessionRecord, store.KeyAuthMarker},
		5*time.Millisecond,
		store.WithEmitLimit(rate.Inf, 1),
	)
	events := make(chan store.ChangeEvent, 8)
	go func() { _ = watcher.Run(runCtx, events) }()
	go func() { _ = controllerB.Run(runCtx, events) }()

	waitForState(t, controllerB, service.StateAuthenticated)

	// Let the watcher capture its starting generation before the sign-out
	// writes land.
	time.Sleep(30 * time.Millisecond)

	controllerA.SignOut(ctx)
	coordinatorA.WaitRemote()
	require.Equal(t, service.StateSignedOut, controllerA.Snapshot().State)

	// One recovery cycle later context B follows, no manual refresh needed.
	waitForState(t, controllerB, service.StateSignedOut)
}

// remoteRevoker flips the shared revocation flag, standing in for the
// provider's all-sessions sign-out.
type remoteRevoker struct {
	revoked *atomic.Bool
}

func (r *remoteRevoker) SignOutAll(context.Context, string) error {
	r.revoked.Store(true)
	return nil
}

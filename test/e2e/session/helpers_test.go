package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/courtsidehq/clubsession/internal/session/service"
	"github.com/courtsidehq/clubsession/internal/session/store"
	"github.com/courtsidehq/clubsession/internal/session/store/drivers/memory"
	"github.com/courtsidehq/clubsession/internal/session/store/drivers/sqlite"
	"github.com/courtsidehq/clubsession/pkg/broadcast"
	"github.com/courtsidehq/clubsession/pkg/idpclient"
	"github.com/courtsidehq/clubsession/pkg/idx"
	"github.com/stretchr/testify/require"
)

/*
 * Helpers for session lifecycle end-to-end tests: a fake identity provider
 * served over real HTTP, and full client contexts wired over a shared
 * SQLite file the way the application wires them.
 */

const (
	memberID    = "member-e2e"
	memberEmail = "coach@club.example"
	memberName  = "Coach Carter"
	accessToken = "access-e2e"
)

// fakeProvider is an in-process identity provider. Sign-out revokes the
// member's sessions globally, after which identity checks are rejected.
type fakeProvider struct {
	mu      sync.Mutex
	revoked bool
	role    string

	identityCalls atomic.Int32
	roleCalls     atomic.Int32
}

func (p *fakeProvider) setRole(role string) {
	p.mu.Lock()
	p.role = role
	p.mu.Unlock()
}

func (p *fakeProvider) isRevoked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revoked
}

func (p *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/session/identity", func(w http.ResponseWriter, r *http.Request) {
		p.identityCalls.Add(1)
		if p.isRevoked() || r.Header.Get("Authorization") != "Bearer "+accessToken {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":             "invalid_token",
				"error_description": "token revoked or unknown",
			})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":           memberID,
			"email":        memberEmail,
			"display_name": memberName,
		})
	})

	mux.HandleFunc("POST /v1/session/sign-out", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RefreshToken string `json:"refresh_token"`
			Scope        string `json:"scope"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Scope != "all-sessions" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.revoked = true
		p.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /v1/members/", func(w http.ResponseWriter, r *http.Request) {
		p.roleCalls.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/role") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		p.mu.Lock()
		role := p.role
		p.mu.Unlock()
		if role == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"role": role})
	})

	return mux
}

func startProvider(t *testing.T) (*fakeProvider, *httptest.Server) {
	t.Helper()
	provider := &fakeProvider{role: "coach"}
	server := httptest.NewServer(provider.handler())
	t.Cleanup(server.Close)
	return provider, server
}

// clientContext is one fully wired client: its own origin, context scope,
// bus and guard over the shared database file.
type clientContext struct {
	origin      idx.ID
	durable     *sqlite.Scope
	store       *store.Store
	controller  *service.Controller
	coordinator *service.Coordinator
	cancel      context.CancelFunc
}

func startContext(t *testing.T, dbPath, providerURL string) *clientContext {
	t.Helper()

	origin := idx.New()
	durable, err := sqlite.Open(dbPath, origin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = durable.Close() })
	require.NoError(t, durable.ApplyMigrations())

	s := store.New(durable, memory.NewScope(origin))
	provider := idpclient.NewClient(providerURL)
	cache := service.NewRoleCache(s)
	resolver := service.NewRoleResolver(provider,
		service.WithRoleRetryPolicy(2, time.Second, 10*time.Millisecond),
	)
	bus := broadcast.NewBus()
	guard := &atomic.Bool{}
	coordinator := service.NewCoordinator(guard, provider, s, cache, bus)
	controller := service.NewController(s, provider, resolver, cache, bus, guard, coordinator,
		service.WithRecheckInterval(50*time.Millisecond),
	)

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	watcher := store.NewWatcher(durable, origin,
		[]string{store.KeySessionRecord, store.KeyAuthMarker},
		10*time.Millisecond,
	)
	events := make(chan store.ChangeEvent, 8)
	go func() { _ = watcher.Run(runCtx, events) }()
	go func() { _ = controller.Run(runCtx, events) }()

	return &clientContext{
		origin:      origin,
		durable:     durable,
		store:       s,
		controller:  controller,
		coordinator: coordinator,
		cancel:      cancel,
	}
}

func waitForState(t *testing.T, c *service.Controller, want service.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Snapshot().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never became %s, stuck at %s", want, c.Snapshot().State)
}

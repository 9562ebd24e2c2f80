package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/courtsidehq/clubsession/internal/session/service"
	"github.com/courtsidehq/clubsession/internal/session/store"
	"github.com/courtsidehq/clubsession/internal/session/store/drivers/memory"
	"github.com/courtsidehq/clubsession/internal/session/store/drivers/sqlite"
	"github.com/courtsidehq/clubsession/pkg/broadcast"
	"github.com/courtsidehq/clubsession/pkg/cryptox"
	"github.com/courtsidehq/clubsession/pkg/idpclient"
	"github.com/courtsidehq/clubsession/pkg/idx"
	"github.com/courtsidehq/clubsession/pkg/slogx"
	"golang.org/x/time/rate"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application wires one client context: the dual-scope store over the shared
// SQLite file, the change watcher, the provider client and the lifecycle
// controller.
type Application struct {
	cfg    Config
	logger *slog.Logger
	origin idx.ID

	durable *sqlite.Scope
	store   *store.Store
	watcher *store.Watcher

	bus         *broadcast.Bus
	cache       *service.RoleCache
	coordinator *service.Coordinator
	controller  *service.Controller
}

// New creates an Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg:    cfg,
		origin: idx.New(),
		logger: slogx.New(slogx.Config{
			Service: "clubsession",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if cfg.IdentityProviderURL == "" {
		return nil, fmt.Errorf("CLUBSESSION_PROVIDER_URL is required")
	}

	// Secret for sealing the durable record at rest
	cryptox.SetSecretPath(cfg.MachineSecretFile)

	if err := app.initStorage(); err != nil {
		return nil, err
	}
	app.initLifecycle()

	return app, nil
}

// Controller exposes the lifecycle state machine to the embedding client.
func (app *Application) Controller() *service.Controller {
	return app.controller
}

// Run starts the watcher, the controller event loop and housekeeping, and
// blocks until a shutdown signal arrives.
func (app *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.logger.Info("session lifecycle starting",
		"origin", app.origin,
		"provider", app.cfg.IdentityProviderURL,
		"version", BuildVersion,
	)

	events := make(chan store.ChangeEvent, 8)

	watchErrors := make(chan error, 1)
	go func() {
		watchErrors <- app.watcher.Run(ctx, events)
	}()

	controllerErrors := make(chan error, 1)
	go func() {
		controllerErrors <- app.controller.Run(ctx, events)
	}()

	go app.housekeeping(ctx)
	go app.logTransitions(ctx)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-watchErrors:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("watcher failed: %w", err)
		}
	case err := <-controllerErrors:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("controller failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
	}

	cancel()
	return app.Shutdown()
}

// Shutdown waits for any in-flight remote sign-out and closes the database.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down session lifecycle...")

	app.coordinator.WaitRemote()

	if err := app.durable.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("session lifecycle stopped")
	return nil
}

// initStorage opens the shared durable scope, applies migrations and builds
// the dual-scope store plus its change watcher.
func (app *Application) initStorage() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	durable, err := sqlite.Open(host, app.origin)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.durable = durable

	if err := durable.ApplyMigrations(); err != nil {
		_ = durable.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}
	app.logger.Info("database migrations applied successfully")

	app.store = store.New(durable, memory.NewScope(app.origin),
		store.WithSealing(app.cfg.SealAtRest),
		store.WithLogger(slogx.WithComponent(app.logger, "store")),
	)

	app.watcher = store.NewWatcher(durable, app.origin,
		[]string{store.KeySessionRecord, store.KeyAuthMarker},
		app.cfg.WatchInterval,
		store.WithEmitLimit(rate.Every(time.Second), 2),
		store.WithWatchLogger(slogx.WithComponent(app.logger, "watcher")),
	)

	return nil
}

// initLifecycle wires the provider client, role machinery, sign-out
// coordinator and controller around the store.
func (app *Application) initLifecycle() {
	provider := idpclient.NewClient(app.cfg.IdentityProviderURL)

	app.bus = broadcast.NewBus()
	app.cache = service.NewRoleCache(app.store,
		service.WithRoleStaleness(app.cfg.RoleStaleness),
		service.WithRoleCacheLogger(slogx.WithComponent(app.logger, "rolecache")),
	)

	resolver := service.NewRoleResolver(provider,
		service.WithRoleRetryPolicy(app.cfg.RoleAttempts, app.cfg.RoleAttemptBound, app.cfg.RoleBackoffStep),
		service.WithRoleResolverLogger(slogx.WithComponent(app.logger, "roles")),
	)

	guard := &atomic.Bool{}
	app.coordinator = service.NewCoordinator(guard, provider, app.store, app.cache, app.bus,
		service.WithRemoteTimeout(app.cfg.RemoteTimeout),
		service.WithCoordinatorLogger(slogx.WithComponent(app.logger, "signout")),
	)

	app.controller = service.NewController(
		app.store,
		provider,
		resolver,
		app.cache,
		app.bus,
		guard,
		app.coordinator,
		service.WithGraceWindow(app.cfg.GraceWindow),
		service.WithVerifyTimeout(app.cfg.VerifyTimeout),
		service.WithRecheckInterval(app.cfg.RecheckInterval),
		service.WithControllerLogger(slogx.WithComponent(app.logger, "controller")),
	)
}

// logTransitions mirrors controller state changes into the log.
func (app *Application) logTransitions(ctx context.Context) {
	snapshots, unsubscribe := app.controller.Subscribe(8)
	defer unsubscribe()

	last := app.controller.Snapshot().State
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if snap.State == last {
				continue
			}
			attrs := []any{"from", last, "to", snap.State}
			if snap.Identity != nil {
				attrs = append(attrs, "member_id", snap.Identity.ID, "role", string(snap.Role))
			}
			app.logger.Info("session state changed", attrs...)
			last = snap.State
		}
	}
}

// housekeeping periodically trims the change journal; watchers only ever
// look a few generations back.
func (app *Application) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(app.cfg.HousekeepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := app.durable.PruneJournal(ctx, int64(app.cfg.JournalKeep)); err != nil {
				app.logger.Warn("journal pruning failed", "error", err)
			}
		}
	}
}

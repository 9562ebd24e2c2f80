package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/courtsidehq/clubsession/pkg/idx"
	"golang.org/x/time/rate"
)

// ChangeEvent tells a context that another context mutated a watched key in
// the shared durable scope. The receiving controller re-runs recovery from
// scratch; the event does not carry the new value on purpose.
type ChangeEvent struct {
	Key    string
	Origin idx.ID
}

// Watcher polls the durable scope's change journal and emits events for
// watched keys written by other contexts. It is the stand-in for the
// platform-native cross-context change notification: same-context updates
// travel over the broadcast bus instead and are filtered out here by origin.
type Watcher struct {
	scope    VersionedScope
	origin   idx.ID
	watched  map[string]struct{}
	interval time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithEmitLimit bounds how often change events are delivered. A writer
// thrashing a watched key must not turn into a recovery storm in every
// other context.
func WithEmitLimit(limit rate.Limit, burst int) WatcherOption {
	return func(w *Watcher) { w.limiter = rate.NewLimiter(limit, burst) }
}

// WithWatchLogger sets the logger.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// NewWatcher watches the given keys on the durable scope. origin is this
// context's id; changes it wrote itself are skipped.
func NewWatcher(scope VersionedScope, origin idx.ID, keys []string, interval time.Duration, opts ...WatcherOption) *Watcher {
	watched := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		watched[k] = struct{}{}
	}

	w := &Watcher{
		scope:    scope,
		origin:   origin,
		watched:  watched,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 2),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled, sending foreign changes to events. The
// channel is not closed on return; the caller owns it.
func (w *Watcher) Run(ctx context.Context, events chan<- ChangeEvent) error {
	lastGen, err := w.scope.Generation(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		gen, err := w.scope.Generation(ctx)
		if err != nil {
			w.logger.Warn("generation poll failed", "error", err)
			continue
		}
		if gen <= lastGen {
			continue
		}

		changes, err := w.scope.ChangesSince(ctx, lastGen)
		if err != nil {
			w.logger.Warn("change fetch failed", "error", err)
			continue
		}

		foreign := make(map[string]idx.ID)
		for _, c := range changes {
			if _, ok := w.watched[c.Key]; !ok {
				continue
			}
			if c.Origin == w.origin {
				continue
			}
			foreign[c.Key] = c.Origin
		}

		if len(foreign) == 0 {
			lastGen = gen
			continue
		}

		// Under the emit limit, leave lastGen untouched so the change is
		// retried on the next tick instead of dropped.
		if !w.limiter.Allow() {
			continue
		}

		for key, origin := range foreign {
			select {
			case events <- ChangeEvent{Key: key, Origin: origin}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastGen = gen
	}
}

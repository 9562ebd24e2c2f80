package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/courtsidehq/clubsession/internal/session/domain"
	"github.com/courtsidehq/clubsession/pkg/cryptox"
)

// sealedPrefix tags values encrypted at rest in the durable scope. Plain
// JSON values (context scope, or sealing disabled) carry no prefix.
const sealedPrefix = "enc1:"

// Store is the dual-scope persistent session store. Reads prefer the
// durable scope and fall back to the context scope; writes go to both.
type Store struct {
	durable Scope
	context Scope

	seal   bool
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithSealing enables at-rest encryption of the durable session record.
func WithSealing(enabled bool) Option {
	return func(s *Store) { s.seal = enabled }
}

// WithClock overrides the time source (testing).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New builds a Store over a durable scope and a context scope.
func New(durable, contextScope Scope, opts ...Option) *Store {
	s := &Store{
		durable: durable,
		context: contextScope,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write serializes the record and writes it to BOTH scopes, along with the
// authenticated marker and last-refresh bookkeeping keys. A serialization
// failure is returned as ErrSerialization and nothing is written; storage
// I/O errors are returned after attempting both scopes.
func (s *Store) Write(ctx context.Context, rec *domain.SessionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	durableValue := string(raw)
	if s.seal {
		sealed, err := cryptox.Seal(raw)
		if err != nil {
			return fmt.Errorf("%w: sealing: %v", ErrSerialization, err)
		}
		durableValue = sealedPrefix + base64.StdEncoding.EncodeToString(sealed)
	}

	nowMS := strconv.FormatInt(s.now().UnixMilli(), 10)

	var firstErr error
	for _, w := range []struct {
		scope Scope
		value string
	}{
		{s.durable, durableValue},
		{s.context, string(raw)},
	} {
		if err := w.scope.Set(ctx, KeySessionRecord, w.value); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("write session record: %w", err)
		}
		if err := w.scope.Set(ctx, KeyAuthMarker, "1"); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("write auth marker: %w", err)
		}
		if err := w.scope.Set(ctx, KeyLastRefresh, nowMS); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("write last-refresh-at: %w", err)
		}
	}
	return firstErr
}

// Read recovers the session record. The durable scope wins; if it is absent
// or unparsable the context scope is tried. A context-scope hit is copied
// back to the durable scope unless a sign-out flag is active. If both
// copies are corrupt they are removed (self-heal) and nil is returned.
// An absent record is (nil, nil), not an error.
func (s *Store) Read(ctx context.Context) (*domain.SessionRecord, error) {
	rec, durableCorrupt := s.readScope(ctx, s.durable, true)
	if rec != nil {
		return rec, nil
	}

	rec, contextCorrupt := s.readScope(ctx, s.context, false)
	if rec == nil {
		if durableCorrupt || contextCorrupt {
			s.healCorrupt(ctx, durableCorrupt, contextCorrupt)
		}
		return nil, nil
	}

	if durableCorrupt {
		s.healCorrupt(ctx, true, false)
	}

	// Replicate the fallback hit unless a sign-out just ran; resurrecting
	// the durable copy mid-clear would defeat the grace window.
	flag, err := s.SignOutFlag(ctx)
	if err == nil && !flag.Active {
		if err := s.Write(ctx, rec); err != nil {
			s.logger.Warn("copy-back to durable scope failed", "error", err)
		}
	}

	return rec, nil
}

// readScope returns the parsed record from one scope, or nil. corrupt is
// true when a value existed but could not be decoded.
func (s *Store) readScope(ctx context.Context, scope Scope, durable bool) (rec *domain.SessionRecord, corrupt bool) {
	value, err := scope.Get(ctx, KeySessionRecord)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("session record read failed", "durable", durable, "error", err)
		}
		return nil, false
	}

	raw := []byte(value)
	if strings.HasPrefix(value, sealedPrefix) {
		sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
		if err != nil {
			return nil, true
		}
		raw, err = cryptox.Open(sealed)
		if err != nil {
			return nil, true
		}
	}

	var parsed domain.SessionRecord
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, true
	}
	if !parsed.WellFormed() {
		// A record without an access token is as useless as garbage.
		return nil, true
	}
	return &parsed, false
}

// healCorrupt removes undecodable session record entries.
func (s *Store) healCorrupt(ctx context.Context, durable, contextScope bool) {
	if durable {
		if err := s.durable.Delete(ctx, KeySessionRecord); err != nil {
			s.logger.Warn("self-heal of durable record failed", "error", err)
		}
	}
	if contextScope {
		if err := s.context.Delete(ctx, KeySessionRecord); err != nil {
			s.logger.Warn("self-heal of context record failed", "error", err)
		}
	}
	s.logger.Info("removed corrupt session record", "durable", durable, "context", contextScope)
}

// Clear removes every key under the namespace prefix from both scopes. The
// sign-out flag keys in the context scope are skipped: the flag must
// survive the clear and is removed by its own grace-window expiry.
// Idempotent.
func (s *Store) Clear(ctx context.Context) error {
	var firstErr error

	clearScope := func(scope Scope, keepFlag bool) {
		keys, err := scope.Keys(ctx, KeyPrefix)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("list keys: %w", err)
			}
			return
		}
		for _, key := range keys {
			if keepFlag && (key == KeySignOutFlag || key == KeySignOutFlagAt) {
				continue
			}
			if err := scope.Delete(ctx, key); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("delete %s: %w", key, err)
			}
		}
	}

	clearScope(s.durable, false)
	clearScope(s.context, true)
	return firstErr
}

// SetSignOutFlag writes the sign-out flag to the context scope with the
// current time.
func (s *Store) SetSignOutFlag(ctx context.Context) error {
	if err := s.context.Set(ctx, KeySignOutFlag, "1"); err != nil {
		return fmt.Errorf("write sign-out flag: %w", err)
	}
	at := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.context.Set(ctx, KeySignOutFlagAt, at); err != nil {
		return fmt.Errorf("write sign-out flag timestamp: %w", err)
	}
	return nil
}

// SignOutFlag reads the flag from the context scope. An absent or
// unparsable flag reads as inactive.
func (s *Store) SignOutFlag(ctx context.Context) (*domain.SignOutFlag, error) {
	if _, err := s.context.Get(ctx, KeySignOutFlag); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &domain.SignOutFlag{}, nil
		}
		return nil, err
	}

	atRaw, err := s.context.Get(ctx, KeySignOutFlagAt)
	if err != nil {
		return &domain.SignOutFlag{}, nil
	}
	ms, err := strconv.ParseInt(atRaw, 10, 64)
	if err != nil {
		return &domain.SignOutFlag{}, nil
	}

	return &domain.SignOutFlag{Active: true, SetAt: time.UnixMilli(ms)}, nil
}

// ClearSignOutFlag removes the flag, used once its grace window has
// elapsed.
func (s *Store) ClearSignOutFlag(ctx context.Context) error {
	if err := s.context.Delete(ctx, KeySignOutFlag); err != nil {
		return err
	}
	return s.context.Delete(ctx, KeySignOutFlagAt)
}

// WriteRoleEntry mirrors a role check result to the durable scope. Role
// cache writes are advisory; callers may ignore the error.
func (s *Store) WriteRoleEntry(ctx context.Context, memberID string, entry *domain.RoleEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return s.durable.Set(ctx, RoleCacheKey(memberID), string(raw))
}

// ReadRoleEntry returns the mirrored role entry, or nil when absent or
// unparsable.
func (s *Store) ReadRoleEntry(ctx context.Context, memberID string) (*domain.RoleEntry, error) {
	value, err := s.durable.Get(ctx, RoleCacheKey(memberID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var entry domain.RoleEntry
	if err := json.Unmarshal([]byte(value), &entry); err != nil {
		_ = s.durable.Delete(ctx, RoleCacheKey(memberID))
		return nil, nil
	}
	return &entry, nil
}

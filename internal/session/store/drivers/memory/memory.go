// Package memory provides the in-process key/value scope. It backs the
// context scope in production and stands in for the durable scope in tests,
// where its change journal lets the watcher run without a database.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/courtsidehq/clubsession/internal/session/store"
	"github.com/courtsidehq/clubsession/pkg/idx"
)

var _ store.VersionedScope = (*Scope)(nil)

// journalCap bounds the in-process journal. Watchers only ever look a few
// generations back, so old entries are dropped rather than pruned on a
// schedule like the durable scope's.
const journalCap = 256

// Scope is a mutex-guarded map with a change journal.
type Scope struct {
	mu      sync.RWMutex
	origin  idx.ID
	values  map[string]string
	journal []store.Change
	gen     int64
}

// NewScope creates an empty scope owned by the given context origin.
func NewScope(origin idx.ID) *Scope {
	return &Scope{
		origin: origin,
		values: make(map[string]string),
	}
}

func (s *Scope) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return value, nil
}

func (s *Scope) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	s.record(key, "set")
	return nil
}

func (s *Scope) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	s.record(key, "delete")
	return nil
}

func (s *Scope) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Scope) Generation(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen, nil
}

func (s *Scope) ChangesSince(_ context.Context, gen int64) ([]store.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var changes []store.Change
	for _, c := range s.journal {
		if c.Generation > gen {
			changes = append(changes, c)
		}
	}
	return changes, nil
}

// SetAs writes a value attributed to a different origin. Test helper for
// simulating another context touching the shared scope.
func (s *Scope) SetAs(origin idx.ID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	s.gen++
	s.append(store.Change{
		Generation: s.gen,
		Key:        key,
		Op:         "set",
		Origin:     origin,
	})
}

// record appends a journal entry; caller holds the write lock.
func (s *Scope) record(key, op string) {
	s.gen++
	s.append(store.Change{
		Generation: s.gen,
		Key:        key,
		Op:         op,
		Origin:     s.origin,
	})
}

// append adds a change and drops the oldest entries past the cap; caller
// holds the write lock.
func (s *Scope) append(change store.Change) {
	s.journal = append(s.journal, change)
	if len(s.journal) > journalCap {
		s.journal = append(s.journal[:0], s.journal[len(s.journal)-journalCap:]...)
	}
}

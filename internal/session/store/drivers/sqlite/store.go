// Package sqlite provides the durable key/value scope, shared by every
// client context of the same member through a single database file.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/courtsidehq/clubsession/internal/session/store"
	"github.com/courtsidehq/clubsession/pkg/idx"
	_ "modernc.org/sqlite"
)

var _ store.VersionedScope = (*Scope)(nil)

// Scope stores keys in a kv table and journals every mutation so other
// contexts can watch for changes.
type Scope struct {
	db     *sql.DB
	origin idx.ID
	dsn    string
}

// Open opens (or creates) the database file. origin is the owning context's
// id, recorded on every mutation for change attribution. Call
// ApplyMigrations before first use.
func Open(dsn string, origin idx.ID) (*Scope, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Multiple client contexts share the file; WAL keeps readers unblocked
	// and the busy timeout absorbs writer collisions.
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA foreign_keys = ON;`,
	} {
		if _, err := db.ExecContext(context.Background(), pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &Scope{
		db:     db,
		origin: origin,
		dsn:    dsn,
	}, nil
}

func (s *Scope) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Scope) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Scope) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *Scope) Set(ctx context.Context, key, value string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now,
		); err != nil {
			return err
		}
		return s.journal(ctx, tx, key, "set", now)
	})
}

func (s *Scope) Delete(ctx context.Context, key string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		return s.journal(ctx, tx, key, "delete", time.Now().UnixMilli())
	})
}

func (s *Scope) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Scope) Generation(ctx context.Context) (int64, error) {
	var gen int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(gen), 0) FROM kv_journal`,
	).Scan(&gen)
	return gen, err
}

func (s *Scope) ChangesSince(ctx context.Context, gen int64) ([]store.Change, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT gen, key, op, origin FROM kv_journal WHERE gen > ? ORDER BY gen`, gen,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []store.Change
	for rows.Next() {
		var c store.Change
		var origin string
		if err := rows.Scan(&c.Generation, &c.Key, &c.Op, &origin); err != nil {
			return nil, err
		}
		c.Origin = idx.ID(origin)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// PruneJournal trims journal entries, keeping the newest keep rows. Called
// periodically by housekeeping; watchers only ever look a few generations
// back.
func (s *Scope) PruneJournal(ctx context.Context, keep int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_journal
		 WHERE gen <= (SELECT COALESCE(MAX(gen), 0) FROM kv_journal) - ?`,
		keep,
	)
	return err
}

func (s *Scope) journal(ctx context.Context, tx *sql.Tx, key, op string, at int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO kv_journal (key, op, origin, at) VALUES (?, ?, ?, ?)`,
		key, op, s.origin.String(), at,
	)
	return err
}

func (s *Scope) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// Package ledger is the durable, transactional record of intended
// access rules and the sessions that own them. It is the single source
// of truth: the live packet-filter state is never treated as
// authoritative over what is recorded here.
//
// Every mutation that touches both a session and its rule happens in
// one transaction, so "rule revoked" and "session ended" are never
// observably inconsistent within the ledger.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"grimm.is/warden/internal/clock"
)

// Common errors.
var (
	// ErrNotFound is returned when no matching record exists.
	ErrNotFound = errors.New("ledger: record not found")

	// ErrInactive is returned when an operation requires an active
	// record but the record has already been terminated.
	ErrInactive = errors.New("ledger: record no longer active")
)

// Store is the SQLite-backed rule ledger.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open opens (or creates) the ledger at path. Use ":memory:" for tests.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = &clock.RealClock{}
	}

	dsn := path
	if path != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}

	// A single writer avoids SQLITE_BUSY churn between the request
	// path and the background tasks.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, clock: clk}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			full_name     TEXT NOT NULL DEFAULT '',
			role          TEXT NOT NULL DEFAULT 'user',
			status        TEXT NOT NULL DEFAULT 'pending',
			confirmed     INTEGER NOT NULL DEFAULT 0,
			failed_logins INTEGER NOT NULL DEFAULT 0,
			locked_until  INTEGER,
			last_login    INTEGER,
			created_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users(id),
			address    TEXT NOT NULL,
			user_agent TEXT NOT NULL DEFAULT '',
			token      TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			active     INTEGER NOT NULL DEFAULT 1,
			ended_at   INTEGER
		);
		CREATE INDEX IF NOT EXISTS sessions_address ON sessions(address);
		CREATE INDEX IF NOT EXISTS sessions_active_expiry ON sessions(active, expires_at);

		CREATE TABLE IF NOT EXISTS rules (
			id         TEXT PRIMARY KEY,
			address    TEXT NOT NULL,
			kind       TEXT NOT NULL,
			chain      TEXT NOT NULL,
			user_id    TEXT REFERENCES users(id),
			session_id TEXT REFERENCES sessions(id),
			active     INTEGER NOT NULL DEFAULT 1,
			confirmed  INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			removed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS rules_chain_active ON rules(chain, active);
		-- At most one active whitelist rule per (address, session).
		CREATE UNIQUE INDEX IF NOT EXISTS rules_one_active_per_session
			ON rules(address, session_id)
			WHERE active = 1 AND kind = 'whitelist' AND session_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			level      TEXT NOT NULL,
			module     TEXT NOT NULL,
			message    TEXT NOT NULL,
			user_id    TEXT,
			address    TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS events_created ON events(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// BackupTo writes a consistent copy of the ledger to path using
// SQLite's VACUUM INTO.
func (s *Store) BackupTo(path string) error {
	_, err := s.db.Exec("VACUUM INTO ?", path)
	if err != nil {
		return fmt.Errorf("ledger backup: %w", err)
	}
	return nil
}

// Ping verifies the database connection, for health checks.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// now returns the current time as stored in the database: UTC, second
// precision.
func (s *Store) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Second)
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("ledger: begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit transaction: %w", err)
	}
	return nil
}

// Timestamp helpers: times are stored as unix seconds, with NULL for
// "not set".

func storeTime(t time.Time) int64 {
	return t.Unix()
}

func storeNullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func loadTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func loadNullTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// Package store is the SQLite persistence layer. A single connection with
// WAL journaling serializes all writes; callers go through retryOnBusy so
// transient lock contention never surfaces as a handler failure. The store
// never reads the wall clock on its own: every mutator stamps times from
// the injected now func, which tests replace.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/almacen/mayordomo/internal/fault"
)

const (
	schemaVersion  = 1
	schemaChecksum = "my-v1-2026-08-conversation-core"
)

// Store wraps the SQLite database. The zero value is not usable; construct
// with Open.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// SetNow overrides the store clock. Tests use this to make TTL and backoff
// arithmetic deterministic.
func (s *Store) SetNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			role TEXT NOT NULL CHECK(role IN ('user', 'assistant')),
			text TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			user_id INTEGER,
			route TEXT,
			trace_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_chat ON turns(chat_id, id);`,

		`CREATE TABLE IF NOT EXISTS indexed_lists (
			chat_id INTEGER PRIMARY KEY,
			kind TEXT NOT NULL CHECK(kind IN ('workspace-list', 'stored-files', 'web-results', 'gmail-list')),
			items_json TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS idempotency (
			chat_id INTEGER NOT NULL,
			request_id TEXT NOT NULL,
			state TEXT NOT NULL CHECK(state IN ('in_flight', 'done')),
			status_code INTEGER NOT NULL DEFAULT 0,
			body TEXT,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			PRIMARY KEY (chat_id, request_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_expiry ON idempotency(expires_at);`,

		`CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			text TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			next_attempt_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox(next_attempt_at);`,

		`CREATE TABLE IF NOT EXISTS outbox_dead_letters (
			id INTEGER PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			text TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL,
			last_error TEXT,
			created_at DATETIME NOT NULL,
			dead_at DATETIME NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			user_id INTEGER,
			title TEXT NOT NULL,
			delivery_kind TEXT NOT NULL CHECK(delivery_kind IN ('reminder', 'gmail-send', 'natural-intent')),
			delivery_payload TEXT,
			due_at DATETIME NOT NULL,
			repeat_spec TEXT,
			status TEXT NOT NULL CHECK(status IN ('pending', 'done', 'canceled')),
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			retry_after DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			completed_at DATETIME,
			canceled_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, due_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_chat ON scheduled_tasks(chat_id, created_at);`,

		`CREATE TABLE IF NOT EXISTS recipients (
			chat_id INTEGER NOT NULL,
			name_key TEXT NOT NULL,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (chat_id, name_key)
		);`,

		`CREATE TABLE IF NOT EXISTS approvals (
			code TEXT NOT NULL,
			chat_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL,
			command_line TEXT NOT NULL DEFAULT '',
			note TEXT,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			PRIMARY KEY (code)
		);`,

		`CREATE TABLE IF NOT EXISTS router_decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			text TEXT NOT NULL,
			route TEXT NOT NULL,
			stage TEXT NOT NULL,
			variant TEXT NOT NULL DEFAULT 'A',
			score REAL NOT NULL DEFAULT 0,
			runner_up TEXT,
			runner_up_score REAL NOT NULL DEFAULT 0,
			confirmed INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_router_decisions_created ON router_decisions(created_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersion, schemaChecksum,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return fault.Wrap(fault.KindTransient, err, "sqlite busy after retries")
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// Package store persists provider configurations and prompt templates in
// SQLite. The gateway is a single-writer deployment; the store opens the
// database in WAL mode with one writable connection and checkpoints the
// log periodically.
package store

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"database/sql"

	_ "modernc.org/sqlite" // SQLite driver
)

const defaultBusyTimeout = 5 * time.Second

// Store wraps the SQLite database holding provider configurations, their
// health transitions, and prompt templates.
type Store struct {
	db        *sql.DB
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
}

// Open opens (creating if needed) the database at path. ":memory:" runs
// fully in-process, which the test suite uses.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: db path cannot be empty")
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, done: make(chan struct{})}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}

	go s.checkpointLoop()

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS provider_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider_id TEXT NOT NULL,
		provider_name TEXT NOT NULL,
		provider_type TEXT NOT NULL,
		configuration TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		is_primary INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 100,
		cost_per_unit TEXT NOT NULL DEFAULT '',
		health_status TEXT NOT NULL DEFAULT 'unknown',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		updated_by TEXT NOT NULL DEFAULT '',
		UNIQUE (provider_id, provider_type)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_primary_per_type
		ON provider_configs(provider_type) WHERE is_primary = 1;
	CREATE INDEX IF NOT EXISTS idx_provider_type ON provider_configs(provider_type);
	CREATE INDEX IF NOT EXISTS idx_health_status ON provider_configs(health_status);

	CREATE TABLE IF NOT EXISTS provider_health_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider_id TEXT NOT NULL,
		health_status TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_health_log_provider ON provider_health_log(provider_id);

	CREATE TABLE IF NOT EXISTS prompt_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		system_prompt TEXT NOT NULL DEFAULT '',
		user_prompt TEXT NOT NULL DEFAULT '',
		variables TEXT NOT NULL DEFAULT '[]',
		is_active INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close checkpoints the WAL and releases the database. Idempotent.
func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.db != nil {
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})
	return closeErr
}

func (s *Store) checkpointLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

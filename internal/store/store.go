package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding the account, device directory,
// session markers and the durable pending-message staging area.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS session (
	device TEXT PRIMARY KEY,
	identity_key BLOB,
	established_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS linked_device (
	user_id TEXT NOT NULL,
	device TEXT NOT NULL,
	last_seen INTEGER NOT NULL,
	PRIMARY KEY (user_id, device)
);
CREATE TABLE IF NOT EXISTS groups (
	group_id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	medium INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS group_member (
	group_id TEXT NOT NULL,
	device TEXT NOT NULL,
	PRIMARY KEY (group_id, device)
);
CREATE TABLE IF NOT EXISTS pending_message (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	device TEXT NOT NULL,
	message_id TEXT NOT NULL,
	record BLOB NOT NULL,
	staged_at INTEGER NOT NULL,
	UNIQUE (device, message_id)
);
CREATE INDEX IF NOT EXISTS pending_message_device ON pending_message (device, seq);
`

// DefaultDataDir returns the default data directory for session databases.
// Uses $XDG_DATA_HOME/session-desktop, falling back to ~/.local/share/session-desktop.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "session-desktop")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/session-desktop/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// SQLite prefers a single writer; per-device lanes all funnel through here.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	// FULL keeps staged messages across power loss, not only process crashes.
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set synchronous: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// runMigrations applies any necessary schema changes.
func runMigrations(db *sql.DB) error {
	// Migration: groups created before medium-group routing lack the flag.
	_, err := db.Exec("ALTER TABLE groups ADD COLUMN medium INTEGER NOT NULL DEFAULT 0")
	if err != nil && !isColumnExistsError(err) {
		return fmt.Errorf("add medium column: %w", err)
	}
	return nil
}

// isColumnExistsError checks if the error is due to column already existing.
func isColumnExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Package store persists moderation records, the moderator roster and the
// tag list in a single SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the shared SQLite handle and exposes the per-concern stores.
type DB struct {
	db     *sql.DB
	logger *slog.Logger

	Messages *Messages
	Roster   *Roster
	Tags     *Tags
}

func Open(dbPath string, logger *slog.Logger) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite allows one writer, and funneling everything
	// through it is what makes CompareAndTransition linearizable per key.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db, logger: logger}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	d.Messages = &Messages{db: db, logger: logger}
	d.Roster = &Roster{db: db, logger: logger}
	d.Tags = &Tags{db: db}
	return d, nil
}

func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id           TEXT PRIMARY KEY,
		message_type TEXT NOT NULL,
		chat_id      INTEGER NOT NULL,
		message_id   INTEGER NOT NULL,
		content      TEXT,
		media_ref    TEXT,
		sender_id    TEXT NOT NULL,
		state        TEXT NOT NULL,
		sent_to      TEXT,
		created_at   DATETIME NOT NULL,
		resolution   TEXT,
		resolved_by  INTEGER DEFAULT 0,
		resolved_at  DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_messages_state ON messages(state);

	CREATE TABLE IF NOT EXISTS moderators (
		id        INTEGER PRIMARY KEY,
		username  TEXT,
		fullname  TEXT,
		signature TEXT
	);

	CREATE TABLE IF NOT EXISTS tags (
		tag TEXT PRIMARY KEY
	);
	`
	_, err := d.db.Exec(schema)
	return err
}

func (d *DB) Close() error {
	return d.db.Close()
}

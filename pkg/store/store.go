// Copyright 2024-2026 Aiku AI

// Package store implements the correlation store: the persistent mapping
// layer between Discord entities (channels, messages, webhooks, emoji) and
// their Matrix counterparts (rooms, events, uploaded media). Every other
// component reads and writes bridge state exclusively through this package.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups when no mapping exists. Callers decide
// whether that is permanent (drop the event) or a timing issue (retrigger).
var ErrNotFound = errors.New("store: not found")

// Store provides transactional access to all bridge correlation state.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	expressions expressionRegistrar
	members     memberFetcher
}

// New opens (or creates) the SQLite database at path and ensures the schema
// exists. Parent directories are created if needed. A failure here is fatal
// for the bridge: it must not accept events against storage it cannot trust.
func New(path string, log zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.log.Info().Str("path", path).Msg("Correlation store ready")
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS channel_room (
			channel_id TEXT NOT NULL UNIQUE,
			room_id    TEXT NOT NULL UNIQUE,
			guild_id   TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			nick       TEXT,
			avatar_url TEXT,
			topic      TEXT,
			last_bridged_pin_timestamp INTEGER
		);

		CREATE TABLE IF NOT EXISTS event_message (
			event_id   TEXT NOT NULL,
			message_id TEXT NOT NULL,
			part       INTEGER NOT NULL,
			channel_id TEXT NOT NULL,

			UNIQUE (message_id, part),
			UNIQUE (event_id, part)
		);

		CREATE INDEX IF NOT EXISTS idx_event_message_message
			ON event_message(message_id, part);

		CREATE TABLE IF NOT EXISTS webhook (
			webhook_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL UNIQUE,
			token      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS expression (
			expression_id TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			animated      INTEGER NOT NULL DEFAULT 0,
			mxc_url       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_expression_mxc ON expression(mxc_url);

		CREATE TABLE IF NOT EXISTS member_cache (
			room_id     TEXT NOT NULL,
			mxid        TEXT NOT NULL,
			displayname TEXT,
			avatar_url  TEXT,

			PRIMARY KEY (room_id, mxid)
		);

		CREATE TABLE IF NOT EXISTS ghost (
			user_id TEXT PRIMARY KEY,
			mxid    TEXT NOT NULL UNIQUE
		);

		CREATE TABLE IF NOT EXISTS reaction (
			event_id   TEXT NOT NULL UNIQUE,
			message_id TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			key        TEXT NOT NULL,
			emoji_id   TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_reaction_message
			ON reaction(message_id, user_id, key);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.log.Info().Msg("Closing correlation store")
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Package store is the durable facade for message history and call
// records, backed by SQLite. It is the authoritative fallback when the
// broadcast channel drops a frame.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const DefaultDBFileName = "parley.db"

var ErrNotFound = errors.New("store: record not found")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id   TEXT PRIMARY KEY,
  room_id      TEXT NOT NULL,
  sender_id    TEXT NOT NULL,
  sender_name  TEXT NOT NULL,
  ciphertext   TEXT NOT NULL,
  nonce        TEXT NOT NULL,
  lang         TEXT NOT NULL DEFAULT '',
  translations TEXT NOT NULL DEFAULT '',
  attachment   TEXT NOT NULL DEFAULT '',
  created_at   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_room_time
ON messages (room_id, created_at, message_id);
`,
	`
CREATE TABLE IF NOT EXISTS hidden_messages (
  message_id TEXT NOT NULL,
  user_id    TEXT NOT NULL,
  hidden_at  INTEGER NOT NULL,
  PRIMARY KEY (message_id, user_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS call_records (
  call_id          TEXT PRIMARY KEY,
  room_id          TEXT NOT NULL,
  caller_id        TEXT NOT NULL,
  caller_name      TEXT NOT NULL DEFAULT '',
  call_type        TEXT NOT NULL CHECK(call_type IN ('audio','video')),
  status           TEXT NOT NULL CHECK(status IN ('initiated','accepted','declined','missed','ended')),
  started_at       INTEGER NOT NULL,
  ended_at         INTEGER,
  duration_seconds INTEGER
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_call_records_room_time
ON call_records (room_id, started_at DESC, call_id);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) parley.db under the data directory and runs migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, DefaultDBFileName))
}

// OpenPath opens a specific database file. Tests point this at a temp dir.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	for i, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("run migration %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

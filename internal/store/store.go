package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrChatMismatch signals an attempt to relink a session to a different
	// external chat. That is a cross-wiring bug, never a legal transition.
	ErrChatMismatch = errors.New("session already linked to another chat")
)

// Store owns the four relay tables: sessions, messages, tokens and
// subscriptions. It wraps a single *sql.DB pool created by the composition
// root; handlers and jobs share it through this type only.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	// Tokens live in this file; keep it out of reach of other users.
	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("restrict database permissions: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id      TEXT PRIMARY KEY,
			external_chat_id TEXT,
			status          TEXT NOT NULL DEFAULT 'active',
			visitor_name    TEXT NOT NULL DEFAULT '',
			visitor_email   TEXT NOT NULL DEFAULT '',
			visitor_phone   TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,
			last_message_at INTEGER NOT NULL DEFAULT 0,
			closed_at       INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_external_chat
			ON sessions(external_chat_id) WHERE external_chat_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS messages (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id          TEXT NOT NULL REFERENCES sessions(session_id),
			sender_type         TEXT NOT NULL,
			content             TEXT NOT NULL,
			external_message_id TEXT,
			sender_id           TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL DEFAULT 'sent',
			created_at          INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedup
			ON messages(session_id, external_message_id) WHERE external_message_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			key           TEXT PRIMARY KEY,
			access_token  TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			token_type    TEXT NOT NULL DEFAULT 'bearer',
			expires_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			webhook_url   TEXT PRIMARY KEY,
			id            TEXT NOT NULL,
			event_filters TEXT NOT NULL,
			expires_at    INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

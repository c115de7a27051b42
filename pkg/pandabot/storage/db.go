// Package storage persists conversation history, session ids and scheduled
// jobs in a single SQLite database. Full-text search uses FTS5 when the
// SQLite build provides it and falls back to LIKE otherwise.
package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Options tune Open.
type Options struct {
	// FTS enables the FTS5 index. It is silently disabled when the driver
	// lacks FTS5.
	FTS bool
}

// DB wraps the SQLite handle.
type DB struct {
	db           *sql.DB
	logger       *slog.Logger
	ftsAvailable bool
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, opts Options, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps read-your-writes trivially true and avoids
	// SQLITE_BUSY between the dispatcher and the scheduler.
	db.SetMaxOpenConns(1)

	s := &DB{db: db, logger: logger.With("component", "storage")}
	if err := s.initSchema(opts); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}

// FTSAvailable reports whether search runs on FTS5.
func (s *DB) FTSAvailable() bool {
	return s.ftsAvailable
}

func (s *DB) initSchema(opts Options) error {
	core := `
		CREATE TABLE IF NOT EXISTS conversation_turns (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   TEXT NOT NULL,
			bot_id       TEXT NOT NULL,
			chat_id      TEXT NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL DEFAULT '',
			tool_calls   TEXT,
			tool_call_id TEXT,
			tool_name    TEXT,
			is_error     INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_session ON conversation_turns(session_id, id);
		CREATE INDEX IF NOT EXISTS idx_turns_bot ON conversation_turns(bot_id, id);

		CREATE TABLE IF NOT EXISTS sessions (
			bot_id     TEXT NOT NULL,
			chat_id    TEXT NOT NULL,
			thread_id  TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (bot_id, chat_id, thread_id)
		);

		CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id           TEXT PRIMARY KEY,
			bot_id       TEXT NOT NULL,
			chat_id      TEXT NOT NULL,
			thread_id    TEXT NOT NULL DEFAULT '',
			kind         TEXT NOT NULL,
			schedule     TEXT NOT NULL,
			prompt       TEXT NOT NULL,
			enabled      INTEGER NOT NULL DEFAULT 1,
			created_at   TEXT NOT NULL,
			last_run_at  TEXT,
			last_error   TEXT NOT NULL DEFAULT '',
			run_count    INTEGER NOT NULL DEFAULT 0,
			missed_count INTEGER NOT NULL DEFAULT 0
		);
	`
	if _, err := s.db.Exec(core); err != nil {
		return err
	}

	if !opts.FTS {
		return nil
	}

	fts := `
		CREATE VIRTUAL TABLE IF NOT EXISTS turns_fts USING fts5(
			content,
			content='conversation_turns',
			content_rowid='id',
			tokenize='unicode61'
		);

		CREATE TRIGGER IF NOT EXISTS turns_ai AFTER INSERT ON conversation_turns BEGIN
			INSERT INTO turns_fts(rowid, content) VALUES (new.id, new.content);
		END;

		CREATE TRIGGER IF NOT EXISTS turns_ad AFTER DELETE ON conversation_turns BEGIN
			INSERT INTO turns_fts(turns_fts, rowid, content) VALUES('delete', old.id, old.content);
		END;
	`
	if _, err := s.db.Exec(fts); err != nil {
		s.logger.Warn("fts5 not available, falling back to LIKE search", "error", err)
		return nil
	}
	s.ftsAvailable = true
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/pandabot/pkg/pandabot/session"
)

// LookupSessionID implements session.IDStore.
func (s *DB) LookupSessionID(key session.Key) (string, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT session_id FROM sessions WHERE bot_id = ? AND chat_id = ? AND thread_id = ?`,
		key.BotID, key.ChatID, key.ThreadID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup session %s: %w", key, err)
	}
	return id, nil
}

// SaveSessionID implements session.IDStore.
func (s *DB) SaveSessionID(key session.Key, id string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (bot_id, chat_id, thread_id, session_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bot_id, chat_id, thread_id)
		DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		key.BotID, key.ChatID, key.ThreadID, id, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", key, err)
	}
	return nil
}

var _ session.IDStore = (*DB)(nil)

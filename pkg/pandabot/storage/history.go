package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jholhewres/pandabot/pkg/pandabot/llm"
	"github.com/jholhewres/pandabot/pkg/pandabot/tools"
)

// TurnRef locates a turn: the session it belongs to plus the bot and chat
// used for search scoping.
type TurnRef struct {
	SessionID string
	BotID     string
	ChatID    string
}

// SearchHit is one search match.
type SearchHit struct {
	SessionID string
	ChatID    string
	Role      string
	Content   string
	CreatedAt time.Time
	Score     float64
}

// Append persists one message. Each call is its own transaction.
func (s *DB) Append(ctx context.Context, ref TurnRef, msg llm.Message) error {
	var toolCalls sql.NullString
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns
			(session_id, bot_id, chat_id, role, content, tool_calls, tool_call_id, tool_name, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ref.SessionID, ref.BotID, ref.ChatID,
		string(msg.Role), msg.Content, toolCalls,
		nullString(msg.ToolCallID), nullString(msg.ToolName),
		boolToInt(msg.IsError),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append turn to %s: %w", ref.SessionID, err)
	}
	return nil
}

// Load returns the last limit messages of a session in append order. The
// window is trimmed to start at a user message, so it never opens on an
// assistant turn or inside a tool exchange.
func (s *DB) Load(ctx context.Context, sessionID string, limit int) ([]llm.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_calls, tool_call_id, tool_name, is_error FROM (
			SELECT id, role, content, tool_calls, tool_call_id, tool_name, is_error
			FROM conversation_turns
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", sessionID, err)
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var (
			m       llm.Message
			role    string
			isError int

			toolCalls, callID, toolName sql.NullString
		)
		if err := rows.Scan(&role, &m.Content, &toolCalls, &callID, &toolName, &isError); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		m.Role = llm.Role(role)
		m.ToolCallID = callID.String
		m.ToolName = toolName.String
		m.IsError = isError != 0
		if toolCalls.Valid && toolCalls.String != "" {
			var calls []tools.Call
			if err := json.Unmarshal([]byte(toolCalls.String), &calls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
			m.ToolCalls = calls
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for len(msgs) > 0 && msgs[0].Role != llm.RoleUser {
		msgs = msgs[1:]
	}
	return msgs, nil
}

// Search finds user and assistant messages of a bot containing query.
func (s *DB) Search(ctx context.Context, botID, query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if s.ftsAvailable {
		if q := sanitizeFTS5Query(query); q != "" {
			hits, err := s.searchFTS(ctx, botID, q, limit)
			if err == nil {
				return hits, nil
			}
			s.logger.Warn("fts search failed, using LIKE", "error", err)
		}
	}
	return s.searchLike(ctx, botID, query, limit)
}

func (s *DB) searchFTS(ctx context.Context, botID, ftsQuery string, limit int) ([]SearchHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.session_id, t.chat_id, t.role, t.content, t.created_at, turns_fts.rank
		FROM turns_fts
		JOIN conversation_turns t ON t.id = turns_fts.rowid
		WHERE turns_fts MATCH ? AND t.bot_id = ? AND t.role IN ('user', 'assistant')
		ORDER BY turns_fts.rank
		LIMIT ?`, ftsQuery, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var created string
		var rank float64
		if err := rows.Scan(&h.SessionID, &h.ChatID, &h.Role, &h.Content, &created, &rank); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		h.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		h.Score = 1.0 / (1.0 + math.Abs(rank))
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// searchLike matches any query word, most recent first.
func (s *DB) searchLike(ctx context.Context, botID, query string, limit int) ([]SearchHit, error) {
	words := strings.Fields(strings.ToLower(query))
	conds := make([]string, 0, len(words))
	args := []any{botID}
	for _, w := range words {
		conds = append(conds, "LOWER(content) LIKE ?")
		args = append(args, "%"+w+"%")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT session_id, chat_id, role, content, created_at
		FROM conversation_turns
		WHERE bot_id = ? AND role IN ('user', 'assistant') AND (%s)
		ORDER BY id DESC
		LIMIT ?`, strings.Join(conds, " OR ")), args...)
	if err != nil {
		return nil, fmt.Errorf("LIKE search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var created string
		if err := rows.Scan(&h.SessionID, &h.ChatID, &h.Role, &h.Content, &created); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		h.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		text := strings.ToLower(h.Content)
		matched := 0
		for _, w := range words {
			if strings.Contains(text, w) {
				matched++
			}
		}
		h.Score = float64(matched) / float64(len(words))
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// sanitizeFTS5Query strips FTS5 operators and quotes the rest as a phrase.
func sanitizeFTS5Query(query string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '"', '(', ')', '*', '^', ':', '{', '}':
			return ' '
		default:
			return r
		}
	}, query)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		return ""
	}
	return `"` + cleaned + `"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

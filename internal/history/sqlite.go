package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/relayhq/relay/internal/provider"
	_ "modernc.org/sqlite" // register sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id      TEXT PRIMARY KEY,
	created INTEGER NOT NULL,
	updated INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id      TEXT NOT NULL,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role            TEXT NOT NULL,
	content         TEXT,
	reasoning       TEXT,
	tool_calls      TEXT,
	tool_call_id    TEXT,
	tool_name       TEXT,
	tool_is_error   INTEGER,
	input_tokens    INTEGER,
	output_tokens   INTEGER,
	created         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
`

const (
	sqliteBusyMaxRetries   = 10
	sqliteBusyBackoffStep  = 50 * time.Millisecond
	sqliteBusyMaxBackoff   = 1 * time.Second
)

// IsSQLiteBusy reports whether err indicates the database was locked by a
// concurrent writer and the operation should be retried.
func IsSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// SQLiteStore is a Store backed by a SQLite database, for callers that want
// conversations to survive process restarts.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates a SQLite-backed conversation store at
// dbPath. Pass ":memory:" for an ephemeral database.
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateConversation(ctx context.Context, id string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, created, updated) VALUES (?, ?, ?)`, id, now, now)
	return err
}

func (s *SQLiteStore) ConversationExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversations WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AppendMessage appends a single message through AppendMessages, which
// retries on SQLITE_BUSY with a linear backoff. CreateConversation and
// TruncateFrom do not retry.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, msg Message) (Message, error) {
	saved, err := s.AppendMessages(ctx, conversationID, []Message{msg})
	if err != nil {
		return Message{}, err
	}
	return saved[0], nil
}

func (s *SQLiteStore) AppendMessages(ctx context.Context, conversationID string, msgs []Message) ([]Message, error) {
	var saved []Message
	var lastErr error
	backoff := sqliteBusyBackoffStep
	for attempt := 0; attempt < sqliteBusyMaxRetries; attempt++ {
		saved, lastErr = s.appendMessagesOnce(ctx, conversationID, msgs)
		if lastErr == nil {
			return saved, nil
		}
		if !IsSQLiteBusy(lastErr) {
			return nil, lastErr
		}
		log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("history: sqlite busy, retrying append")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff += sqliteBusyBackoffStep
		if backoff > sqliteBusyMaxBackoff {
			backoff = sqliteBusyMaxBackoff
		}
	}
	return nil, fmt.Errorf("history: append messages: %w (exhausted retries)", lastErr)
}

func (s *SQLiteStore) appendMessagesOnce(ctx context.Context, conversationID string, msgs []Message) ([]Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	var nextSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&nextSeq); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("next seq: %w", err)
	}

	saved := make([]Message, len(msgs))
	now := time.Now()
	for i, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		row, err := insertMessage(ctx, tx, conversationID, m)
		if err != nil {
			tx.Rollback()
			log.Error().Err(err).Str("conversation", conversationID).Msg("history: insert message failed, rolled back")
			return nil, err
		}
		row.ConversationID = conversationID
		saved[i] = row
	}

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated = ? WHERE id = ?`, now.Unix(), conversationID); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return saved, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, conversationID string, m Message) (Message, error) {
	var content, reasoning, toolCalls, toolCallID, toolName sql.NullString
	var isError, inputTokens, outputTokens sql.NullInt64

	switch m.Role {
	case RoleUser:
		if m.User != nil {
			content = sql.NullString{String: m.User.Content, Valid: true}
		}
	case RoleSystem:
		if m.System != nil {
			content = sql.NullString{String: m.System.Content, Valid: true}
		}
	case RoleAssistant:
		if m.Assistant != nil {
			content = sql.NullString{String: m.Assistant.Content, Valid: true}
			reasoning = sql.NullString{String: m.Assistant.Reasoning, Valid: true}
			inputTokens = sql.NullInt64{Int64: int64(m.Assistant.InputTokens), Valid: true}
			outputTokens = sql.NullInt64{Int64: int64(m.Assistant.OutputTokens), Valid: true}
			if len(m.Assistant.ToolCalls) > 0 {
				b, err := json.Marshal(m.Assistant.ToolCalls)
				if err != nil {
					return Message{}, fmt.Errorf("marshal tool calls: %w", err)
				}
				toolCalls = sql.NullString{String: string(b), Valid: true}
			}
		}
	case RoleTool:
		if m.Tool != nil {
			content = sql.NullString{String: m.Tool.Result, Valid: true}
			toolCallID = sql.NullString{String: m.Tool.ToolCallID, Valid: true}
			toolName = sql.NullString{String: m.Tool.Name, Valid: true}
			errInt := int64(0)
			if m.Tool.IsError {
				errInt = 1
			}
			isError = sql.NullInt64{Int64: errInt, Valid: true}
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, conversation_id, role, content, reasoning, tool_calls, tool_call_id, tool_name, tool_is_error, input_tokens, output_tokens, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, conversationID, string(m.Role), content, reasoning, toolCalls, toolCallID, toolName, isError, inputTokens, outputTokens, m.CreatedAt.Unix())
	if err != nil {
		return Message{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, err
	}
	m.Seq = id
	return m, nil
}

func (s *SQLiteStore) LoadMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, role, content, reasoning, tool_calls, tool_call_id, tool_name, tool_is_error, input_tokens, output_tokens, created
		FROM messages WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		m.ConversationID = conversationID
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadLastMessage(ctx context.Context, conversationID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, role, content, reasoning, tool_calls, tool_call_id, tool_name, tool_is_error, input_tokens, output_tokens, created
		FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT 1`, conversationID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.ConversationID = conversationID
	return &m, nil
}

// scanner abstracts over *sql.Row and *sql.Rows, both of which satisfy Scan.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(sc scanner) (Message, error) {
	var (
		id                                                          int64
		messageID, role                                             string
		content, reasoning, toolCalls, toolCallID, toolName         sql.NullString
		isError, inputTokens, outputTokens                          sql.NullInt64
		created                                                     int64
	)
	if err := sc.Scan(&id, &messageID, &role, &content, &reasoning, &toolCalls, &toolCallID, &toolName, &isError, &inputTokens, &outputTokens, &created); err != nil {
		return Message{}, err
	}

	m := Message{ID: messageID, Seq: id, Role: Role(role), CreatedAt: time.Unix(created, 0)}
	switch m.Role {
	case RoleUser:
		m.User = &UserPayload{Content: content.String}
	case RoleSystem:
		m.System = &SystemPayload{Content: content.String}
	case RoleAssistant:
		ap := &AssistantPayload{Content: content.String, Reasoning: reasoning.String, InputTokens: int(inputTokens.Int64), OutputTokens: int(outputTokens.Int64)}
		if toolCalls.Valid && toolCalls.String != "" {
			var calls []provider.ToolCall
			if err := json.Unmarshal([]byte(toolCalls.String), &calls); err != nil {
				return Message{}, fmt.Errorf("unmarshal tool calls: %w", err)
			}
			ap.ToolCalls = calls
		}
		m.Assistant = ap
	case RoleTool:
		m.Tool = &ToolPayload{ToolCallID: toolCallID.String, Name: toolName.String, Result: content.String, IsError: isError.Int64 != 0}
	}
	return m, nil
}

// TruncateFrom deletes every message with seq (row id) >= seq, used to
// discard a partially-applied turn.
func (s *SQLiteStore) TruncateFrom(ctx context.Context, conversationID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ? AND id >= ?`, conversationID, seq)
	return err
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.conversation_id, m.created, m.content
		FROM messages m
		JOIN (
			SELECT conversation_id, MAX(id) AS max_id
			FROM messages WHERE role = 'user'
			GROUP BY conversation_id
		) latest ON latest.conversation_id = m.conversation_id AND latest.max_id = m.id
		ORDER BY m.created DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var id, content string
		var created int64
		if err := rows.Scan(&id, &created, &content); err != nil {
			return nil, err
		}
		preview := content
		if r := []rune(preview); len(r) > 50 {
			preview = string(r[:50])
		}
		out = append(out, ConversationSummary{ID: id, Timestamp: time.Unix(created, 0), Preview: preview})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestConversationID(ctx context.Context) (string, error) {
	summaries, err := s.ListConversations(ctx)
	if err != nil {
		return "", err
	}
	if len(summaries) == 0 {
		return "", nil
	}
	return summaries[0].ID, nil
}

// Package store persists session transcripts locally in SQLite, so a
// restarted client can reload its history without the backend.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/session"
)

// ErrNotFound is returned when a session does not exist locally.
var ErrNotFound = errors.New("session not found")

// SessionRecord is the persisted session row.
type SessionRecord struct {
	SessionID    string
	ClientID     string
	CreatedAt    time.Time
	MessageCount int
	TotalTokens  int
	LastActivity time.Time
}

// Store is a SQLite-backed transcript store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			last_activity DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			correlation_id TEXT,
			execution_time REAL NOT NULL DEFAULT 0,
			token_count INTEGER NOT NULL DEFAULT 0,
			is_error INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// SaveSession inserts or updates a session row.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, client_id, created_at, message_count, total_tokens, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			message_count = excluded.message_count,
			total_tokens = excluded.total_tokens,
			last_activity = excluded.last_activity`,
		rec.SessionID, rec.ClientID, rec.CreatedAt, rec.MessageCount, rec.TotalTokens, rec.LastActivity)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession fetches one session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, client_id, created_at, message_count, total_tokens, last_activity
		FROM sessions WHERE session_id = ?`, sessionID)

	var rec SessionRecord
	var lastActivity sql.NullTime
	err := row.Scan(&rec.SessionID, &rec.ClientID, &rec.CreatedAt, &rec.MessageCount, &rec.TotalTokens, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if lastActivity.Valid {
		rec.LastActivity = lastActivity.Time
	}
	return &rec, nil
}

// SaveMessage persists one finalized message. Streaming messages must be
// finalized before they are saved.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, m session.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages
			(message_id, session_id, role, content, created_at, correlation_id, execution_time, token_count, is_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, sessionID, string(m.Role), m.Content, m.Timestamp, m.CorrelationID, m.ExecutionTime, m.TokenCount, m.IsError)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetMessages returns up to limit messages for a session in creation order.
// limit <= 0 means no limit.
func (s *Store) GetMessages(ctx context.Context, sessionID string, limit int) ([]session.Message, error) {
	query := `
		SELECT message_id, role, content, created_at, correlation_id, execution_time, token_count, is_error
		FROM messages WHERE session_id = ? ORDER BY created_at ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var msgs []session.Message
	for rows.Next() {
		var m session.Message
		var role string
		var corr sql.NullString
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.Timestamp, &corr, &m.ExecutionTime, &m.TokenCount, &m.IsError); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = session.Role(role)
		if corr.Valid {
			m.CorrelationID = corr.String
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteSession removes a session and, via cascade, its messages.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

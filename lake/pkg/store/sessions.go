package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const titleMaxLen = 60

type Session struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Title     *string   `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID        int64          `json:"id"`
	SessionID uuid.UUID      `json:"session_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	SQLQuery  *string        `json:"sql_query"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

const sessionColumns = "id, user_id, title, created_at, updated_at"

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	if err := row.Scan(&s.ID, &s.UserID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Store) CreateSession(ctx context.Context, user string) (*Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`INSERT INTO chat_session (id, user_id) VALUES ($1, $2) RETURNING `+sessionColumns,
		uuid.New(), user))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.log.Info("store: session created", "session", sess.ID, "user", user)
	return sess, nil
}

// GetSession returns the session if it belongs to user.
func (s *Store) GetSession(ctx context.Context, user string, id uuid.UUID) (*Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM chat_session WHERE id = $1 AND user_id = $2`, id, user))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, user string) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM chat_session WHERE user_id = $1 ORDER BY updated_at DESC`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// AddMessage stores a message and bumps the session's updated_at.
func (s *Store) AddMessage(ctx context.Context, session uuid.UUID, role, content, sqlQuery string, metadata map[string]any) (*Message, error) {
	var sqlArg *string
	if sqlQuery != "" {
		sqlArg = &sqlQuery
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var m Message
	err = tx.QueryRow(ctx, `
		INSERT INTO chat_message (session_id, role, content, sql_query, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, session_id, role, content, sql_query, metadata, created_at
	`, session, role, content, sqlArg, metadata).Scan(
		&m.ID, &m.SessionID, &m.Role, &m.Content, &m.SQLQuery, &m.Metadata, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE chat_session SET updated_at = NOW() WHERE id = $1`, session); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return &m, nil
}

// ListMessages returns every message of the user's session, oldest first.
func (s *Store) ListMessages(ctx context.Context, user string, session uuid.UUID) ([]Message, error) {
	if _, err := s.GetSession(ctx, user, session); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, content, sql_query, metadata, created_at
		FROM chat_message
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`, session)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.SQLQuery, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MaybeAutoTitle titles an untitled session from its first user message and
// returns the session's title, or "" if it has none yet.
func (s *Store) MaybeAutoTitle(ctx context.Context, session uuid.UUID) (string, error) {
	var title *string
	err := s.pool.QueryRow(ctx, `SELECT title FROM chat_session WHERE id = $1`, session).Scan(&title)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session title: %w", err)
	}
	if title != nil {
		return *title, nil
	}

	var first string
	err = s.pool.QueryRow(ctx, `
		SELECT content FROM chat_message
		WHERE session_id = $1 AND role = 'user'
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, session).Scan(&first)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get first message: %w", err)
	}

	t := MakeTitle(first)
	if _, err := s.pool.Exec(ctx, `UPDATE chat_session SET title = $1 WHERE id = $2 AND title IS NULL`, t, session); err != nil {
		return "", fmt.Errorf("failed to set title: %w", err)
	}
	return t, nil
}

// MakeTitle derives a session title from the first line of a message,
// cutting long lines at a word boundary.
func MakeTitle(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	line = strings.TrimSpace(line)
	r := []rune(line)
	if len(r) <= titleMaxLen {
		return line
	}
	cut := string(r[:titleMaxLen])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}

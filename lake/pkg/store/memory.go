package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Bundle loads the session's memory layers and its most recent messages.
func (s *Store) Bundle(ctx context.Context, user string, session uuid.UUID) (*memory.Bundle, error) {
	b := &memory.Bundle{Context: map[string]any{}}

	var intent []byte
	err := s.pool.QueryRow(ctx, `
		SELECT summary, context_json, last_sql_intent
		FROM chat_session
		WHERE id = $1 AND user_id = $2
	`, session, user).Scan(&b.Summary, &b.Context, &intent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load memory: %w", err)
	}
	if len(intent) > 0 {
		var si memory.SQLIntent
		if err := json.Unmarshal(intent, &si); err != nil {
			return nil, fmt.Errorf("failed to decode last SQL intent: %w", err)
		}
		b.LastSQLIntent = &si
	}

	msgs, err := s.RecentMessages(ctx, user, session, memory.RecentMessageLimit)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Content = memory.Truncate(msgs[i].Content, memory.RecentMessageChars)
	}
	b.RecentMessages = msgs
	return b, nil
}

// RecentMessages returns the last limit messages of the user's session in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, user string, session uuid.UUID, limit int) ([]memory.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.role, m.content FROM (
			SELECT cm.role, cm.content, cm.created_at, cm.id
			FROM chat_message cm
			JOIN chat_session cs ON cs.id = cm.session_id
			WHERE cm.session_id = $1 AND cs.user_id = $2
			ORDER BY cm.created_at DESC, cm.id DESC
			LIMIT $3
		) m
		ORDER BY m.created_at ASC, m.id ASC
	`, session, user, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	defer rows.Close()

	msgs := []memory.Message{}
	for rows.Next() {
		var m memory.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) SetSummary(ctx context.Context, user string, session uuid.UUID, summary string) error {
	return s.updateSession(ctx, user, session, `summary = $3`, summary)
}

// MergeContext shallow-merges patch into the stored context and returns the
// result.
func (s *Store) MergeContext(ctx context.Context, user string, session uuid.UUID, patch map[string]any) (map[string]any, error) {
	merged := map[string]any{}
	err := s.pool.QueryRow(ctx, `
		UPDATE chat_session SET context_json = context_json || $3::jsonb
		WHERE id = $1 AND user_id = $2
		RETURNING context_json
	`, session, user, patch).Scan(&merged)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to merge context: %w", err)
	}
	return merged, nil
}

func (s *Store) SetLastSQLIntent(ctx context.Context, user string, session uuid.UUID, intent *memory.SQLIntent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to encode SQL intent: %w", err)
	}
	return s.updateSession(ctx, user, session, `last_sql_intent = $3::jsonb`, string(data))
}

func (s *Store) updateSession(ctx context.Context, user string, session uuid.UUID, set string, arg any) error {
	tag, err := s.pool.Exec(ctx, `UPDATE chat_session SET `+set+` WHERE id = $1 AND user_id = $2`, session, user, arg)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

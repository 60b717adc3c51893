// Package store persists chat sessions, messages, session memory and the
// workflow audit log in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSessionNotFound is returned when a session does not exist or belongs
// to another user.
var ErrSessionNotFound = errors.New("session not found")

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(log *slog.Logger, pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{log: log, pool: pool}, nil
}

var migrations = []struct {
	name string
	sql  string
}{
	{"chat_session table", `
		CREATE TABLE IF NOT EXISTS chat_session (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT,
			summary TEXT NOT NULL DEFAULT '',
			context_json JSONB NOT NULL DEFAULT '{}',
			last_sql_intent JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`},
	{"chat_session index", `
		CREATE INDEX IF NOT EXISTS idx_chat_session_user_updated
		ON chat_session (user_id, updated_at DESC)
	`},
	{"chat_message table", `
		CREATE TABLE IF NOT EXISTS chat_message (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES chat_session (id) ON DELETE CASCADE,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			sql_query TEXT,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
		)
	`},
	{"chat_message index", `
		CREATE INDEX IF NOT EXISTS idx_chat_message_session_created
		ON chat_message (session_id, created_at)
	`},
	{"audit_log table", `
		CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id UUID,
			mode TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ,
			success BOOLEAN,
			error_message TEXT,
			tasks_count INT NOT NULL DEFAULT 0,
			retries_used INT NOT NULL DEFAULT 0,
			tables_used JSONB NOT NULL DEFAULT '[]',
			metrics_used JSONB NOT NULL DEFAULT '[]',
			timings_ms JSONB NOT NULL DEFAULT '{}',
			rows_returned INT NOT NULL DEFAULT 0
		)
	`},
}

// Migrate creates the tables the store needs. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	s.log.Info("store: running migrations")
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", m.name, err)
		}
	}
	s.log.Info("store: migrations completed")
	return nil
}

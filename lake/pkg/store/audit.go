package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditSummary is what a finished run records in its audit row.
type AuditSummary struct {
	TasksCount   int
	RetriesUsed  int
	TablesUsed   []string
	MetricsUsed  []string
	TimingsMS    map[string]int64
	RowsReturned int
}

// AuditRecord is a stored audit row.
type AuditRecord struct {
	ID           int64
	RequestID    string
	UserID       string
	SessionID    *uuid.UUID
	Mode         string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Success      *bool
	ErrorMessage *string
	AuditSummary
}

// AuditStart inserts the row for a run that is starting.
func (s *Store) AuditStart(ctx context.Context, requestID, user string, session *uuid.UUID, mode string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO audit_log (request_id, user_id, session_id, mode)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, requestID, user, session, mode).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to start audit: %w", err)
	}
	s.log.Debug("store: audit started", "id", id, "request_id", requestID)
	return id, nil
}

func (s *Store) AuditSuccess(ctx context.Context, id int64, sum AuditSummary) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audit_log
		SET finished_at = NOW(),
		    success = true,
		    tasks_count = $2,
		    retries_used = $3,
		    tables_used = $4,
		    metrics_used = $5,
		    timings_ms = $6,
		    rows_returned = $7
		WHERE id = $1
	`, id, sum.TasksCount, sum.RetriesUsed, nonNilStrings(sum.TablesUsed), nonNilStrings(sum.MetricsUsed), nonNilTimings(sum.TimingsMS), sum.RowsReturned)
	if err != nil {
		return fmt.Errorf("failed to finalize audit: %w", err)
	}
	return nil
}

func (s *Store) AuditError(ctx context.Context, id int64, message string, sum AuditSummary) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audit_log
		SET finished_at = NOW(),
		    success = false,
		    error_message = $2,
		    tasks_count = $3,
		    retries_used = $4,
		    timings_ms = $5
		WHERE id = $1
	`, id, message, sum.TasksCount, sum.RetriesUsed, nonNilTimings(sum.TimingsMS))
	if err != nil {
		return fmt.Errorf("failed to finalize audit: %w", err)
	}
	return nil
}

func (s *Store) GetAudit(ctx context.Context, id int64) (*AuditRecord, error) {
	var r AuditRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, request_id, user_id, session_id, mode, started_at, finished_at, success, error_message,
		       tasks_count, retries_used, tables_used, metrics_used, timings_ms, rows_returned
		FROM audit_log WHERE id = $1
	`, id).Scan(&r.ID, &r.RequestID, &r.UserID, &r.SessionID, &r.Mode, &r.StartedAt, &r.FinishedAt, &r.Success, &r.ErrorMessage,
		&r.TasksCount, &r.RetriesUsed, &r.TablesUsed, &r.MetricsUsed, &r.TimingsMS, &r.RowsReturned)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit: %w", err)
	}
	return &r, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilTimings(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const backendPostgres = "postgres"

// PostgresConfig configures a PostgresExecutor.
type PostgresConfig struct {
	Logger       *slog.Logger
	Pool         *pgxpool.Pool
	MaxRows      int
	QueryTimeout time.Duration
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	return nil
}

// PostgresExecutor runs queries in read-only transactions on a pgx pool.
type PostgresExecutor struct {
	log *slog.Logger
	cfg PostgresConfig
}

func NewPostgres(cfg PostgresConfig) (*PostgresExecutor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate postgres executor config: %w", err)
	}
	return &PostgresExecutor{log: cfg.Logger, cfg: cfg}, nil
}

func (e *PostgresExecutor) ErrorPolicy() ErrorPolicy { return PostgresErrors }

// Close is a no-op; the pool is owned by the caller.
func (e *PostgresExecutor) Close() {}

func (e *PostgresExecutor) Execute(ctx context.Context, sql string) (*QueryResult, error) {
	start := time.Now()
	res, err := e.execute(ctx, sql)
	observe(backendPostgres, start, res, err)
	return res, err
}

func (e *PostgresExecutor) execute(ctx context.Context, sql string) (*QueryResult, error) {
	capped, err := guard(sql, e.cfg.MaxRows)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	start := time.Now()
	tx, err := e.cfg.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, e.dbError(err, sql)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, capped)
	if err != nil {
		return nil, e.dbError(err, sql)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	typeMap := rows.Conn().TypeMap()
	res := &QueryResult{
		Columns:     make([]string, len(fields)),
		ColumnTypes: make([]string, len(fields)),
		Rows:        [][]any{},
	}
	for i, fd := range fields {
		res.Columns[i] = fd.Name
		if t, ok := typeMap.TypeForOID(fd.DataTypeOID); ok {
			res.ColumnTypes[i] = t.Name
		}
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, e.dbError(err, sql)
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = jsonValue(v)
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, e.dbError(err, sql)
	}

	res.Elapsed = time.Since(start)
	res.capRows(e.cfg.MaxRows)
	return res, nil
}

func (e *PostgresExecutor) dbError(err error, sql string) error {
	dbErr := &DBError{Message: err.Error(), Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		dbErr.Message = pgErr.Message
		dbErr.Code = pgErr.Code
	}
	e.log.Error("warehouse: query failed", "backend", backendPostgres, "error", dbErr.Message, "code", dbErr.Code, "sql", truncateSQL(sql))
	return dbErr
}

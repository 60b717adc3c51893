package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const backendClickHouse = "clickhouse"

// ClickHouseConfig configures a ClickHouseExecutor.
type ClickHouseConfig struct {
	Logger       *slog.Logger
	Addr         string
	Database     string
	Username     string
	Password     string
	MaxRows      int
	QueryTimeout time.Duration
}

func (cfg *ClickHouseConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Addr == "" {
		return errors.New("addr is required")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	return nil
}

// ClickHouseExecutor runs queries over the native protocol with the
// session pinned to readonly mode.
type ClickHouseExecutor struct {
	log  *slog.Logger
	cfg  ClickHouseConfig
	conn driver.Conn
}

func NewClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseExecutor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate clickhouse executor config: %w", err)
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return &ClickHouseExecutor{log: cfg.Logger, cfg: cfg, conn: conn}, nil
}

func (e *ClickHouseExecutor) ErrorPolicy() ErrorPolicy { return ClickHouseErrors }

func (e *ClickHouseExecutor) Close() {
	if err := e.conn.Close(); err != nil {
		e.log.Warn("warehouse: failed to close clickhouse connection", "error", err)
	}
}

func (e *ClickHouseExecutor) Execute(ctx context.Context, sql string) (*QueryResult, error) {
	start := time.Now()
	res, err := e.execute(ctx, sql)
	observe(backendClickHouse, start, res, err)
	return res, err
}

func (e *ClickHouseExecutor) execute(ctx context.Context, sql string) (*QueryResult, error) {
	capped, err := guard(sql, e.cfg.MaxRows)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()
	ctx = clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"readonly":           2,
		"max_execution_time": int(e.cfg.QueryTimeout.Seconds()),
	}))

	start := time.Now()
	rows, err := e.conn.Query(ctx, capped)
	if err != nil {
		return nil, e.dbError(err, sql)
	}
	defer rows.Close()

	colTypes := rows.ColumnTypes()
	res := &QueryResult{
		Columns:     rows.Columns(),
		ColumnTypes: make([]string, len(colTypes)),
		Rows:        [][]any{},
	}
	for i, ct := range colTypes {
		res.ColumnTypes[i] = ct.DatabaseTypeName()
	}

	for rows.Next() {
		dest := make([]any, len(colTypes))
		for i, ct := range colTypes {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, e.dbError(err, sql)
		}
		row := make([]any, len(dest))
		for i, d := range dest {
			row[i] = jsonValue(deref(d))
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

// deref unwraps the scan destination pointer and, for Nullable columns,
// the inner pointer.
func deref(v any) any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}

func (e *ClickHouseExecutor) dbError(err error, sql string) error {
	dbErr := &DBError{Message: err.Error(), Err: err}
	var ex *clickhouse.Exception
	if errors.As(err, &ex) {
		dbErr.Message = ex.Name + ": " + ex.Message
		dbErr.Code = fmt.Sprint(ex.Code)
	}
	e.log.Error("warehouse: query failed", "backend", backendClickHouse, "error", dbErr.Message, "code", dbErr.Code, "sql", truncateSQL(sql))
	return dbErr
}

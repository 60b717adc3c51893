package sqlgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	wire "github.com/jeroenrinzema/psql-wire"
	"github.com/jeroenrinzema/psql-wire/codes"
	pgerror "github.com/jeroenrinzema/psql-wire/errors"
	"github.com/jeroenrinzema/psql-wire/pkg/buffer"
	"github.com/jeroenrinzema/psql-wire/pkg/types"
	"github.com/lib/pq/oid"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/sqlpolicy"
	"github.com/malbeclabs/pharma-lake/lake/pkg/sqlgate/metrics"
	"github.com/malbeclabs/pharma-lake/lake/pkg/warehouse"
)

const (
	outcomeOK       = "ok"
	outcomeEmpty    = "empty"
	outcomePing     = "ping"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

func createAuthStrategy(log *slog.Logger, accounts map[string]string) wire.AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (context.Context, error) {
		params := wire.ClientParameters(ctx)
		database := params[wire.ParamDatabase]
		username := params[wire.ParamUsername]

		if len(accounts) == 0 {
			writer.Start(types.ServerAuth)
			writer.AddInt32(0) // authOK
			if err := writer.End(); err != nil {
				return ctx, err
			}
			log.Debug("sqlgate: authentication disabled, allowing connection", "database", database, "username", username)
			return ctx, nil
		}

		writer.Start(types.ServerAuth)
		writer.AddInt32(3) // authClearTextPassword
		if err := writer.End(); err != nil {
			return ctx, err
		}

		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return ctx, err
		}
		if t != types.ClientPassword {
			return ctx, fmt.Errorf("unexpected password message type: %v", t)
		}
		password, err := reader.GetString()
		if err != nil {
			return ctx, err
		}

		expected, exists := accounts[username]
		if !exists || password != expected {
			metrics.AuthFailuresTotal.Inc()
			log.Debug("sqlgate: authentication failed", "username", username)
			authErr := pgerror.WithCode(errors.New("invalid username/password"), codes.InvalidPassword)
			if err := wire.ErrorCode(writer, authErr); err != nil {
				return ctx, err
			}
			return ctx, authErr
		}

		log.Debug("sqlgate: authentication successful", "username", username)
		writer.Start(types.ServerAuth)
		writer.AddInt32(0)
		return ctx, writer.End()
	}
}

// queryHandler checks each statement against the SQL policy and runs it on
// the warehouse. Rows are fetched at parse time since the column
// descriptions come from the result.
func (s *Server) queryHandler(ctx context.Context, query string) (wire.PreparedStatements, error) {
	s.log.Debug("sqlgate: incoming query", "query", query)

	normalized := strings.TrimSpace(query)
	if normalized == "" || normalized == ";" {
		metrics.QueriesTotal.WithLabelValues(outcomeEmpty).Inc()
		return wire.Prepared(wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
				return writer.Complete("")
			},
			wire.WithColumns(wire.Columns{}),
		)), nil
	}

	if strings.ToLower(strings.Join(strings.Fields(query), " ")) == "-- ping" {
		metrics.QueriesTotal.WithLabelValues(outcomePing).Inc()
		return wire.Prepared(wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
				if err := writer.Row([]any{"pong"}); err != nil {
					return err
				}
				return writer.Complete("SELECT")
			},
			wire.WithColumns(wire.Columns{{Name: "pong", Oid: pgtype.TextOID}}),
		)), nil
	}

	if v := sqlpolicy.Validate(query); !v.Valid {
		metrics.QueriesTotal.WithLabelValues(outcomeRejected).Inc()
		s.log.Info("sqlgate: query rejected by policy", "errors", v.Errors)
		return nil, pgerror.WithCode(fmt.Errorf("SQL policy violation: %s", v.Error()), codes.InsufficientPrivilege)
	}

	res, err := s.cfg.Executor.Execute(ctx, query)
	if err != nil {
		var policyErr *warehouse.PolicyError
		if errors.As(err, &policyErr) {
			metrics.QueriesTotal.WithLabelValues(outcomeRejected).Inc()
			return nil, pgerror.WithCode(err, codes.InsufficientPrivilege)
		}
		metrics.QueriesTotal.WithLabelValues(outcomeError).Inc()
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	metrics.QueriesTotal.WithLabelValues(outcomeOK).Inc()
	if res.Truncated {
		s.log.Debug("sqlgate: result truncated", "rows", res.RowCount)
	}

	columns := make(wire.Columns, len(res.Columns))
	for i, name := range res.Columns {
		typ := oid.Oid(pgtype.TextOID)
		if i < len(res.ColumnTypes) {
			typ = columnOID(res.ColumnTypes[i])
		}
		columns[i] = wire.Column{Name: name, Oid: typ}
	}

	return wire.Prepared(wire.NewStatement(
		func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
			for _, row := range res.Rows {
				values := make([]any, len(columns))
				for i := range columns {
					var val any
					if i < len(row) {
						val = row[i]
					}
					encoded, err := encodeValue(val, columns[i].Oid)
					if err != nil {
						return fmt.Errorf("failed to encode value for column %s: %w", columns[i].Name, err)
					}
					values[i] = encoded
				}
				if err := writer.Row(values); err != nil {
					return err
				}
			}
			return writer.Complete("SELECT")
		},
		wire.WithColumns(columns),
	)), nil
}

// columnOID maps a PostgreSQL or ClickHouse column type name to the OID
// advertised to clients. Nullable and LowCardinality wrappers are ignored.
func columnOID(typeName string) oid.Oid {
	name := strings.ToUpper(unwrapType(strings.TrimSpace(typeName)))

	switch {
	case name == "BOOL" || name == "BOOLEAN":
		return pgtype.BoolOID
	case strings.HasPrefix(name, "INTERVAL"):
		return pgtype.TextOID
	case strings.HasPrefix(name, "INT"), strings.HasPrefix(name, "UINT"),
		strings.HasPrefix(name, "BIGINT"), strings.HasPrefix(name, "SMALLINT"):
		return pgtype.Int8OID
	case strings.HasPrefix(name, "FLOAT"), strings.HasPrefix(name, "DOUBLE"), name == "REAL",
		strings.HasPrefix(name, "DECIMAL"), strings.HasPrefix(name, "NUMERIC"):
		return pgtype.Float8OID
	case strings.HasPrefix(name, "TIMESTAMP"), strings.HasPrefix(name, "DATETIME"):
		return pgtype.TimestamptzOID
	case strings.HasPrefix(name, "DATE"):
		return pgtype.DateOID
	default:
		return pgtype.TextOID
	}
}

func unwrapType(name string) string {
	for _, wrapper := range []string{"Nullable(", "LowCardinality("} {
		for strings.HasPrefix(name, wrapper) && strings.HasSuffix(name, ")") {
			name = strings.TrimSuffix(strings.TrimPrefix(name, wrapper), ")")
		}
	}
	return name
}

// encodeValue converts a warehouse scalar to the Go value psql-wire encodes
// for typ.
func encodeValue(val any, typ oid.Oid) (any, error) {
	if val == nil {
		return nil, nil
	}

	switch typ {
	case pgtype.BoolOID:
		switch v := val.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			return b, nil
		}
	case pgtype.Int8OID:
		switch v := val.(type) {
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse integer: %w", err)
			}
			return n, nil
		}
	case pgtype.Float8OID:
		switch v := val.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			return f, nil
		}
	case pgtype.DateOID, pgtype.TimestamptzOID:
		if s, ok := val.(string); ok {
			for _, layout := range []string{time.RFC3339Nano, time.DateTime, time.DateOnly} {
				if t, err := time.Parse(layout, s); err == nil {
					return t, nil
				}
			}
			return nil, fmt.Errorf("failed to parse time %q", s)
		}
	case pgtype.TextOID:
		if s, ok := val.(string); ok {
			return s, nil
		}
	}
	return fmt.Sprintf("%v", val), nil
}

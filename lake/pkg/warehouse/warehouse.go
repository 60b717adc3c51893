// Package warehouse runs policy-checked, read-only, row-capped queries
// against the sales warehouse. PostgreSQL and ClickHouse backends share the
// same guard and result shape.
package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/sqlpolicy"
	"github.com/malbeclabs/pharma-lake/lake/pkg/warehouse/metrics"
)

const (
	DefaultMaxRows      = 100
	DefaultQueryTimeout = 30 * time.Second
)

// Executor runs a single read-only query.
type Executor interface {
	Execute(ctx context.Context, sql string) (*QueryResult, error)
	ErrorPolicy() ErrorPolicy
	Close()
}

// guard applies the checks every backend performs before touching the
// database and returns the row-capped statement to run.
func guard(sql string, maxRows int) (string, error) {
	if v := sqlpolicy.Validate(sql); !v.Valid {
		return "", &PolicyError{Errors: v.Errors}
	}
	return capQuery(sql, maxRows), nil
}

// capQuery wraps sql so that at most maxRows+1 rows come back; the extra row
// is how truncation is detected. The closing parenthesis goes on its own line
// so a trailing line comment cannot swallow it.
func capQuery(sql string, maxRows int) string {
	clean := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(sql), ";"))
	return fmt.Sprintf("SELECT * FROM (%s\n) _q LIMIT %d", clean, maxRows+1)
}

func observe(backend string, start time.Time, res *QueryResult, err error) {
	metrics.QueryDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	switch err.(type) {
	case nil:
		metrics.QueriesTotal.WithLabelValues(backend, "ok").Inc()
		metrics.RowsReturned.WithLabelValues(backend).Add(float64(res.RowCount))
		if res.Truncated {
			metrics.TruncatedResults.WithLabelValues(backend).Inc()
		}
	case *PolicyError:
		metrics.QueriesTotal.WithLabelValues(backend, "policy_error").Inc()
	default:
		metrics.QueriesTotal.WithLabelValues(backend, "db_error").Inc()
	}
}

func truncateSQL(sql string) string {
	if len(sql) <= 200 {
		return sql
	}
	return sql[:200] + "..."
}

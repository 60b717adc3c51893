package warehouse

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	laketesting "github.com/malbeclabs/pharma-lake/lake/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestWarehouse_CapQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sql  string
		max  int
		want string
	}{
		{
			name: "plain",
			sql:  "SELECT 1",
			max:  100,
			want: "SELECT * FROM (SELECT 1\n) _q LIMIT 101",
		},
		{
			name: "trailing semicolons and whitespace",
			sql:  "  SELECT region FROM dim_territory ;; \n",
			max:  5,
			want: "SELECT * FROM (SELECT region FROM dim_territory\n) _q LIMIT 6",
		},
		{
			name: "existing limit preserved inside",
			sql:  "SELECT * FROM fact_sales LIMIT 500",
			max:  100,
			want: "SELECT * FROM (SELECT * FROM fact_sales LIMIT 500\n) _q LIMIT 101",
		},
		{
			name: "trailing line comment",
			sql:  "SELECT * FROM dim_time -- latest first",
			max:  10,
			want: "SELECT * FROM (SELECT * FROM dim_time -- latest first\n) _q LIMIT 11",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, capQuery(tt.sql, tt.max))
		})
	}
}

func TestWarehouse_CapRows(t *testing.T) {
	t.Parallel()

	rows := make([][]any, 7)
	res := &QueryResult{Rows: rows}
	res.capRows(5)
	require.True(t, res.Truncated)
	require.Equal(t, 5, res.RowCount)
	require.Len(t, res.Rows, 5)

	res = &QueryResult{Rows: make([][]any, 5)}
	res.capRows(5)
	require.False(t, res.Truncated)
	require.Equal(t, 5, res.RowCount)
}

type stringer struct{}

func (stringer) String() string { return "custom" }

type decimalLike struct{ f float64 }

func (d decimalLike) InexactFloat64() float64 { return d.f }

func TestWarehouse_JSONValue(t *testing.T) {
	t.Parallel()

	var numeric pgtype.Numeric
	require.NoError(t, numeric.Scan("1234.50"))

	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "nil", in: nil, want: nil},
		{name: "bool", in: true, want: true},
		{name: "int32", in: int32(7), want: int64(7)},
		{name: "uint8", in: uint8(3), want: int64(3)},
		{name: "huge uint64", in: uint64(math.MaxUint64), want: "18446744073709551615"},
		{name: "float", in: 1.5, want: 1.5},
		{name: "nan", in: math.NaN(), want: nil},
		{name: "inf", in: math.Inf(1), want: nil},
		{name: "bytes", in: []byte("abc"), want: "abc"},
		{name: "date", in: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), want: "2024-01-31"},
		{name: "timestamp", in: time.Date(2024, 1, 31, 12, 30, 0, 0, time.UTC), want: "2024-01-31T12:30:00Z"},
		{name: "numeric", in: numeric, want: 1234.5},
		{name: "invalid numeric", in: pgtype.Numeric{}, want: nil},
		{name: "decimal", in: decimalLike{f: 2.25}, want: 2.25},
		{name: "stringer", in: stringer{}, want: "custom"},
		{name: "fallback", in: [2]int{1, 2}, want: "[1 2]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, jsonValue(tt.in))
		})
	}
}

func TestWarehouse_ErrorPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		policy     ErrorPolicy
		err        error
		label      string
		repairable bool
	}{
		{
			name:       "postgres unknown column",
			policy:     PostgresErrors,
			err:        &DBError{Message: `column "revenue" does not exist`},
			label:      "unknown column",
			repairable: true,
		},
		{
			name:       "postgres missing relation",
			policy:     PostgresErrors,
			err:        &DBError{Message: `relation "sales" does not exist`},
			label:      "undefined table",
			repairable: true,
		},
		{
			name:       "postgres group by",
			policy:     PostgresErrors,
			err:        &DBError{Message: `column "dp.brand_name" must appear in the GROUP BY clause or be used in an aggregate function`},
			label:      "GROUP BY required",
			repairable: true,
		},
		{
			name:       "postgres missing from",
			policy:     PostgresErrors,
			err:        &DBError{Message: `missing FROM-clause entry for table "dt"`},
			label:      "missing FROM clause",
			repairable: true,
		},
		{
			name:       "postgres timeout not repairable",
			policy:     PostgresErrors,
			err:        &DBError{Message: "canceling statement due to statement timeout"},
			label:      "query error",
			repairable: false,
		},
		{
			name:       "policy error never repairable",
			policy:     PostgresErrors,
			err:        &PolicyError{Errors: []string{"syntax error near DROP"}},
			label:      "query error",
			repairable: false,
		},
		{
			name:       "clickhouse unknown identifier",
			policy:     ClickHouseErrors,
			err:        &DBError{Message: "UNKNOWN_IDENTIFIER: Unknown expression identifier `revenue` in scope SELECT revenue"},
			label:      "unknown column",
			repairable: true,
		},
		{
			name:       "clickhouse aggregate",
			policy:     ClickHouseErrors,
			err:        &DBError{Message: "NOT_AN_AGGREGATE: Column `region` is not under aggregate function and not in GROUP BY keys"},
			label:      "GROUP BY required",
			repairable: true,
		},
		{
			name:       "plain error",
			policy:     ClickHouseErrors,
			err:        errors.New("connection reset"),
			label:      "query error",
			repairable: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := tt.err.Error()
			var dbErr *DBError
			if errors.As(tt.err, &dbErr) {
				msg = dbErr.Message
			}
			if _, ok := tt.err.(*PolicyError); !ok {
				require.Equal(t, tt.label, tt.policy.Label(msg))
			}
			require.Equal(t, tt.repairable, tt.policy.Repairable(tt.err))
		})
	}
}

func TestWarehouse_PolicyCheckedBeforeExecution(t *testing.T) {
	t.Parallel()

	// No pool: the guard must reject before any connection is used.
	e := &PostgresExecutor{log: laketesting.NewLogger(t), cfg: PostgresConfig{MaxRows: 10}}
	_, err := e.Execute(context.Background(), "DELETE FROM fact_sales")

	var policyErr *PolicyError
	require.ErrorAs(t, err, &policyErr)
	require.Equal(t, "SQL policy violation: SQL must start with SELECT or WITH.; Forbidden keyword: DELETE", err.Error())
}

func TestWarehouse_ConfigValidate(t *testing.T) {
	t.Parallel()

	log := laketesting.NewLogger(t)

	pg := PostgresConfig{Logger: log}
	require.ErrorContains(t, pg.Validate(), "pool is required")

	ch := ClickHouseConfig{Logger: log, Addr: "localhost:9000"}
	require.NoError(t, ch.Validate())
	require.Equal(t, DefaultMaxRows, ch.MaxRows)
	require.Equal(t, DefaultQueryTimeout, ch.QueryTimeout)
	require.Equal(t, "default", ch.Database)

	ch = ClickHouseConfig{Logger: log}
	require.ErrorContains(t, ch.Validate(), "addr is required")
}

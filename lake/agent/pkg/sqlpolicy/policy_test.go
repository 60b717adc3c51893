package sqlpolicy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLPolicy_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		sql       string
		wantValid bool
		wantErrs  []string
	}{
		{
			name:      "simple aggregate",
			sql:       "SELECT dp.brand_name, SUM(fs.net_sales_usd) AS revenue FROM fact_sales fs JOIN dim_product dp ON fs.product_id = dp.product_id GROUP BY 1 ORDER BY 2 DESC LIMIT 10",
			wantValid: true,
		},
		{
			name:      "trailing semicolon allowed",
			sql:       "SELECT COUNT(*) FROM fact_sales;",
			wantValid: true,
		},
		{
			name:      "lowercase with leading whitespace",
			sql:       "\n  select region from dim_territory",
			wantValid: true,
		},
		{
			name:      "cte referencing allowed tables",
			sql:       "WITH q AS (SELECT dt.year_quarter, SUM(fs.trx) AS trx FROM fact_sales fs JOIN dim_time dt ON fs.date = dt.date GROUP BY 1) SELECT * FROM q ORDER BY 1",
			wantValid: true,
		},
		{
			name:      "extract from date is not a table",
			sql:       "SELECT EXTRACT(YEAR FROM fs.date) AS yr, SUM(fs.units) FROM fact_sales fs GROUP BY 1",
			wantValid: true,
		},
		{
			name:      "semicolon inside string literal",
			sql:       "SELECT * FROM dim_product WHERE brand_name = 'a;b'",
			wantValid: true,
		},
		{
			name:      "forbidden word inside comment ignored",
			sql:       "SELECT * FROM dim_time -- never DROP anything\n",
			wantValid: true,
		},
		{
			name:      "offset is not set",
			sql:       "SELECT * FROM dim_time LIMIT 10 OFFSET 5",
			wantValid: true,
		},
		{
			name:     "empty",
			sql:      "   ",
			wantErrs: []string{ErrEmpty},
		},
		{
			name:     "delete statement",
			sql:      "DELETE FROM fact_sales",
			wantErrs: []string{ErrNotSelect, "Forbidden keyword: DELETE"},
		},
		{
			name:     "drop after select",
			sql:      "SELECT 1; DROP TABLE fact_sales",
			wantErrs: []string{ErrMultipleStatements, "Forbidden keyword: DROP"},
		},
		{
			name:     "first forbidden keyword only",
			sql:      "SELECT 1 FROM dim_time WHERE 1=1 /* */ AND EXISTS (SELECT 1) UNION SELECT 'x' FROM dim_time; UPDATE x SET y = 1",
			wantErrs: []string{ErrMultipleStatements, "Forbidden keyword: UPDATE"},
		},
		{
			name:     "table outside allowlist",
			sql:      "SELECT * FROM pg_user",
			wantErrs: []string{"Table not allowed: pg_user"},
		},
		{
			name:     "joined table outside allowlist",
			sql:      "SELECT * FROM fact_sales fs JOIN Payroll p ON p.id = fs.id",
			wantErrs: []string{"Table not allowed: payroll"},
		},
		{
			name:      "chained ctes",
			sql:       "WITH a AS (SELECT * FROM fact_sales), b AS (SELECT * FROM a) SELECT * FROM b, dim_time",
			wantValid: true,
		},
		{
			name:      "comma join of allowed tables",
			sql:       "SELECT * FROM fact_sales fs, dim_time AS dt, (SELECT 1) x, dim_product WHERE fs.date = dt.date",
			wantValid: true,
		},
		{
			name:      "trim and substring with from",
			sql:       "SELECT TRIM(BOTH ' ' FROM dp.brand_name), SUBSTRING(dp.brand_name FROM 1 FOR 3) FROM dim_product dp",
			wantValid: true,
		},
		{
			name:     "cte shadowing a foreign table",
			sql:      "WITH pg_shadow AS (SELECT * FROM pg_shadow) SELECT * FROM pg_shadow",
			wantErrs: []string{"Table not allowed: pg_shadow"},
		},
		{
			name:     "recursive-looking cte reads foreign table",
			sql:      "WITH chat_message AS (SELECT * FROM fact_sales JOIN chat_message ON true) SELECT * FROM chat_message",
			wantErrs: []string{"Table not allowed: chat_message"},
		},
		{
			name:     "subquery inside substring",
			sql:      "SELECT SUBSTRING('x' FROM (SELECT passwd FROM pg_shadow LIMIT 1)) AS s FROM fact_sales fs",
			wantErrs: []string{"Table not allowed: pg_shadow"},
		},
		{
			name:     "subquery inside extract",
			sql:      "SELECT EXTRACT(YEAR FROM (SELECT MAX(created_at) FROM audit_log)) FROM dim_time",
			wantErrs: []string{"Table not allowed: audit_log"},
		},
		{
			name:     "comma join to foreign table",
			sql:      "SELECT * FROM fact_sales fs, audit_log",
			wantErrs: []string{"Table not allowed: audit_log"},
		},
		{
			name:     "comma join after derived table",
			sql:      "SELECT * FROM (SELECT * FROM fact_sales) s, users u",
			wantErrs: []string{"Table not allowed: users"},
		},
		{
			name:     "duplicate foreign table reported once",
			sql:      "SELECT * FROM users u JOIN users v ON u.id = v.id",
			wantErrs: []string{"Table not allowed: users"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Validate(tt.sql)
			if tt.wantValid {
				require.True(t, got.Valid, "errors: %v", got.Errors)
				require.Empty(t, got.Errors)
				return
			}
			require.False(t, got.Valid)
			require.Equal(t, tt.wantErrs, got.Errors)
		})
	}
}

func TestSQLPolicy_MutatingKeywordsAlwaysRejected(t *testing.T) {
	t.Parallel()

	for _, kw := range ForbiddenKeywords {
		t.Run(kw, func(t *testing.T) {
			t.Parallel()
			got := Validate("SELECT * FROM fact_sales WHERE " + kw + " = 1")
			require.False(t, got.Valid)
			require.Contains(t, got.Errors, "Forbidden keyword: "+kw)
		})
	}
}

func TestSQLPolicy_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"SELECT * FROM fact_sales",
		"DROP TABLE x; SELECT 1",
		"",
		"WITH a AS (SELECT 1) SELECT * FROM a JOIN secrets s ON true",
	}
	for _, sql := range inputs {
		first := Validate(sql)
		second := Validate(sql)
		require.Equal(t, first, second)
	}
}

func TestSQLPolicy_ReferencedTables(t *testing.T) {
	t.Parallel()

	got := ReferencedTables(`
		WITH monthly AS (
			SELECT dt.year_month, SUM(fs.net_sales_usd) AS sales
			FROM fact_sales fs
			JOIN dim_time dt ON fs.date = dt.date
			GROUP BY 1
		)
		SELECT m.*, 'FROM other' AS note FROM monthly m
		JOIN dim_product dp ON true`)
	require.Equal(t, []string{"fact_sales", "dim_time", "dim_product"}, got)
}

func TestSQLPolicy_ReferencedTables_Cases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{
			name: "cte name inside its own body is a real table",
			sql:  "WITH x AS (SELECT * FROM x) SELECT * FROM x",
			want: []string{"x"},
		},
		{
			name: "comma list in appearance order",
			sql:  "SELECT * FROM (SELECT * FROM b) s, a, c JOIN d ON true",
			want: []string{"b", "a", "c", "d"},
		},
		{
			name: "is distinct from is not a relation",
			sql:  "SELECT fs.units IS DISTINCT FROM fs.trx FROM fact_sales fs",
			want: []string{"fact_sales"},
		},
		{
			name: "generate_series in from list",
			sql:  "SELECT * FROM generate_series(1, 3) g, dim_time",
			want: []string{"dim_time"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ReferencedTables(tt.sql))
		})
	}
}

func TestSQLPolicy_AllowlistSummary(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		"Allowed tables: dim_product, dim_territory, dim_time, fact_sales. Only SELECT statements are permitted. No DDL, DML, or multiple statements.",
		AllowlistSummary(),
	)
}

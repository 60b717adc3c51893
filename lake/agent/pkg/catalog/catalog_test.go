package catalog

import (
	"slices"
	"strings"
	"testing"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/sqlpolicy"
	"github.com/stretchr/testify/require"
)

func TestCatalog_Default(t *testing.T) {
	t.Parallel()

	c, err := Default()
	require.NoError(t, err)

	again, err := Default()
	require.NoError(t, err)
	require.Same(t, c, again)

	require.Equal(t, []string{"fact_sales", "dim_product", "dim_territory", "dim_time"}, c.TableNames())
	require.Contains(t, c.KnownEntities.Regions, "Northeast")
}

func TestCatalog_MatchesSQLPolicy(t *testing.T) {
	t.Parallel()

	c, err := Default()
	require.NoError(t, err)

	for _, table := range c.Tables {
		require.True(t, slices.Contains(sqlpolicy.AllowedTables, table.Name), "table %s not allowed by policy", table.Name)
		for _, col := range table.Columns {
			require.True(t, slices.Contains(sqlpolicy.AllowedColumns, col.Name), "column %s.%s not allowed by policy", table.Name, col.Name)
		}
	}
}

func TestCatalog_Summary(t *testing.T) {
	t.Parallel()

	c, err := Default()
	require.NoError(t, err)

	s := c.Summary()
	require.True(t, strings.HasPrefix(s, "• fact_sales: "))
	require.Contains(t, s, "  Columns: id (bigint), date (date), product_id (integer)")
	require.Contains(t, s, "\nJoins: fact_sales.product_id → dim_product.product_id; ")
	require.Contains(t, s, "\nMetrics: avg_daily_revenue: AVG(fact_sales.net_sales_usd); ")
	require.Contains(t, s, "Regions: Northeast, Southeast, Midwest, Southwest, West")
	require.Contains(t, s, "\nData notes:\n  - ")
}

func TestCatalog_Parse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		doc     string
		wantErr bool
		errMsg  string
	}{
		{
			name: "minimal",
			doc:  "tables:\n  - name: t\n    description: d\n    columns: [{name: a, type: int}]\n",
		},
		{
			name:    "no tables",
			doc:     "joins: []\n",
			wantErr: true,
			errMsg:  "no tables",
		},
		{
			name:    "invalid yaml",
			doc:     "tables: [",
			wantErr: true,
			errMsg:  "failed to parse semantic schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := Parse([]byte(tt.doc))
			if tt.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "• t: d\n  Columns: a (int)", c.Summary())
		})
	}
}

package laketesting

import (
	"context"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// Seeded warehouse shape: 91 days (2024 Q1) x 3 products x 4 territories.
const (
	SeedDays        = 91
	SeedProducts    = 3
	SeedTerritories = 4
	SeedFactRows    = SeedDays * SeedProducts * SeedTerritories
)

var postgresWarehouseDDL = []string{
	`CREATE TABLE dim_product (
		product_id INT PRIMARY KEY,
		brand_name TEXT NOT NULL,
		generic_name TEXT NOT NULL,
		company_name TEXT NOT NULL,
		therapeutic_area TEXT NOT NULL,
		dosage_form TEXT NOT NULL,
		launch_date DATE NOT NULL,
		is_active BOOLEAN NOT NULL
	)`,
	`CREATE TABLE dim_territory (
		territory_id INT PRIMARY KEY,
		region TEXT NOT NULL,
		district TEXT NOT NULL,
		state TEXT NOT NULL
	)`,
	`CREATE TABLE dim_time (
		date DATE PRIMARY KEY,
		year INT NOT NULL,
		quarter INT NOT NULL,
		month INT NOT NULL,
		week INT NOT NULL,
		day_of_week INT NOT NULL,
		year_quarter TEXT NOT NULL,
		year_month TEXT NOT NULL,
		is_month_end BOOLEAN NOT NULL
	)`,
	`CREATE TABLE fact_sales (
		id BIGSERIAL PRIMARY KEY,
		date DATE NOT NULL,
		product_id INT NOT NULL,
		territory_id INT NOT NULL,
		net_sales_usd NUMERIC(14, 2) NOT NULL,
		units INT NOT NULL,
		trx INT NOT NULL,
		nrx INT NOT NULL
	)`,
	`INSERT INTO dim_product VALUES
		(1, 'Cardiozen', 'zenolol', 'Acme Pharma', 'Cardiovascular', 'tablet', '2019-03-01', true),
		(2, 'Respira', 'respiramab', 'Acme Pharma', 'Respiratory', 'inhaler', '2020-07-15', true),
		(3, 'Oncovix', 'oncovixib', 'Helix Bio', 'Oncology', 'injection', '2021-11-01', true)`,
	`INSERT INTO dim_territory VALUES
		(1, 'Northeast', 'Boston', 'MA'),
		(2, 'Northeast', 'New York', 'NY'),
		(3, 'Midwest', 'Chicago', 'IL'),
		(4, 'West', 'Los Angeles', 'CA')`,
	`INSERT INTO dim_time
		SELECT d::date,
			EXTRACT(YEAR FROM d)::int,
			EXTRACT(QUARTER FROM d)::int,
			EXTRACT(MONTH FROM d)::int,
			EXTRACT(WEEK FROM d)::int,
			EXTRACT(ISODOW FROM d)::int,
			to_char(d, 'YYYY') || '-Q' || EXTRACT(QUARTER FROM d)::int,
			to_char(d, 'YYYY-MM'),
			EXTRACT(MONTH FROM d + interval '1 day') <> EXTRACT(MONTH FROM d)
		FROM generate_series('2024-01-01'::date, '2024-03-31'::date, interval '1 day') AS d`,
	`INSERT INTO fact_sales (date, product_id, territory_id, net_sales_usd, units, trx, nrx)
		SELECT dt.date, p.product_id, t.territory_id,
			1000 + p.product_id * 100 + t.territory_id * 10,
			10 * p.product_id,
			5 + t.territory_id,
			2
		FROM dim_time dt CROSS JOIN dim_product p CROSS JOIN dim_territory t`,
}

// SeedPostgresWarehouse creates and fills the sales warehouse tables.
func SeedPostgresWarehouse(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	for _, stmt := range postgresWarehouseDDL {
		_, err := pool.Exec(ctx, stmt)
		require.NoError(t, err)
	}
}

var clickhouseWarehouseDDL = []string{
	`CREATE TABLE dim_product (
		product_id Int32,
		brand_name String,
		therapeutic_area String,
		is_active Bool
	) ENGINE = MergeTree ORDER BY product_id`,
	`INSERT INTO dim_product VALUES
		(1, 'Cardiozen', 'Cardiovascular', true),
		(2, 'Respira', 'Respiratory', true),
		(3, 'Oncovix', 'Oncology', true)`,
	`CREATE TABLE fact_sales (
		id UInt64,
		date Date,
		product_id Int32,
		territory_id Int32,
		net_sales_usd Decimal(14, 2),
		units Int32,
		trx Int32,
		nrx Nullable(Int32)
	) ENGINE = MergeTree ORDER BY id`,
	`INSERT INTO fact_sales
		SELECT number,
			toDate('2024-01-01') + intDiv(number, 12),
			1 + (number % 3),
			1 + (number % 4),
			toDecimal64(1000.5, 2),
			10,
			5,
			if(number % 2 = 0, NULL, 2)
		FROM numbers(1092)`,
}

// SeedClickHouseWarehouse creates a reduced warehouse in ClickHouse.
func SeedClickHouseWarehouse(t *testing.T, conn driver.Conn) {
	t.Helper()
	ctx := context.Background()
	for _, stmt := range clickhouseWarehouseDDL {
		require.NoError(t, conn.Exec(ctx, stmt))
	}
}

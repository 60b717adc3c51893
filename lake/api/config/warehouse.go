package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/pharma-lake/lake/pkg/warehouse"
)

// NewWarehouse opens the configured warehouse executor. appPool is reused
// when the warehouse lives in the application database; the returned
// executor's Close releases anything opened here.
func NewWarehouse(ctx context.Context, log *slog.Logger, cfg *Config, appPool *pgxpool.Pool) (warehouse.Executor, error) {
	switch cfg.WarehouseDriver {
	case DriverClickHouse:
		chCfg, err := cfg.ClickHouseConfig()
		if err != nil {
			return nil, err
		}
		chCfg.Logger = log
		return warehouse.NewClickHouse(ctx, chCfg)
	case DriverPostgres:
		pool := appPool
		owned := false
		if pool == nil || cfg.WarehouseURL != cfg.DatabaseURL {
			var err error
			if pool, err = NewPostgresPool(ctx, log, cfg.WarehouseURL); err != nil {
				return nil, fmt.Errorf("failed to connect to warehouse: %w", err)
			}
			owned = true
		}
		exec, err := warehouse.NewPostgres(warehouse.PostgresConfig{Logger: log, Pool: pool, MaxRows: cfg.MaxRows})
		if err != nil {
			if owned {
				pool.Close()
			}
			return nil, err
		}
		if owned {
			return &ownedPool{PostgresExecutor: exec, pool: pool}, nil
		}
		return exec, nil
	default:
		return nil, fmt.Errorf("unsupported warehouse driver %q", cfg.WarehouseDriver)
	}
}

type ownedPool struct {
	*warehouse.PostgresExecutor
	pool *pgxpool.Pool
}

func (o *ownedPool) Close() {
	o.pool.Close()
}

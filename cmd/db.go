package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xkilldash9x/hpgscan/internal/config"
	"github.com/xkilldash9x/hpgscan/internal/hpg"
)

// poolProvider opens database connections. Tests inject pgxmock pools.
type poolProvider interface {
	// Open returns a ready pool and a cleanup function that releases it.
	Open(ctx context.Context, cfg config.Interface) (hpg.DBPool, func(), error)
}

type pgxPoolProvider struct{}

// NewPoolProvider returns the pgxpool-backed provider.
func NewPoolProvider() poolProvider {
	return &pgxPoolProvider{}
}

func (p *pgxPoolProvider) Open(ctx context.Context, cfg config.Interface) (hpg.DBPool, func(), error) {
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (HPGSCAN_DATABASE_URL)")
	}
	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, pool.Close, nil
}

package storage

import (
	"context"
	"fmt"

	"github.com/mattjoyce/spendgate/internal/config"
)

// Open returns the database selected by the state config.
func Open(ctx context.Context, cfg config.StateConfig) (*DB, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, PostgresOptions{DSN: cfg.DSN, MaxOpenConns: cfg.MaxOpenConns})
	default:
		return nil, fmt.Errorf("unsupported state driver %q", cfg.Driver)
	}
}

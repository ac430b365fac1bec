package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresOptions configures the shared pool.
type PostgresOptions struct {
	DSN             string
	MaxOpenConns    int
	PingTimeout     time.Duration
	ConnMaxLifetime time.Duration
}

// OpenPostgres connects through the pgx stdlib driver, pings, and bootstraps
// the schema.
func OpenPostgres(ctx context.Context, opts PostgresOptions) (*DB, error) {
	if opts.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if opts.MaxOpenConns < 1 {
		opts.MaxOpenConns = 10
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 2 * time.Second
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 30 * time.Minute
	}

	db, err := sql.Open("pgx", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns / 2)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := Bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{DB: db, Dialect: Postgres}, nil
}

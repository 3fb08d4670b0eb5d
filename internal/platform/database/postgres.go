package database

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is a type alias for pgxpool.Pool for use in other packages.
type Pool = pgxpool.Pool

// Option tunes the pool built by Connect. Zero values keep the pgx defaults.
type Option func(*pgxpool.Config)

func WithMaxConns(n int) Option {
	return func(c *pgxpool.Config) {
		if n > 0 && n <= math.MaxInt32 {
			c.MaxConns = int32(n) // #nosec G115 -- bounds checked above
		}
	}
}

func WithMinConns(n int) Option {
	return func(c *pgxpool.Config) {
		if n > 0 && n <= math.MaxInt32 {
			c.MinConns = int32(n) // #nosec G115 -- bounds checked above
		}
	}
}

// WithConnLifetime recycles connections older than lifetime or idle longer
// than idle.
func WithConnLifetime(lifetime, idle time.Duration) Option {
	return func(c *pgxpool.Config) {
		if lifetime > 0 {
			c.MaxConnLifetime = lifetime
		}
		if idle > 0 {
			c.MaxConnIdleTime = idle
		}
	}
}

// WithApplicationName tags sessions in pg_stat_activity. A name given in the
// URL wins.
func WithApplicationName(name string) Option {
	return func(c *pgxpool.Config) {
		if name == "" {
			return
		}
		if _, ok := c.ConnConfig.RuntimeParams["application_name"]; ok {
			return
		}
		c.ConnConfig.RuntimeParams["application_name"] = name
	}
}

func poolConfig(databaseURL string, opts ...Option) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.MinConns > config.MaxConns {
		config.MinConns = config.MaxConns
	}
	return config, nil
}

// Connect opens a pool and pings it.
func Connect(ctx context.Context, databaseURL string, opts ...Option) (*pgxpool.Pool, error) {
	config, err := poolConfig(databaseURL, opts...)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

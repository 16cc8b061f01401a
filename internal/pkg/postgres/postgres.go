// Package postgres provides PostgreSQL database connection utilities.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config contains PostgreSQL connection configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectAttempts int
}

// Connect establishes a connection pool to PostgreSQL, retrying with
// exponential backoff while the database is unreachable.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var (
		pool    *pgxpool.Pool
		attempt int
	)
	operation := func() error {
		attempt++
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return fmt.Errorf("create connection pool: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return fmt.Errorf("ping database: %w", err)
		}
		pool = p
		return nil
	}

	notify := func(err error, next time.Duration) {
		slog.Warn("failed to connect to database, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", next,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(operation, newBackOff(ctx, attempts), notify); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("connect to database after %d attempts: %w", attempt, err)
	}

	slog.Info("connected to database", "attempts", attempt)
	return pool, nil
}

// newBackOff returns exponential backoff from 1s capped at 16s, allowing
// attempts-1 retries.
func newBackOff(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 16 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

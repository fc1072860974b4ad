// Package postgres builds the instrumented pgx pool shared by the SQL
// stores and carries per-request query statistics.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Options tunes the pool and its query tracer.
type Options struct {
	// MaxConns caps the pool size. Zero keeps the pgxpool default.
	MaxConns int32

	// SlowQuery is the duration at or above which successful queries are
	// logged at warn level. Zero logs every query at info level.
	SlowQuery time.Duration

	// LogArgs includes bound query arguments in query logs.
	LogArgs bool
}

// NewPool connects to databaseURL with OpenTelemetry tracing and query
// logging installed, and verifies the connection.
func NewPool(ctx context.Context, databaseURL string, opts Options) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(), opts)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

package db

import (
	"context"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type Client struct {
	pool *pgxpool.Pool
	conn DBTX
}

type Option func(config *pgxpool.Config)

func WithMaxConnections(maxConns int32) Option {
	return func(config *pgxpool.Config) {
		config.MaxConns = maxConns
	}
}

func WithMinIdle(minIdle int32) Option {
	return func(config *pgxpool.Config) {
		config.MinIdleConns = minIdle
	}
}

func NewClient(ctx context.Context, databaseURL string, options ...Option) (*Client, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		zap.L().Error("Unable to parse database URL", zap.Error(err))

		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	for _, option := range options {
		option(config)
	}

	config.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		zap.L().Error("Unable to create connection pool", zap.Error(err))

		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := otelpgx.RecordStats(pool); err != nil {
		pool.Close()

		return nil, fmt.Errorf("failed to record pool stats: %w", err)
	}

	return &Client{pool: pool, conn: wrapRetry(pool, DefaultRetryConfig())}, nil
}

func (db *Client) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *Client) Close() error {
	db.pool.Close()

	return nil
}

// withTx runs fn in a read committed transaction and commits when fn returns nil.
func (db *Client) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// No-op after a successful commit.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

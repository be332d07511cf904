package db

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type operation string

const (
	operationExec  operation = "Exec"
	operationQuery operation = "Query"
	operationScan  operation = "Scan"
)

// DBTX is the subset of pgx shared by pools and transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2,
	}
}

type retryableDBTX struct {
	db     DBTX
	config RetryConfig
}

// wrapRetry adds retries for transient connection errors. Transactions are never wrapped.
func wrapRetry(db DBTX, config RetryConfig) DBTX {
	if _, ok := db.(pgx.Tx); ok {
		return db
	}

	return &retryableDBTX{db: db, config: config}
}

func (r *retryableDBTX) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var result pgconn.CommandTag
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		result, lastErr = r.db.Exec(ctx, sql, args...)
		if lastErr == nil {
			return result, nil
		}

		if !r.waitRetry(ctx, operationExec, attempt, lastErr) {
			return result, lastErr
		}
	}

	return result, lastErr
}

// Query retries only the initial round trip. The caller closes the returned rows.
func (r *retryableDBTX) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	var rows pgx.Rows
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		rows, lastErr = r.db.Query(ctx, sql, args...)
		if lastErr == nil {
			return rows, nil
		}

		if !r.waitRetry(ctx, operationQuery, attempt, lastErr) {
			return rows, lastErr
		}
	}

	return rows, lastErr
}

func (r *retryableDBTX) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &retryableRow{ctx: ctx, sql: sql, args: args, parent: r}
}

// retryableRow defers the query until Scan, where pgx surfaces errors.
type retryableRow struct {
	ctx    context.Context //nolint:containedctx // needed for the deferred Scan retry
	sql    string
	args   []any
	parent *retryableDBTX
}

func (r *retryableRow) Scan(dest ...any) error {
	var lastErr error

	for attempt := 1; attempt <= r.parent.config.MaxAttempts; attempt++ {
		lastErr = r.parent.db.QueryRow(r.ctx, r.sql, r.args...).Scan(dest...)
		if lastErr == nil {
			return nil
		}

		if !r.parent.waitRetry(r.ctx, operationScan, attempt, lastErr) {
			return lastErr
		}
	}

	return lastErr
}

func (r *retryableDBTX) waitRetry(ctx context.Context, op operation, attempt int, err error) bool {
	if ctx.Err() != nil || attempt >= r.config.MaxAttempts || !IsRetriable(err) {
		return false
	}

	zap.L().Warn("retrying database operation",
		zap.String("operation", string(op)),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", r.config.MaxAttempts),
		zap.Error(err),
	)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("db.retry", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("error", err.Error()),
		))
	}

	timer := time.NewTimer(calculateBackoff(r.config, attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func calculateBackoff(config RetryConfig, attempt int) time.Duration {
	backoff := float64(config.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= config.BackoffMultiplier
	}

	backoff = min(backoff, float64(config.MaxBackoff))

	// +/- 25% jitter
	backoff += backoff * 0.25 * (rand.Float64()*2 - 1)

	return time.Duration(backoff)
}

// IsRetriable reports whether the error is a transient connection or serialization failure.
func IsRetriable(err error) bool {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P03":
			return true
		default:
			return false
		}
	}

	return pgconn.SafeToRetry(err)
}

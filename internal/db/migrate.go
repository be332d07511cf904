package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"github.com/pressly/goose/v3/lock"
	"go.uber.org/zap"

	"github.com/e2b-dev/research/migrations"
)

const trackingTable = "_migrations"

// Migrate applies all pending embedded migrations under a Postgres session lock.
func Migrate(ctx context.Context, databaseURL string) error {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			zap.L().Warn("failed to close migration connection", zap.Error(err))
		}
	}()

	sessionLocker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return fmt.Errorf("failed to create session locker: %w", err)
	}

	// A custom store is needed for a custom tracking table.
	store, err := database.NewStore(goose.DialectPostgres, trackingTable)
	if err != nil {
		return fmt.Errorf("failed to create migration store: %w", err)
	}

	provider, err := goose.NewProvider("", conn, migrations.FS,
		goose.WithStore(store),
		goose.WithSessionLocker(sessionLocker),
	)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	for _, res := range results {
		zap.L().Info("applied migration", zap.String("direction", res.Direction), zap.String("path", res.Source.Path), zap.Duration("duration", res.Duration))
	}

	return nil
}

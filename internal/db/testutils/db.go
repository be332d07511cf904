package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/e2b-dev/research/internal/db"
)

const (
	testPostgresImage = "postgres:16-alpine"
	testDatabaseName  = "test_db"
	testUsername      = "postgres"
	testPassword      = "test_password"
)

// SetupDatabase creates a fresh PostgreSQL container with migrations applied.
func SetupDatabase(t *testing.T) *db.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	container, err := postgres.Run(
		t.Context(),
		testPostgresImage,
		postgres.WithDatabase(testDatabaseName),
		postgres.WithUsername(testUsername),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")

	connStr, err := container.ConnectionString(t.Context(), "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	require.NoError(t, db.Migrate(t.Context(), connStr), "Migration failed")

	client, err := db.NewClient(t.Context(), connStr)
	require.NoError(t, err, "Failed to create database client")

	t.Cleanup(func() {
		cleanupTestDatabase(t, context.WithoutCancel(t.Context()), client, container)
	})

	return client
}

func cleanupTestDatabase(tb testing.TB, ctx context.Context, client *db.Client, container *postgres.PostgresContainer) {
	tb.Helper()

	if client != nil {
		if err := client.Close(); err != nil {
			tb.Errorf("Failed to close database client: %s", err)
		}
	}

	if container != nil {
		if err := container.Terminate(ctx); err != nil {
			tb.Errorf("Failed to terminate container: %s", err)
		}
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/cfg"
	"github.com/e2b-dev/research/internal/db"
	"github.com/e2b-dev/research/internal/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	l := logger.New(logger.Config{Service: "migrate"})
	defer l.Sync()
	zap.ReplaceGlobals(l)

	config, err := cfg.Parse()
	if err != nil {
		l.Fatal("error parsing config", zap.Error(err))
	}

	if config.PostgresConnectionString == "" {
		l.Fatal("POSTGRES_CONNECTION_STRING is required")
	}

	if err := db.Migrate(ctx, config.PostgresConnectionString); err != nil {
		l.Error("migration failed", zap.Error(err))
		os.Exit(1)
	}

	l.Info("migrations applied")
}

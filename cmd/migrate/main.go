package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/atmx/vault-ledger/internal/config"
	"github.com/atmx/vault-ledger/internal/logging"
	"github.com/atmx/vault-ledger/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  DATABASE_URL - Postgres connection string (required)")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.New(logging.Options{Level: cfg.Log.Level, Console: cfg.Log.Format == "console"})
	logger := logging.Component("migrate")

	if cfg.DB.URL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DB.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer db.Close()

	migrator := store.NewMigrator(db, logger)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		rolled, err := migrator.Down(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		if !rolled {
			logger.Info().Msg("nothing to roll back")
			return
		}
		logger.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		os.Exit(1)
	}
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/carauction/go/internal/auction/repository"
	"github.com/mcdev12/carauction/go/internal/auction/seed"
	"github.com/mcdev12/carauction/go/internal/dbconfig"
)

// storage is the selected store plus what else the driver brings along.
type storage struct {
	store auctionStore
	// dsn is set for postgres, where deadline reconciliation also follows NOTIFY.
	dsn   string
	close func() error
}

func setupStorage(ctx context.Context, driver string) (*storage, error) {
	switch driver {
	case "postgres":
		return setupDatabase(ctx)
	case "memory":
		store := repository.NewMemoryStore()
		fixture := seed.NewFixture(time.Now())
		fixture.LoadInto(store)
		log.Warn().
			Int("auctions", len(fixture.Auctions)).
			Msg("using in-memory store with demo data, state is lost on exit")
		return &storage{store: store, close: func() error { return nil }}, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", driver)
	}
}

func setupDatabase(ctx context.Context) (*storage, error) {
	dbCfg := dbconfig.NewConfigFromEnv()

	database, err := sql.Open("postgres", dbCfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	dbCfg.Apply(database)

	if err := database.PingContext(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := repository.NewRepository(database)
	if err := repo.Migrate(ctx); err != nil {
		database.Close()
		return nil, err
	}

	log.Info().
		Str("user", dbCfg.User).
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("database", dbCfg.Database).
		Msg("connected to database")
	return &storage{store: repo, dsn: dbCfg.DSN(), close: database.Close}, nil
}

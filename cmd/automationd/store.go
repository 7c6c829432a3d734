package main

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-automation/internal/api"
	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/postgres"
	"github.com/nerrad567/gray-logic-automation/migrations"
)

// checkFunc adapts a plain function to api.HealthChecker.
type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// openedStore is the run store selected by database.driver together with
// its optional health check, pool statistics and cleanup.
type openedStore struct {
	store  automation.Store
	health api.HealthChecker
	stats  api.StatsProvider
	close  func()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log *logging.Logger) (*openedStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := database.Open(database.Config{
			Path:        cfg.Path,
			WALMode:     cfg.WALMode,
			BusyTimeout: cfg.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			db.Close() //nolint:errcheck // Best effort cleanup on error path
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		log.Info("database ready", "driver", cfg.Driver, "path", cfg.Path, "wal_mode", cfg.WALMode)
		return &openedStore{
			store:  automation.NewSQLiteRepository(db.DB),
			health: db,
			stats:  db,
			close: func() {
				if err := db.Close(); err != nil {
					log.Error("error closing database", "error", err)
				}
			},
		}, nil

	case config.DriverPostgres:
		pool, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("database ready", "driver", cfg.Driver, "max_conns", pool.Config().MaxConns)
		return &openedStore{
			store:  automation.NewPostgresRepository(pool),
			health: checkFunc(pool.Ping),
			close:  pool.Close,
		}, nil

	case config.DriverMemory:
		log.Warn("using in-memory run store, runs are lost on restart")
		return &openedStore{
			store: automation.NewMemoryRepository(),
			close: func() {},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marko911/racefeed/internal/config"
	"github.com/marko911/racefeed/internal/platform/storage"
	"github.com/marko911/racefeed/internal/platform/storage/sqlite"
)

// openStore connects the configured result store. Postgres migrations run
// only when autoMigrate is set; SQLite migrates itself on open.
func openStore(ctx context.Context, cfg *config.Config, autoMigrate bool, logger *slog.Logger) (storage.ResultStore, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("result store ready", "driver", "sqlite", "path", cfg.Storage.SQLitePath)
		return store, nil

	case config.DriverPostgres:
		db, err := storage.New(ctx, cfg.Postgres())
		if err != nil {
			return nil, err
		}
		if autoMigrate {
			if err := db.Migrate(ctx); err != nil {
				db.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		logger.Info("result store ready", "driver", "postgres", "auto_migrate", autoMigrate)
		return storage.NewResultRepository(db), nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

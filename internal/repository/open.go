// Package repository selects the durable record backend for the
// conversation store.
package repository

import (
	"context"
	"fmt"

	"github.com/Rrens/pagemind/internal/config"
	"github.com/Rrens/pagemind/internal/domain"
	"github.com/Rrens/pagemind/internal/repository/memory"
	"github.com/Rrens/pagemind/internal/repository/mongo"
	"github.com/Rrens/pagemind/internal/repository/postgres"
	"github.com/Rrens/pagemind/internal/repository/redis"
	"github.com/Rrens/pagemind/internal/repository/sqlstore"
)

// Open connects the repository named by cfg.Driver. SQL backends are
// migrated on open.
func Open(ctx context.Context, cfg config.StorageConfig) (domain.StateRepository, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return sqlstore.Open(ctx, sqlstore.DriverSQLite, cfg.SQLite.Path)
	case "mysql":
		return sqlstore.Open(ctx, sqlstore.DriverMySQL, cfg.MySQL.DSN())
	case "postgres":
		if err := postgres.RunMigrations(cfg.Database.DSN()); err != nil {
			return nil, err
		}
		return postgres.Connect(ctx, cfg.Database)
	case "redis":
		return redis.Connect(ctx, cfg.Redis)
	case "mongo":
		return mongo.Connect(ctx, cfg.Mongo)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

// Migrate applies the schema for SQL drivers and is a no-op otherwise.
func Migrate(cfg config.StorageConfig) error {
	switch cfg.Driver {
	case "", "sqlite":
		return sqlstore.RunMigrations(sqlstore.DriverSQLite, cfg.SQLite.Path)
	case "mysql":
		return sqlstore.RunMigrations(sqlstore.DriverMySQL, cfg.MySQL.DSN())
	case "postgres":
		return postgres.RunMigrations(cfg.Database.DSN())
	default:
		return nil
	}
}

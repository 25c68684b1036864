// Package postgres keeps state records in PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Rrens/pagemind/internal/config"
	"github.com/Rrens/pagemind/internal/domain"
)

// StateRepository implements domain.StateRepository
type StateRepository struct {
	pool *pgxpool.Pool
}

// Connect opens a pool sized by cfg and verifies it. Run RunMigrations
// first so the table exists.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*StateRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = cfg.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &StateRepository{pool: pool}, nil
}

// Get returns the payload stored under key
func (r *StateRepository) Get(ctx context.Context, key string) ([]byte, error) {
	query := `SELECT payload FROM state_records WHERE record_key = $1`

	var payload []byte
	err := r.pool.QueryRow(ctx, query, key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	return payload, nil
}

// Set upserts the payload stored under key
func (r *StateRepository) Set(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO state_records (record_key, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (record_key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
	`

	if _, err := r.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set record: %w", err)
	}

	return nil
}

// Delete removes key
func (r *StateRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM state_records WHERE record_key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// Close releases the pool
func (r *StateRepository) Close() error {
	r.pool.Close()
	return nil
}

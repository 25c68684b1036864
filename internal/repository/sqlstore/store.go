// Package sqlstore keeps state records in SQLite or MySQL through
// database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/Rrens/pagemind/internal/domain"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

type dialect struct {
	get    string
	upsert string
	delete string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		get: `SELECT payload FROM state_records WHERE record_key = ?`,
		upsert: `INSERT INTO state_records (record_key, payload, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(record_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		delete: `DELETE FROM state_records WHERE record_key = ?`,
	},
	DriverMySQL: {
		get: `SELECT payload FROM state_records WHERE record_key = ?`,
		upsert: `INSERT INTO state_records (record_key, payload, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = VALUES(updated_at)`,
		delete: `DELETE FROM state_records WHERE record_key = ?`,
	},
}

// Store implements domain.StateRepository.
type Store struct {
	db      *sql.DB
	driver  string
	dialect dialect
}

// Open connects to the database and applies pending migrations.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver: %s", driver)
	}

	if err := RunMigrations(driver, dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer at a time
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, driver: driver, dialect: d}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.dialect.get, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", key, err)
	}
	return payload, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set record %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.delete, key); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the database driver name.
func (s *Store) Driver() string {
	return s.driver
}

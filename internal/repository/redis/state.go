// Package redis keeps state records as Redis strings.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Rrens/pagemind/internal/config"
	"github.com/Rrens/pagemind/internal/domain"
)

const defaultKeyPrefix = "pagemind:"

// StateRepository stores records without expiry under a key prefix.
type StateRepository struct {
	rdb    redis.UniversalClient
	prefix string
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*StateRepository, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStateRepository(rdb, cfg.KeyPrefix), nil
}

// NewStateRepository wraps an existing client. An empty prefix uses
// "pagemind:".
func NewStateRepository(rdb redis.UniversalClient, prefix string) *StateRepository {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &StateRepository{rdb: rdb, prefix: prefix}
}

func (r *StateRepository) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", key, err)
	}
	return data, nil
}

func (r *StateRepository) Set(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set record %s: %w", key, err)
	}
	return nil
}

func (r *StateRepository) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", key, err)
	}
	return nil
}

func (r *StateRepository) Close() error {
	return r.rdb.Close()
}

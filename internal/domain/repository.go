package domain

import (
	"context"
	"errors"
)

// ErrNotFound is returned by repositories for a missing key.
var ErrNotFound = errors.New("record not found")

// StateRepository stores opaque records by key.
type StateRepository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

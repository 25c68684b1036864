// Package memory is an in-process record store, used for tests and
// ephemeral sessions.
package memory

import (
	"context"
	"sync"

	"github.com/Rrens/pagemind/internal/domain"
)

// Repository implements domain.StateRepository over a map.
type Repository struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func New() *Repository {
	return &Repository{records: make(map[string][]byte)}
}

func (r *Repository) Get(ctx context.Context, key string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.records[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (r *Repository) Set(ctx context.Context, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[key] = append([]byte(nil), value...)
	return nil
}

func (r *Repository) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, key)
	return nil
}

func (r *Repository) Close() error {
	return nil
}

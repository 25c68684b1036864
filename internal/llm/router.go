package llm

import (
	"fmt"
	"sort"
	"sync"
)

// Router manages model backends
type Router struct {
	backends       map[string]Backend
	factories      map[string]BackendFactory
	defaultBackend string
	mu             sync.RWMutex
}

// NewRouter creates a new backend router
func NewRouter(defaultBackend string) *Router {
	return &Router{
		backends:       make(map[string]Backend),
		factories:      make(map[string]BackendFactory),
		defaultBackend: defaultBackend,
	}
}

// RegisterBackend registers a backend instance
func (r *Router) RegisterBackend(backend Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[backend.Name()] = backend
}

// RegisterFactory registers a backend factory, used on first lookup
func (r *Router) RegisterFactory(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// GetBackend returns a backend by name, building it from its factory on
// first use. An empty name selects the default backend.
func (r *Router) GetBackend(name string) (Backend, error) {
	if name == "" {
		name = r.defaultBackend
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.backends[name]
	if !ok {
		factory, hasFactory := r.factories[name]
		if !hasFactory {
			return nil, fmt.Errorf("backend not found: %s", name)
		}
		b = factory()
		r.backends[name] = b
	}

	if !b.IsConfigured() {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, name)
	}

	return b, nil
}

// ListBackends returns the sorted names of configured backends
func (r *Router) ListBackends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, b := range r.backends {
		if b.IsConfigured() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// DefaultBackend returns the default backend name
func (r *Router) DefaultBackend() string {
	return r.defaultBackend
}

// BackendInfo contains information about a backend
type BackendInfo struct {
	Name       string `json:"name"`
	Mode       string `json:"mode"`
	Default    bool   `json:"default"`
	Configured bool   `json:"configured"`
}

// GetBackendsInfo returns information about all registered backends
func (r *Router) GetBackendsInfo() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BackendInfo, 0, len(r.backends))
	for name, b := range r.backends {
		infos = append(infos, BackendInfo{
			Name:       name,
			Mode:       b.Mode().String(),
			Default:    name == r.defaultBackend,
			Configured: b.IsConfigured(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

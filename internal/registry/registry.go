package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
)

var (
	// ErrOutOfRange is returned by Get for an index outside [0, Count).
	ErrOutOfRange = errors.New("registry: index out of range")

	// ErrInvalidArgument is returned by UpdateHealth for a nil candidate.
	ErrInvalidArgument = errors.New("registry: invalid argument")
)

// Registry is the thread-safe store of configured backends.
type Registry struct {
	mutex    sync.Mutex
	backends []backend.Backend
}

// New creates a Registry holding a copy of backends, in order.
func New(backends []backend.Backend) *Registry {
	owned := make([]backend.Backend, len(backends))
	copy(owned, backends)

	return &Registry{
		backends: owned,
	}
}

// Count returns the number of backends.
func (r *Registry) Count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.backends)
}

// Get returns the backend at ordinal position i.
func (r *Registry) Get(i int) (backend.Backend, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if i < 0 || i >= len(r.backends) {
		return backend.Backend{}, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, i, len(r.backends))
	}

	return r.backends[i], nil
}

// List returns a copy of every backend in registry order.
func (r *Registry) List() []backend.Backend {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	out := make([]backend.Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

// UpdateHealth applies candidate's health flag to the entry with the same
// identity. It reports whether the stored flag changed; an unknown identity
// or an unchanged flag is a no-op.
func (r *Registry) UpdateHealth(candidate *backend.Backend) (changed bool, err error) {
	if candidate == nil {
		return false, fmt.Errorf("%w: nil backend", ErrInvalidArgument)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for i := range r.backends {
		if !r.backends[i].SameAs(*candidate) {
			continue
		}

		if r.backends[i].Healthy == candidate.Healthy {
			return false, nil
		}

		r.backends[i].Healthy = candidate.Healthy
		return true, nil
	}

	return false, nil
}

package satellite

import (
	"fmt"
	"sync"
)

// Registry holds the configured satellites by id, in registration order.
type Registry struct {
	mu         sync.RWMutex
	satellites map[string]*Satellite
	order      []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		satellites: make(map[string]*Satellite),
		order:      make([]string, 0),
	}
}

// Register adds s. Ids must be unique.
func (r *Registry) Register(s *Satellite) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID() == "" {
		return fmt.Errorf("satellite id cannot be empty")
	}
	if _, exists := r.satellites[s.ID()]; exists {
		return fmt.Errorf("satellite %s already registered", s.ID())
	}

	r.satellites[s.ID()] = s
	r.order = append(r.order, s.ID())
	return nil
}

// Get returns the satellite with the given id, or nil.
func (r *Registry) Get(id string) *Satellite {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.satellites[id]
}

// List returns all satellites in registration order.
func (r *Registry) List() []*Satellite {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Satellite, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.satellites[id])
	}
	return out
}

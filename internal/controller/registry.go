package controller

import (
	"sync"
)

// Registry hands out the single actor instance for each tenant id.
// Actors may be evicted to bound memory; a later request rebuilds the
// actor from the durable marker.
type Registry struct {
	deps Deps

	mu      sync.Mutex
	tenants map[string]*Tenant
}

// NewRegistry creates an empty registry over shared dependencies.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:    deps,
		tenants: make(map[string]*Tenant),
	}
}

// Tenant returns the actor for id, creating and starting it if needed.
func (r *Registry) Tenant(id string) *Tenant {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		t = newTenant(id, r.deps)
		r.tenants[id] = t
	}
	return t
}

// Evict drops the actor for id, abandoning its volatile state. The
// sandbox keeps running; the durable marker carries identity and
// activity across to a rebuilt actor.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tenants[id]; ok {
		t.close()
		delete(r.tenants, id)
	}
}

// Close stops every actor.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tenants {
		t.close()
		delete(r.tenants, id)
	}
}

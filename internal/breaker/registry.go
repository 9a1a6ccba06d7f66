package breaker

import "sync"

// Registry hands out one breaker per recipient id, creating on demand.
// It is a concurrent map; reads of the stats snapshot never block dispatch.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry with shared thresholds.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for id, creating it (closed) on first use.
func (r *Registry) Get(id string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[id]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[id]; ok {
		return b
	}
	b = New(r.cfg)
	r.breakers[id] = b
	return b
}

// Stats returns a snapshot of every breaker's counters keyed by recipient id.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Stats, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Stats()
	}
	return out
}

// OpenIDs returns the recipients whose breakers are currently open.
func (r *Registry) OpenIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, b := range r.breakers {
		if b.State() == Open {
			out = append(out, id)
		}
	}
	return out
}

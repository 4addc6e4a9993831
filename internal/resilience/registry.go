package resilience

import "sync"

// Registry hands out one breaker per dependency name, all built from the same
// template configuration.
type Registry struct {
	template BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. template.Name is ignored.
func NewRegistry(template BreakerConfig) *Registry {
	return &Registry{
		template: template,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.template
	cfg.Name = name
	b := NewBreaker(cfg)
	r.breakers[name] = b
	return b
}

// States returns the current state of every breaker created so far.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State().String()
	}
	return states
}

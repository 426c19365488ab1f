package breaker

import (
	"sort"
	"sync"

	"github.com/go-kratos/kratos/v2/log"
)

// Registry owns one breaker per resource name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	configs  map[string]Config
	logger   log.Logger

	lmu       sync.RWMutex
	listeners []func(name string, from, to State)
}

// NewRegistry creates a registry. configs overrides DefaultConfigs per resource;
// the well-known resources are created eagerly so health reports list them
// before first use.
func NewRegistry(configs map[string]Config, logger log.Logger) *Registry {
	merged := DefaultConfigs()
	for name, c := range configs {
		merged[name] = c
	}

	r := &Registry{
		breakers: make(map[string]*CircuitBreaker, len(merged)),
		configs:  merged,
		logger:   logger,
	}
	for name, c := range merged {
		r.breakers[name] = New(name, r.hooked(c), logger)
	}
	return r
}

// Subscribe registers fn for state transitions of every breaker in the
// registry, including ones created later. fn runs asynchronously.
func (r *Registry) Subscribe(fn func(name string, from, to State)) {
	r.lmu.Lock()
	r.listeners = append(r.listeners, fn)
	r.lmu.Unlock()
}

func (r *Registry) hooked(c Config) Config {
	own := c.OnStateChange
	c.OnStateChange = func(name string, from, to State) {
		if own != nil {
			own(name, from, to)
		}
		r.lmu.RLock()
		listeners := append([]func(string, State, State){}, r.listeners...)
		r.lmu.RUnlock()
		for _, fn := range listeners {
			fn(name, from, to)
		}
	}
	return c
}

// Get returns the breaker for name, or nil if none exists.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// GetOrCreate returns the breaker for name, creating it with the registered
// (or default) configuration on first use.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	if b := r.Get(name); b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	c, ok := r.configs[name]
	if !ok {
		c = DefaultConfig()
	}
	b := New(name, r.hooked(c), r.logger)
	r.breakers[name] = b
	return b
}

// All returns every breaker keyed by name.
func (r *Registry) All() map[string]*CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*CircuitBreaker, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b
	}
	return out
}

// Names returns the registered resource names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot of every breaker keyed by name.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}

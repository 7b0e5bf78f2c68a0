package resilience

import (
	"sort"
	"sync"
)

// BreakerDefaults carries the template applied to lazily created breakers
type BreakerDefaults struct {
	Config        CircuitBreakerConfig
	OnStateChange func(name string, from, to CircuitState)
}

// BreakerRegistry owns the per-resource circuit breakers. It is an
// injectable state container: one instance per process, passed by
// reference, so tests get fresh state instead of sharing globals.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults BreakerDefaults
}

// NewBreakerRegistry creates a registry that stamps out breakers from the defaults
func NewBreakerRegistry(defaults BreakerDefaults) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns the breaker for the named resource, creating it on first reference
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config := r.defaults.Config
	config.Name = name
	if config.OnStateChange == nil {
		config.OnStateChange = r.defaults.OnStateChange
	}

	cb = NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Snapshots returns snapshots of all breakers, sorted by name
func (r *BreakerRegistry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		snapshots = append(snapshots, cb.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Name < snapshots[j].Name
	})
	return snapshots
}

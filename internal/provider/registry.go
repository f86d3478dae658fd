// Package provider defines the compute backend contract used by the host
// lifecycle and a registry resolving backend names to constructors.
package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps backend names to constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns a registry seeded with the given constructors.
func NewRegistry(entries map[string]Constructor) *Registry {
	r := &Registry{constructors: map[string]Constructor{}}
	for name, ctor := range entries {
		r.Register(name, ctor)
	}
	return r
}

// Register adds or replaces a constructor under a given name.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[strings.ToLower(strings.TrimSpace(name))] = ctor
}

// New builds the provider registered under name.
func (r *Registry) New(name string, opts Options) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("provider name is required")
	}

	r.mu.RLock()
	ctor, ok := r.constructors[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return ctor(opts)
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

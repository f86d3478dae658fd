package host

import "sync"

// Ownership records which Manager owns an instance. Claiming a key already
// owned detaches the previous owner, so two managers never act on the same
// instance.
type Ownership struct {
	mu     sync.Mutex
	owners map[string]*Manager
}

// NewOwnership returns an empty ownership table.
func NewOwnership() *Ownership {
	return &Ownership{owners: map[string]*Manager{}}
}

func (o *Ownership) claim(key string, m *Manager) {
	if o == nil || key == "" {
		return
	}
	o.mu.Lock()
	previous := o.owners[key]
	o.owners[key] = m
	o.mu.Unlock()

	if previous != nil && previous != m {
		previous.detach(key)
	}
}

func (o *Ownership) release(key string, m *Manager) {
	if o == nil || key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.owners[key] == m {
		delete(o.owners, key)
	}
}

// Owner returns the manager owning key, if any.
func (o *Ownership) Owner(key string) (*Manager, bool) {
	if o == nil {
		return nil, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.owners[key]
	return m, ok
}

// Len returns the number of owned keys.
func (o *Ownership) Len() int {
	if o == nil {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.owners)
}

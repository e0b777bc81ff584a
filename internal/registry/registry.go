// Package registry holds the table of registered backends and their declared
// attributes. It is read-mostly: mutation happens at startup and on config
// reload, reads happen on every routed request.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
)

// Sentinel errors for registry misuse.
var (
	// ErrDuplicateBackend is returned when registering an id that exists.
	ErrDuplicateBackend = fmt.Errorf("duplicate backend")

	// ErrUnknownBackend is returned when looking up an id that does not exist.
	ErrUnknownBackend = fmt.Errorf("unknown backend")
)

// Descriptor describes a registered backend. Immutable after registration.
type Descriptor struct {
	// ID is the unique backend identifier.
	ID string

	// Priority is the declared preference order; lower is preferred.
	Priority int

	// CostPerToken is the declared cost per token.
	CostPerToken float64

	// Class is the backend class: "cloud" or "self_hosted".
	Class string

	// DefaultModel is the model used when the request does not name one.
	DefaultModel string

	// Enabled controls whether the backend participates in routing.
	Enabled bool
}

// entry pairs a descriptor with its capability.
type entry struct {
	descriptor Descriptor
	capability backend.Capability
}

// Registry is the table of registered backends.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]entry),
	}
}

// Register adds a backend. It fails with ErrDuplicateBackend if the id is
// already registered.
func (r *Registry) Register(desc Descriptor, cap backend.Capability) error {
	if desc.ID == "" {
		return fmt.Errorf("backend id must not be empty")
	}
	if cap == nil {
		return fmt.Errorf("backend %q: capability must not be nil", desc.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBackend, desc.ID)
	}

	r.entries[desc.ID] = entry{descriptor: desc, capability: cap}
	return nil
}

// Get returns the descriptor for id, or ErrUnknownBackend.
func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[id]
	if !exists {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	return e.descriptor, nil
}

// Capability returns the capability for id, or ErrUnknownBackend.
func (r *Registry) Capability(id string) (backend.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	return e.capability, nil
}

// List returns all descriptors sorted by priority, then id.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		descriptors = append(descriptors, e.descriptor)
	}

	sort.Slice(descriptors, func(i, j int) bool {
		if descriptors[i].Priority != descriptors[j].Priority {
			return descriptors[i].Priority < descriptors[j].Priority
		}
		return descriptors[i].ID < descriptors[j].ID
	})

	return descriptors
}

// IDs returns all registered backend ids sorted by priority, then id.
func (r *Registry) IDs() []string {
	descriptors := r.List()
	ids := make([]string, len(descriptors))
	for i, d := range descriptors {
		ids[i] = d.ID
	}
	return ids
}

// SetEnabled flips a backend's enabled flag. Used by config reload.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}

	e.descriptor.Enabled = enabled
	r.entries[id] = e
	return nil
}

// SetPriority changes a backend's declared priority. Used by config reload.
func (r *Registry) SetPriority(id string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}

	e.descriptor.Priority = priority
	r.entries[id] = e
	return nil
}

// Count returns the number of registered backends.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

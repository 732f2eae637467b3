package immunity

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Registry holds the registered health vectors.
//
// Reads go through an immutable Snapshot loaded atomically, so analyses in
// flight keep a consistent view while registration swaps in a new copy.
type Registry struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]
}

// Snapshot is an immutable view of the registry at one point in time.
type Snapshot struct {
	order   []string
	vectors map[string]HealthVector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(&Snapshot{vectors: map[string]HealthVector{}})
	return r
}

// Register adds a vector or replaces the vector with the same identifier.
// A replaced vector keeps its original position in the registry order.
func (r *Registry) Register(v HealthVector) error {
	if v == nil {
		return fmt.Errorf("%w: nil vector", ErrInvalidDescriptor)
	}
	desc := v.Descriptor()
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	next := &Snapshot{
		order:   make([]string, len(old.order), len(old.order)+1),
		vectors: make(map[string]HealthVector, len(old.vectors)+1),
	}
	copy(next.order, old.order)
	for id, vec := range old.vectors {
		next.vectors[id] = vec
	}
	if _, exists := next.vectors[desc.ID]; !exists {
		next.order = append(next.order, desc.ID)
	}
	next.vectors[desc.ID] = v
	r.current.Store(next)
	return nil
}

// Unregister removes a vector. It reports whether the vector was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	if _, exists := old.vectors[id]; !exists {
		return false
	}
	next := &Snapshot{
		order:   make([]string, 0, len(old.order)),
		vectors: make(map[string]HealthVector, len(old.vectors)),
	}
	for _, existing := range old.order {
		if existing == id {
			continue
		}
		next.order = append(next.order, existing)
		next.vectors[existing] = old.vectors[existing]
	}
	r.current.Store(next)
	return true
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Get returns a registered vector.
func (r *Registry) Get(id string) (HealthVector, error) {
	return r.Snapshot().Get(id)
}

// ResolveEnabled returns the vectors enabled under the doctrine, in registry order.
func (r *Registry) ResolveEnabled(cfg *DoctrineConfig) []HealthVector {
	return r.Snapshot().ResolveEnabled(cfg)
}

// EffectiveWeight returns the doctrine override weight or the vector default.
func (r *Registry) EffectiveWeight(id string, cfg *DoctrineConfig) (float64, error) {
	return r.Snapshot().EffectiveWeight(id, cfg)
}

// Descriptors lists all registered descriptors in registry order.
func (r *Registry) Descriptors() []Descriptor {
	return r.Snapshot().Descriptors()
}

// Len returns the number of registered vectors.
func (s *Snapshot) Len() int { return len(s.order) }

// Get returns a vector by identifier.
func (s *Snapshot) Get(id string) (HealthVector, error) {
	v, ok := s.vectors[id]
	if !ok {
		return nil, &RegistryError{VectorID: id, Err: ErrVectorNotFound}
	}
	return v, nil
}

// ResolveEnabled applies enablement overrides: an explicit override wins,
// otherwise the vector's default applies.
func (s *Snapshot) ResolveEnabled(cfg *DoctrineConfig) []HealthVector {
	enabled := make([]HealthVector, 0, len(s.order))
	for _, id := range s.order {
		v := s.vectors[id]
		on := v.Descriptor().DefaultEnabled
		if cfg != nil {
			if override, ok := cfg.Enabled[id]; ok {
				on = override
			}
		}
		if on {
			enabled = append(enabled, v)
		}
	}
	return enabled
}

// EffectiveWeight returns the doctrine override or the descriptor default.
func (s *Snapshot) EffectiveWeight(id string, cfg *DoctrineConfig) (float64, error) {
	v, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	if cfg != nil {
		if w, ok := cfg.Weights[id]; ok {
			return w, nil
		}
	}
	return v.Descriptor().DefaultWeight, nil
}

// Weights returns the effective weight of every enabled vector.
func (s *Snapshot) Weights(cfg *DoctrineConfig) map[string]float64 {
	enabled := s.ResolveEnabled(cfg)
	weights := make(map[string]float64, len(enabled))
	for _, v := range enabled {
		id := v.Descriptor().ID
		// Cannot fail: id comes from the snapshot itself.
		w, _ := s.EffectiveWeight(id, cfg)
		weights[id] = w
	}
	return weights
}

// Descriptors lists descriptors in registry order.
func (s *Snapshot) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.vectors[id].Descriptor())
	}
	return out
}

package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stepforge/kernel/internal/kernelerrors"
)

// entry pairs a registered descriptor with the concrete Adapter that
// implements it.
type entry struct {
	descriptor Descriptor
	impl       Adapter
}

// Registry holds adapter descriptors registered once per process
// (spec §4.3). Registered adapters are referenced by name thereafter
// and the registry is effectively read-only during a run (spec §9).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds an adapter under its descriptor's name. No dynamic
// unregistration is supported during a run (spec §6).
func (r *Registry) Register(descriptor Descriptor, impl Adapter) error {
	if descriptor.Name == "" {
		return kernelerrors.New(kernelerrors.InternalError, "adapter descriptor requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[descriptor.Name]; exists {
		return kernelerrors.Newf(kernelerrors.InternalError, "adapter %q already registered", descriptor.Name)
	}
	r.entries[descriptor.Name] = entry{descriptor: descriptor, impl: impl}
	return nil
}

// Lookup returns the adapter registered under name.
func (r *Registry) Lookup(name string) (Adapter, Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, Descriptor{}, false
	}
	return e.impl, e.descriptor, true
}

// Query returns descriptors supporting actorKind and every capability in
// capabilitiesRequired, ranked by:
//
//	(availability desc, deterministic-preferred desc, cost asc, name asc)
//
// preferDeterministic controls whether KindDeterministic candidates sort
// ahead of KindAI ones; the name field makes the order total and
// reproducible regardless (spec §4.3).
func (r *Registry) Query(actorKind string, capabilitiesRequired []string, preferDeterministic bool) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Descriptor
	for _, e := range r.entries {
		d := e.descriptor
		if !d.SupportsActor(actorKind) {
			continue
		}
		if !d.HasCapabilities(capabilitiesRequired) {
			continue
		}
		out = append(out, d)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return rankLess(out[i], out[j], preferDeterministic)
	})
	return out
}

// rankLess implements the total ranking order from spec §4.3.
func rankLess(a, b Descriptor, preferDeterministic bool) bool {
	if a.Available != b.Available {
		return a.Available // true (available) sorts first
	}
	if preferDeterministic {
		aDet := a.Kind == KindDeterministic
		bDet := b.Kind == KindDeterministic
		if aDet != bDet {
			return aDet
		}
	}
	if a.EstimatedCostPerInvocation != b.EstimatedCostPerInvocation {
		return a.EstimatedCostPerInvocation < b.EstimatedCostPerInvocation
	}
	return a.Name < b.Name
}

// String renders a descriptor for audit-log / diagnostic purposes.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s(kind=%s, cost=%d, available=%t)", d.Name, d.Kind, d.EstimatedCostPerInvocation, d.Available)
}

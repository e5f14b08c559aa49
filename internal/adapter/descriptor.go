package adapter

// Descriptor is the static, registered-once metadata about one adapter
// (spec §3, "Adapter Descriptor"). `Available` is supplied by the
// caller at registration time; the Registry never probes or updates it
// (spec §9, "Global state" — the registry is read-only during a run).
type Descriptor struct {
	Name                      string
	Kind                      Kind
	ActorKindsSupported       []string
	Capabilities              map[string]bool
	EstimatedCostPerInvocation int
	Available                 bool
	SideEffects               map[string]bool
}

// SupportsActor reports whether this descriptor handles the given actor
// kind.
func (d Descriptor) SupportsActor(actorKind string) bool {
	for _, k := range d.ActorKindsSupported {
		if k == actorKind {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether every requested capability tag is
// present, used by the Router's capability filter.
func (d Descriptor) HasCapabilities(required []string) bool {
	for _, c := range required {
		if !d.Capabilities[c] {
			return false
		}
	}
	return true
}

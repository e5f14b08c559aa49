// Package router implements the per-step adapter routing policy engine
// (spec §4.4): it narrows the adapter Registry's candidates by actor
// kind, budget, determinism preference, and step capability requirements,
// then picks the first candidate by the Registry's total ranking order.
package router

import (
	"github.com/stepforge/kernel/internal/adapter"
	"github.com/stepforge/kernel/internal/kernelerrors"
	"github.com/stepforge/kernel/internal/workflow"
)

// Decision records a routing outcome for the audit log (spec §4.4,
// "RoutingDecision").
type Decision struct {
	StepID    string
	Chosen    string
	Considered []string
	Rejected  []Rejection
	Fallback  bool
}

// Rejection names a candidate the router ruled out and why.
type Rejection struct {
	Name   string
	Reason string
}

// Router selects one adapter for a step given the run's remaining
// budget and policy.
type Router struct {
	registry *adapter.Registry
}

// New constructs a Router bound to a registry.
func New(registry *adapter.Registry) *Router {
	return &Router{registry: registry}
}

// Route implements the algorithm in spec §4.4, steps 1-7, in order:
// query by actor+capabilities (falling back to actor-only on an empty
// capability match), filter by budget, restrict to deterministic
// candidates when policy prefers them and at least one survives, then
// choose the first by the registry's total ranking order.
// budgetRemaining is the run's current budget at the moment of routing.
func (r *Router) Route(step *workflow.Step, policy workflow.Policy, budgetRemaining int) (adapter.Adapter, adapter.Descriptor, Decision, error) {
	requiredCaps := capabilitiesFromWith(step.With)
	decision := Decision{StepID: step.ID}

	candidates := r.registry.Query(step.Actor, requiredCaps, policy.PreferDeterministic)
	if len(candidates) == 0 && len(requiredCaps) > 0 {
		// Capability filter removed everything; fall back to the
		// broader set (actor kind only) and flag it (spec §4.4 step 5).
		candidates = r.registry.Query(step.Actor, nil, policy.PreferDeterministic)
		decision.Fallback = true
	}
	for _, c := range candidates {
		decision.Considered = append(decision.Considered, c.Name)
	}

	if len(candidates) == 0 {
		return nil, adapter.Descriptor{}, decision, kernelerrors.Newf(kernelerrors.NoAdapterAvailable,
			"no adapter registered for actor %q", step.Actor)
	}

	// Step 3: filter out anything over budget.
	affordable := make([]adapter.Descriptor, 0, len(candidates))
	for _, c := range candidates {
		if c.EstimatedCostPerInvocation > budgetRemaining {
			decision.Rejected = append(decision.Rejected, Rejection{Name: c.Name, Reason: "estimated cost exceeds remaining budget"})
			continue
		}
		affordable = append(affordable, c)
	}
	if len(affordable) == 0 {
		return nil, adapter.Descriptor{}, decision, kernelerrors.Newf(kernelerrors.BudgetExhausted,
			"every candidate adapter for actor %q exceeds remaining budget %d", step.Actor, budgetRemaining)
	}

	// Step 4: restrict to deterministic candidates, but only if at
	// least one survives the budget filter — otherwise keep the wider
	// (still budget-filtered) set rather than erroring spuriously.
	pool := affordable
	if policy.PreferDeterministic {
		var deterministic []adapter.Descriptor
		for _, c := range affordable {
			if c.Kind == adapter.KindDeterministic {
				deterministic = append(deterministic, c)
			}
		}
		if len(deterministic) > 0 {
			pool = deterministic
		}
	}

	// Step 6: the registry already returned candidates in total ranking
	// order, so the first survivor of the filters above is the choice.
	chosen := pool[0]

	impl, descriptor, ok := r.registry.Lookup(chosen.Name)
	if !ok {
		return nil, adapter.Descriptor{}, decision, kernelerrors.Newf(kernelerrors.NoAdapterAvailable,
			"adapter %q vanished from the registry", chosen.Name)
	}

	decision.Chosen = descriptor.Name
	return impl, descriptor, decision, nil
}

// capabilitiesFromWith derives the capability tags requested by a step
// from its opaque `with` payload: a `capabilities` list (or
// `analyzers`/`languages` convenience keys), matching spec §4.4 step 5's
// "capability filters derived from step.with".
func capabilitiesFromWith(with map[string]any) []string {
	var caps []string
	for _, key := range []string{"capabilities", "analyzers", "languages"} {
		v, ok := with[key]
		if !ok {
			continue
		}
		items, ok := v.([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			if s, ok := item.(string); ok {
				caps = append(caps, s)
			}
		}
	}
	return caps
}

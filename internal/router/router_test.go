package router_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepforge/kernel/internal/adapter"
	"github.com/stepforge/kernel/internal/kernelerrors"
	"github.com/stepforge/kernel/internal/router"
	"github.com/stepforge/kernel/internal/workflow"
)

func TestRouter_PrefersDeterministicWithinBudget(t *testing.T) {
	reg := adapter.NewRegistry()
	ai := &adapter.Mock{}
	det := &adapter.Mock{}
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "ai:1", Kind: adapter.KindAI, ActorKindsSupported: []string{workflow.ActorFixer},
		EstimatedCostPerInvocation: 10, Available: true,
	}, ai))
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "det:1", Kind: adapter.KindDeterministic, ActorKindsSupported: []string{workflow.ActorFixer},
		EstimatedCostPerInvocation: 50, Available: true,
	}, det))

	rt := router.New(reg)
	step := &workflow.Step{ID: "1.001", Actor: workflow.ActorFixer}
	_, desc, decision, err := rt.Route(step, workflow.Policy{PreferDeterministic: true}, 1000)
	require.NoError(t, err)
	assert.Equal(t, "det:1", desc.Name)
	assert.Equal(t, "det:1", decision.Chosen)
	assert.False(t, decision.Fallback)
}

func TestRouter_DoesNotRestrictToDeterministicWhenNoneAffordable(t *testing.T) {
	reg := adapter.NewRegistry()
	ai := &adapter.Mock{}
	det := &adapter.Mock{}
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "ai:cheap", Kind: adapter.KindAI, ActorKindsSupported: []string{workflow.ActorFixer},
		EstimatedCostPerInvocation: 10, Available: true,
	}, ai))
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "det:expensive", Kind: adapter.KindDeterministic, ActorKindsSupported: []string{workflow.ActorFixer},
		EstimatedCostPerInvocation: 500, Available: true,
	}, det))

	rt := router.New(reg)
	step := &workflow.Step{ID: "1.001", Actor: workflow.ActorFixer}
	// Budget excludes the deterministic candidate; since it was budget-
	// filtered out before the determinism restriction, the router still
	// finds the affordable AI candidate rather than erroring.
	_, desc, _, err := rt.Route(step, workflow.Policy{PreferDeterministic: true}, 100)
	require.NoError(t, err)
	assert.Equal(t, "ai:cheap", desc.Name)
}

func TestRouter_BudgetExhaustedWhenNoCandidateAffordable(t *testing.T) {
	reg := adapter.NewRegistry()
	impl := &adapter.Mock{}
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "det:1", Kind: adapter.KindDeterministic, ActorKindsSupported: []string{workflow.ActorFixer},
		EstimatedCostPerInvocation: 500, Available: true,
	}, impl))

	rt := router.New(reg)
	step := &workflow.Step{ID: "1.001", Actor: workflow.ActorFixer}
	_, _, _, err := rt.Route(step, workflow.Policy{}, 100)
	require.Error(t, err)
	kerr, ok := kernelerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kernelerrors.BudgetExhausted, kerr.Kind)
}

func TestRouter_NoAdapterForActor(t *testing.T) {
	reg := adapter.NewRegistry()
	rt := router.New(reg)
	step := &workflow.Step{ID: "1.001", Actor: workflow.ActorReviewer}
	_, _, _, err := rt.Route(step, workflow.Policy{}, 1000)
	require.Error(t, err)
	kerr, ok := kernelerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kernelerrors.NoAdapterAvailable, kerr.Kind)
}

func TestRouter_CapabilityFallback(t *testing.T) {
	reg := adapter.NewRegistry()
	impl := &adapter.Mock{}
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "det:generic", Kind: adapter.KindDeterministic, ActorKindsSupported: []string{workflow.ActorDiagnostic},
		Available: true,
	}, impl))

	rt := router.New(reg)
	step := &workflow.Step{
		ID: "1.001", Actor: workflow.ActorDiagnostic,
		With: map[string]any{"capabilities": []any{"go-vet"}},
	}
	_, desc, decision, err := rt.Route(step, workflow.Policy{}, 1000)
	require.NoError(t, err)
	assert.Equal(t, "det:generic", desc.Name)
	assert.True(t, decision.Fallback)
}

func TestRouter_TieBreaksByNameWhenCostEqual(t *testing.T) {
	reg := adapter.NewRegistry()
	b := &adapter.Mock{}
	a := &adapter.Mock{}
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "zzz", Kind: adapter.KindDeterministic, ActorKindsSupported: []string{workflow.ActorFixer}, Available: true,
	}, b))
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "aaa", Kind: adapter.KindDeterministic, ActorKindsSupported: []string{workflow.ActorFixer}, Available: true,
	}, a))

	rt := router.New(reg)
	step := &workflow.Step{ID: "1.001", Actor: workflow.ActorFixer}
	_, desc, _, err := rt.Route(step, workflow.Policy{}, 1000)
	require.NoError(t, err)
	assert.Equal(t, "aaa", desc.Name)
}

package executor_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepforge/kernel/internal/adapter"
	"github.com/stepforge/kernel/internal/artifact"
	"github.com/stepforge/kernel/internal/audit"
	"github.com/stepforge/kernel/internal/budget"
	"github.com/stepforge/kernel/internal/executor"
	"github.com/stepforge/kernel/internal/gate"
	"github.com/stepforge/kernel/internal/router"
	"github.com/stepforge/kernel/internal/runctx"
	"github.com/stepforge/kernel/internal/schema"
	"github.com/stepforge/kernel/internal/workflow"
)

// harness bundles one run's collaborators, grounded on the teacher's
// pipeline executor tests (internal/pipeline/executor_test.go), which
// build a fresh PipelineExecution per table case rather than sharing
// global fixtures.
type harness struct {
	exec *executor.Executor
	rc   *runctx.Context
}

func newHarness(t *testing.T, wf *workflow.Workflow, reg *adapter.Registry, withSchemas bool) *harness {
	t.Helper()

	plan, err := workflow.Plan(wf)
	require.NoError(t, err)

	var schemas *schema.Registry
	if withSchemas {
		schemas, err = schema.NewBuiltinRegistry()
		require.NoError(t, err)
	}

	dir := t.TempDir()
	artifacts, err := artifact.NewStore(filepath.Join(dir, "artifacts"), "run-under-test")
	require.NoError(t, err)
	log, err := audit.Open(filepath.Join(dir, "logs"), "run-under-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	tracker := budget.NewTracker(wf.Policy.MaxTokens, wf.Policy.OverdrawTolerancePct)
	rc := runctx.New(wf, plan, "run-under-test", tracker, artifacts, log)

	rt := router.New(reg)
	gates := gate.NewEngine(schemas)
	return &harness{exec: executor.New(reg, rt, gates), rc: rc}
}

// readEvents replays the audit log written during the run, decoding
// each line's envelope (but leaving Payload as a generic map, matching
// how a log consumer without the producer's types would read it back).
func readEvents(t *testing.T, h *harness) []auditEvent {
	t.Helper()
	data, err := os.ReadFile(h.rc.Log.Path())
	require.NoError(t, err)

	var out []auditEvent
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var ev auditEvent
		require.NoError(t, json.Unmarshal(line, &ev))
		out = append(out, ev)
	}
	return out
}

type auditEvent struct {
	TS      time.Time      `json:"ts"`
	RunID   string         `json:"run_id"`
	Kind    string         `json:"kind"`
	StepID  string         `json:"step_id"`
	Payload map[string]any `json:"payload"`
}

func eventsOfKind(events []auditEvent, kind audit.Kind) []auditEvent {
	var out []auditEvent
	for _, e := range events {
		if e.Kind == string(kind) {
			out = append(out, e)
		}
	}
	return out
}

func registerDeterministic(t *testing.T, name, actorKind string, cost int, impl adapter.Adapter) *adapter.Registry {
	t.Helper()
	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name:                       name,
		Kind:                       adapter.KindDeterministic,
		ActorKindsSupported:        []string{actorKind},
		EstimatedCostPerInvocation: cost,
		Available:                  true,
	}, impl))
	return reg
}

// S1 — sequential success (spec §8).
func TestExecutor_SequentialSuccess(t *testing.T) {
	diagnostics := []byte(`{"findings":[]}`)
	patch := []byte(smallPatch(50))

	diag := &adapter.Mock{TokensUsed: 0, Emit: map[string][]byte{"diagnostics.json": diagnostics}}
	fixer := &adapter.Mock{TokensUsed: 0, Emit: map[string][]byte{"patch.diff": patch}}

	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "diag:mock", Kind: adapter.KindDeterministic,
		ActorKindsSupported: []string{workflow.ActorDiagnostic}, Available: true,
	}, diag))
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "fixer:mock", Kind: adapter.KindDeterministic,
		ActorKindsSupported: []string{workflow.ActorFixer}, Available: true,
	}, fixer))

	wf := &workflow.Workflow{
		Name:   "s1",
		Policy: workflow.Policy{MaxTokens: 1000, PreferDeterministic: true, MaxWorkers: 1},
		Steps: []workflow.Step{
			{
				ID: "1.001", Actor: workflow.ActorDiagnostic, Emits: []string{"diagnostics.json"},
				Gates: []workflow.Gate{{Kind: workflow.GateSchemaValid, Severity: workflow.SeverityBlock, Params: map[string]any{"artifact": "diagnostics.json", "schema": "diagnostics"}}},
				DependsOn: []string{},
			},
			{
				ID: "1.002", Actor: workflow.ActorFixer, Emits: []string{"patch.diff"},
				Gates: []workflow.Gate{{Kind: workflow.GateDiffLimits, Severity: workflow.SeverityBlock, Params: map[string]any{"artifact": "patch.diff", "max_lines": 200}}},
				DependsOn: []string{"1.001"},
			},
		},
	}

	h := newHarness(t, wf, reg, true)
	summary, err := h.exec.Run(context.Background(), h.rc)
	require.NoError(t, err)

	assert.Equal(t, executor.StatusSucceeded, summary.Status)
	assert.Equal(t, 0, summary.TokensUsedTotal)
	assert.Equal(t, 1000, summary.BudgetRemaining)
	require.Contains(t, summary.StepResults, "1.001")
	require.Contains(t, summary.StepResults, "1.002")
	assert.Equal(t, runctx.StepSucceeded, summary.StepResults["1.001"].Status)
	assert.Equal(t, runctx.StepSucceeded, summary.StepResults["1.002"].Status)

	events := readEvents(t, h)
	ended := eventsOfKind(events, audit.StepEnded)
	require.Len(t, ended, 2)
	for _, e := range ended {
		assert.Equal(t, "succeeded", e.Payload["status"])
		emitted, _ := e.Payload["emitted"].([]any)
		assert.NotEmpty(t, emitted)
	}
}

// S2 — gate failure aborts under fail_fast (spec §8).
func TestExecutor_GateFailureFailFast(t *testing.T) {
	diagnostics := []byte(`{"findings":[]}`)
	bigPatch := []byte(smallPatch(600))

	diag := &adapter.Mock{TokensUsed: 0, Emit: map[string][]byte{"diagnostics.json": diagnostics}}
	fixer := &adapter.Mock{TokensUsed: 0, Emit: map[string][]byte{"patch.diff": bigPatch}}

	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "diag:mock", Kind: adapter.KindDeterministic,
		ActorKindsSupported: []string{workflow.ActorDiagnostic}, Available: true,
	}, diag))
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "fixer:mock", Kind: adapter.KindDeterministic,
		ActorKindsSupported: []string{workflow.ActorFixer}, Available: true,
	}, fixer))

	wf := &workflow.Workflow{
		Name:   "s2",
		Policy: workflow.Policy{MaxTokens: 1000, PreferDeterministic: true, FailFast: true, MaxWorkers: 1},
		Steps: []workflow.Step{
			{
				ID: "1.001", Actor: workflow.ActorDiagnostic, Emits: []string{"diagnostics.json"},
				DependsOn: []string{},
			},
			{
				ID: "1.002", Actor: workflow.ActorFixer, Emits: []string{"patch.diff"},
				Gates:     []workflow.Gate{{Kind: workflow.GateDiffLimits, Severity: workflow.SeverityBlock, Params: map[string]any{"artifact": "patch.diff", "max_lines": 200}}},
				DependsOn: []string{"1.001"},
			},
		},
	}

	h := newHarness(t, wf, reg, false)
	summary, err := h.exec.Run(context.Background(), h.rc)
	require.NoError(t, err)

	assert.Equal(t, executor.StatusFailed, summary.Status)
	res := summary.StepResults["1.002"]
	assert.Equal(t, runctx.StepFailed, res.Status)
	assert.True(t, res.GateBlocked)
}

// S3 — budget exhausted mid-run (spec §8).
func TestExecutor_BudgetExhaustedMidRun(t *testing.T) {
	first := &adapter.Mock{TokensUsed: 550}
	second := &adapter.Mock{TokensUsed: 600}

	// Both candidates cost 600 and tie-break by name ("ai:first" sorts
	// first), so step one always routes to `first` (550 actual tokens).
	// Step two would route to `first` as well, but with 450 remaining the
	// budget filter rejects both 600-cost candidates.
	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "ai:first", Kind: adapter.KindAI,
		ActorKindsSupported: []string{workflow.ActorAIEditor}, EstimatedCostPerInvocation: 600, Available: true,
	}, first))
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "ai:second", Kind: adapter.KindAI,
		ActorKindsSupported: []string{workflow.ActorAIEditor}, EstimatedCostPerInvocation: 600, Available: true,
	}, second))

	wf := &workflow.Workflow{
		Name:   "s3",
		Policy: workflow.Policy{MaxTokens: 1000, PreferDeterministic: false, MaxWorkers: 1},
		Steps: []workflow.Step{
			{ID: "1.001", Actor: workflow.ActorAIEditor, DependsOn: []string{}},
			{ID: "1.002", Actor: workflow.ActorAIEditor, DependsOn: []string{"1.001"}},
		},
	}

	h := newHarness(t, wf, reg, false)
	summary, err := h.exec.Run(context.Background(), h.rc)
	require.NoError(t, err)

	// Step two's declared gates are empty (no block gate), so the run
	// still succeeds overall per spec §8 S3's "else succeeded" branch.
	assert.Equal(t, executor.StatusSucceeded, summary.Status)
	assert.Equal(t, 450, summary.BudgetRemaining)
	assert.Equal(t, runctx.StepSucceeded, summary.StepResults["1.001"].Status)
	assert.Equal(t, runctx.StepSkipped, summary.StepResults["1.002"].Status)
}

// S3b — the same budget-exhaustion shape, but step two carries a block
// gate: the run must fail rather than succeed (spec §8 S3's other
// branch, "failed if step 2 had block gates").
func TestExecutor_BudgetExhaustedWithBlockGateFails(t *testing.T) {
	first := &adapter.Mock{TokensUsed: 550}

	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "ai:only", Kind: adapter.KindAI,
		ActorKindsSupported: []string{workflow.ActorAIEditor}, EstimatedCostPerInvocation: 600, Available: true,
	}, first))

	wf := &workflow.Workflow{
		Name:   "s3b",
		Policy: workflow.Policy{MaxTokens: 1000, MaxWorkers: 1},
		Steps: []workflow.Step{
			{ID: "1.001", Actor: workflow.ActorAIEditor, DependsOn: []string{}},
			{
				ID: "1.002", Actor: workflow.ActorAIEditor, DependsOn: []string{"1.001"},
				Gates: []workflow.Gate{{Kind: workflow.GateExists, Severity: workflow.SeverityBlock, Params: map[string]any{"artifact": "unused.json"}}},
			},
		},
	}

	h := newHarness(t, wf, reg, false)
	summary, err := h.exec.Run(context.Background(), h.rc)
	require.NoError(t, err)

	assert.Equal(t, executor.StatusFailed, summary.Status)
	assert.Equal(t, runctx.StepSkipped, summary.StepResults["1.002"].Status)
}

// S4 — retry on transient error (spec §8).
func TestExecutor_RetryOnTransientError(t *testing.T) {
	mock := &adapter.Mock{TokensUsed: 0, FailuresBeforeSuccess: 1}
	reg := registerDeterministic(t, "diag:mock", workflow.ActorDiagnostic, 0, mock)

	wf := &workflow.Workflow{
		Name:   "s4",
		Policy: workflow.Policy{MaxTokens: 1000, MaxWorkers: 1, Retry: workflow.RetryPolicy{MaxAttempts: 2, BackoffMs: []int{1}}},
		Steps: []workflow.Step{
			{ID: "1.001", Actor: workflow.ActorDiagnostic, DependsOn: []string{}},
		},
	}

	h := newHarness(t, wf, reg, false)
	summary, err := h.exec.Run(context.Background(), h.rc)
	require.NoError(t, err)

	assert.Equal(t, executor.StatusSucceeded, summary.Status)
	assert.Equal(t, 2, summary.StepResults["1.001"].Attempts)
	assert.Equal(t, 2, mock.Calls())

	events := readEvents(t, h)
	started := eventsOfKind(events, audit.StepStarted)
	require.Len(t, started, 2)
	assert.Equal(t, started[0].Payload["adapter"], started[1].Payload["adapter"])

	ended := eventsOfKind(events, audit.StepEnded)
	require.Len(t, ended, 2)
	assert.Equal(t, "failed", ended[0].Payload["status"])
	assert.Equal(t, "succeeded", ended[1].Payload["status"])
}

// S5 — cancellation (spec §8).
func TestExecutor_Cancellation(t *testing.T) {
	mock1 := &adapter.Mock{TokensUsed: 0}
	mock2 := &adapter.Mock{TokensUsed: 0, Sleep: 50 * time.Millisecond}
	mock3 := &adapter.Mock{TokensUsed: 0}

	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(adapter.Descriptor{Name: "diag:1", Kind: adapter.KindDeterministic, ActorKindsSupported: []string{workflow.ActorDiagnostic}, Available: true}, mock1))
	require.NoError(t, reg.Register(adapter.Descriptor{Name: "fixer:2", Kind: adapter.KindDeterministic, ActorKindsSupported: []string{workflow.ActorFixer}, Available: true}, mock2))
	require.NoError(t, reg.Register(adapter.Descriptor{Name: "reviewer:3", Kind: adapter.KindDeterministic, ActorKindsSupported: []string{workflow.ActorReviewer}, Available: true}, mock3))

	wf := &workflow.Workflow{
		Name:   "s5",
		Policy: workflow.Policy{MaxTokens: 1000, MaxWorkers: 1},
		Steps: []workflow.Step{
			{ID: "1.001", Actor: workflow.ActorDiagnostic, DependsOn: []string{}},
			{ID: "1.002", Actor: workflow.ActorFixer, DependsOn: []string{"1.001"}},
			{ID: "1.003", Actor: workflow.ActorReviewer, DependsOn: []string{"1.002"}},
		},
	}

	h := newHarness(t, wf, reg, false)

	// Cancel the run context once step one's result is recorded, racing
	// step two's in-flight Sleep the same way the teacher's concurrency
	// tests race a worker against an external cancel signal.
	go func() {
		for {
			if _, ok := h.rc.Result("1.001"); ok {
				h.rc.Cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	summary, err := h.exec.Run(context.Background(), h.rc)
	require.NoError(t, err)

	assert.Equal(t, executor.StatusAborted, summary.Status)
	assert.Equal(t, runctx.StepSucceeded, summary.StepResults["1.001"].Status)

	step2 := summary.StepResults["1.002"]
	assert.Contains(t, []runctx.StepStatus{runctx.StepAborted, runctx.StepSkipped}, step2.Status)
	step3 := summary.StepResults["1.003"]
	assert.Equal(t, runctx.StepSkipped, step3.Status)

	events := readEvents(t, h)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, string(audit.RunEnded), last.Kind)
	assert.Equal(t, "aborted", last.Payload["status"])
}

// S6 — parallel siblings determinism (spec §8).
func TestExecutor_ParallelSiblingsDeterminism(t *testing.T) {
	runOnce := func() (*executor.RunSummary, map[string]artifact.Descriptor) {
		a := &adapter.Mock{TokensUsed: 0, Emit: map[string][]byte{"a.json": []byte(`{"findings":[]}`)}}
		b := &adapter.Mock{TokensUsed: 0, Emit: map[string][]byte{"b.json": []byte(`{"findings":[]}`)}}
		c := &adapter.Mock{TokensUsed: 0, Emit: map[string][]byte{"c.json": []byte(`{"findings":[]}`)}}

		reg := adapter.NewRegistry()
		require.NoError(t, reg.Register(adapter.Descriptor{Name: "diag:a", Kind: adapter.KindDeterministic, ActorKindsSupported: []string{workflow.ActorDiagnostic}, Available: true}, a))
		require.NoError(t, reg.Register(adapter.Descriptor{Name: "fixer:b", Kind: adapter.KindDeterministic, ActorKindsSupported: []string{workflow.ActorFixer}, Available: true}, b))
		require.NoError(t, reg.Register(adapter.Descriptor{Name: "reviewer:c", Kind: adapter.KindDeterministic, ActorKindsSupported: []string{workflow.ActorReviewer}, Available: true}, c))

		wf := &workflow.Workflow{
			Name:   "s6",
			Policy: workflow.Policy{MaxTokens: 1000, MaxWorkers: 2},
			Steps: []workflow.Step{
				{ID: "1.001", Actor: workflow.ActorDiagnostic, Emits: []string{"a.json"}, DependsOn: []string{}},
				{ID: "1.002", Actor: workflow.ActorFixer, Emits: []string{"b.json"}, DependsOn: []string{}},
				{ID: "1.003", Actor: workflow.ActorReviewer, Emits: []string{"c.json"}, DependsOn: []string{"1.001", "1.002"}},
			},
		}

		h := newHarness(t, wf, reg, false)
		summary, err := h.exec.Run(context.Background(), h.rc)
		require.NoError(t, err)
		return summary, summary.ArtifactsIndex
	}

	firstSummary, firstIndex := runOnce()
	secondSummary, secondIndex := runOnce()

	assert.Equal(t, executor.StatusSucceeded, firstSummary.Status)
	assert.Equal(t, executor.StatusSucceeded, secondSummary.Status)
	assert.Equal(t, runctx.StepSucceeded, firstSummary.StepResults["1.003"].Status)

	for path, d1 := range firstIndex {
		d2, ok := secondIndex[path]
		require.True(t, ok, "artifact %q present in one run but not the other", path)
		assert.Equal(t, d1.Digest, d2.Digest, "artifact %q digest differs across runs", path)
	}
	assert.Len(t, secondIndex, len(firstIndex))
}

// Boundary: single step, depends_on explicitly empty, runs to completion.
func TestExecutor_SingleStepNoDeps(t *testing.T) {
	mock := &adapter.Mock{TokensUsed: 5}
	reg := registerDeterministic(t, "diag:mock", workflow.ActorDiagnostic, 0, mock)

	wf := &workflow.Workflow{
		Name:   "boundary-single",
		Policy: workflow.Policy{MaxTokens: 100, MaxWorkers: 1},
		Steps: []workflow.Step{
			{ID: "1.001", Actor: workflow.ActorDiagnostic, DependsOn: []string{}},
		},
	}

	h := newHarness(t, wf, reg, false)
	summary, err := h.exec.Run(context.Background(), h.rc)
	require.NoError(t, err)

	assert.Equal(t, executor.StatusSucceeded, summary.Status)
	assert.Equal(t, 95, summary.BudgetRemaining)
}

// Boundary: first step's estimated cost exceeds the whole budget, so
// the run fails with BudgetExhausted before any adapter invocation.
func TestExecutor_FirstStepOverBudget(t *testing.T) {
	mock := &adapter.Mock{TokensUsed: 0}
	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(adapter.Descriptor{
		Name: "ai:expensive", Kind: adapter.KindAI,
		ActorKindsSupported: []string{workflow.ActorAIEditor}, EstimatedCostPerInvocation: 5000, Available: true,
	}, mock))

	wf := &workflow.Workflow{
		Name:   "boundary-overbudget",
		Policy: workflow.Policy{MaxTokens: 100, MaxWorkers: 1},
		Steps: []workflow.Step{
			{ID: "1.001", Actor: workflow.ActorAIEditor, DependsOn: []string{}},
		},
	}

	h := newHarness(t, wf, reg, false)
	summary, err := h.exec.Run(context.Background(), h.rc)
	require.NoError(t, err)

	assert.Equal(t, executor.StatusFailed, summary.Status)
	assert.Equal(t, 0, mock.Calls())
	events := readEvents(t, h)
	assert.Empty(t, eventsOfKind(events, audit.StepStarted))
}

// Boundary: a false `when` predicate skips the step without routing or
// gate evaluation, emitting step.skipped.
func TestExecutor_WhenFalseSkipsWithoutRouting(t *testing.T) {
	first := &adapter.Mock{TokensUsed: 0, Emit: map[string][]byte{"diagnostics.json": []byte(`{"findings":[]}`)}}
	reg := registerDeterministic(t, "diag:mock", workflow.ActorDiagnostic, 0, first)

	wf := &workflow.Workflow{
		Name:   "boundary-when-false",
		Policy: workflow.Policy{MaxTokens: 100, MaxWorkers: 1},
		Steps: []workflow.Step{
			{ID: "1.001", Actor: workflow.ActorDiagnostic, Emits: []string{"diagnostics.json"}, DependsOn: []string{}},
			{
				ID: "1.002", Actor: workflow.ActorFixer, DependsOn: []string{"1.001"},
				When: &workflow.Predicate{Kind: workflow.PredicateArtifactProperty, Artifact: "diagnostics.json", Property: "absent", Equals: "never"},
			},
		},
	}
	// No adapter registered for the fixer actor at all: if the when
	// predicate were wrongly evaluated true, routing would fail loudly
	// instead of the step being quietly skipped.

	h := newHarness(t, wf, reg, false)
	summary, err := h.exec.Run(context.Background(), h.rc)
	require.NoError(t, err)

	assert.Equal(t, executor.StatusSucceeded, summary.Status)
	assert.Equal(t, runctx.StepSkipped, summary.StepResults["1.002"].Status)

	events := readEvents(t, h)
	routed := eventsOfKind(events, audit.StepRouted)
	for _, e := range routed {
		assert.NotEqual(t, "1.002", e.StepID)
	}
}

// smallPatch builds a unified-diff-shaped string with exactly n changed
// (+/-) lines, for exercising the diff_limits gate's line counter.
func smallPatch(n int) string {
	var buf bytes.Buffer
	buf.WriteString("--- a/file.go\n+++ b/file.go\n@@ -1,1 +1,1 @@\n")
	for i := 0; i < n; i++ {
		buf.WriteString("+line\n")
	}
	return buf.String()
}

// Package executor implements the orchestration state machine (spec
// §4.5): it walks a RunPlan in topological (rank) order, consults the
// Router for each ready step, dispatches the chosen adapter under a
// per-step timeout, catalogues emitted artifacts, settles the Cost
// Tracker, evaluates gates, retries transient failures, and assembles
// the terminal RunSummary.
//
// Grounded on the teacher's DefaultPipelineExecutor (internal/pipeline/
// executor.go): the attempt-loop-with-backoff shape of executeStep is
// reused almost verbatim, generalized from wave's single Handover.
// MaxRetries knob to spec.md's policy.retry.{max_attempts,backoff_ms}.
// The rank-batched fan-out below is ConcurrencyExecutor.Execute
// (internal/pipeline/concurrency.go) generalized from "N copies of one
// step" to "N independent ready steps sharing a topological rank".
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stepforge/kernel/internal/adapter"
	"github.com/stepforge/kernel/internal/artifact"
	"github.com/stepforge/kernel/internal/audit"
	"github.com/stepforge/kernel/internal/budget"
	"github.com/stepforge/kernel/internal/gate"
	"github.com/stepforge/kernel/internal/kernelerrors"
	"github.com/stepforge/kernel/internal/router"
	"github.com/stepforge/kernel/internal/runctx"
	"github.com/stepforge/kernel/internal/workflow"
)

// Run-level terminal statuses (spec §4.5, "RunSummary").
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

// RunSummary is the Executor's terminal record for one run (spec §3).
type RunSummary struct {
	RunID           string
	Status          string
	StepResults     map[string]runctx.StepResult
	ArtifactsIndex  map[string]artifact.Descriptor
	TokensUsedTotal int
	BudgetRemaining int
}

// Executor drives one run to completion.
type Executor struct {
	Registry *adapter.Registry
	Router   *router.Router
	Gates    *gate.Engine
}

// New constructs an Executor wired to its collaborators.
func New(reg *adapter.Registry, rt *router.Router, gates *gate.Engine) *Executor {
	return &Executor{Registry: reg, Router: rt, Gates: gates}
}

// Run executes rc.Plan to completion against rc.Workflow's policy,
// returning the terminal RunSummary. ctx governs the whole run;
// per-step timeouts are derived from it.
func (e *Executor) Run(ctx context.Context, rc *runctx.Context) (*RunSummary, error) {
	wf := rc.Workflow
	plan := rc.Plan

	if err := rc.Log.Append(audit.RunStarted, "", audit.RunStartedPayload{
		RunID:        rc.RunID,
		WorkflowName: wf.Name,
		Inputs:       rc.Inputs,
		Budget:       wf.Policy.MaxTokens,
	}); err != nil {
		return nil, fmt.Errorf("append run.started: %w", err)
	}

	status := StatusSucceeded
	aborted := false

	ranks := rankBatches(plan)
batches:
	for i, batch := range ranks {
		if rc.Cancelled() {
			e.skipRemaining(rc, flattenFrom(ranks, i), "run cancelled")
			status = StatusAborted
			aborted = true
			break
		}

		maxWorkers := wf.Policy.MaxWorkers
		if maxWorkers <= 0 {
			maxWorkers = 1
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxWorkers)

		var mu sync.Mutex
		batchFailed := false
		batchRunFailed := false
		batchAborted := false

		for _, id := range batch {
			id := id
			g.Go(func() error {
				node := plan.Nodes[id]
				outcome := e.runOneStep(gctx, rc, node)
				mu.Lock()
				if outcome.failed {
					batchFailed = true
				}
				if outcome.runFailed {
					batchRunFailed = true
				}
				if outcome.runAborted {
					batchAborted = true
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if batchAborted {
			status = StatusAborted
			aborted = true
			e.skipRemaining(rc, remainingAfter(ranks, batch), "run cancelled")
			break batches
		}

		if batchRunFailed {
			status = StatusFailed
		}

		if batchFailed && wf.Policy.FailFast {
			status = StatusFailed
			e.skipRemaining(rc, remainingAfter(ranks, batch), "fail_fast")
			break batches
		}
	}

	tokensUsedTotal := rc.Budget.Initial() - rc.Budget.Remaining()
	if !aborted && status == StatusSucceeded {
		for _, res := range rc.Results() {
			if res.Status == runctx.StepFailed {
				status = StatusFailed
				break
			}
		}
	}

	if err := rc.Log.Append(audit.RunEnded, "", audit.RunEndedPayload{
		RunID:           rc.RunID,
		Status:          status,
		TokensUsedTotal: tokensUsedTotal,
		BudgetRemaining: rc.Budget.Remaining(),
	}); err != nil {
		return nil, fmt.Errorf("append run.ended: %w", err)
	}
	if err := rc.Log.Flush(); err != nil {
		return nil, fmt.Errorf("flush audit log: %w", err)
	}

	summary := &RunSummary{
		RunID:           rc.RunID,
		Status:          status,
		StepResults:     rc.Results(),
		ArtifactsIndex:  rc.Artifacts.Index(),
		TokensUsedTotal: tokensUsedTotal,
		BudgetRemaining: rc.Budget.Remaining(),
	}
	if err := writeManifest(rc, summary); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return summary, nil
}

// rankBatches groups plan.Order (already rank-then-ID sorted) into
// consecutive batches sharing one topological rank. Two nodes never
// share a rank if one depends on the other (a node's rank is one more
// than its highest predecessor's rank; roots are rank 0), so every
// batch is safe to dispatch concurrently.
func rankBatches(plan *workflow.RunPlan) [][]string {
	var batches [][]string
	var current []string
	currentRank := -1
	for _, id := range plan.Order {
		rank := plan.Nodes[id].Rank
		if rank != currentRank {
			if len(current) > 0 {
				batches = append(batches, current)
			}
			current = nil
			currentRank = rank
		}
		current = append(current, id)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// flattenFrom concatenates every batch from index i (inclusive) onward,
// used when cancellation is observed before a batch is dispatched at
// all so every not-yet-started step still gets a terminal skipped
// result instead of being left unrecorded.
func flattenFrom(batches [][]string, i int) []string {
	var out []string
	for _, b := range batches[i:] {
		out = append(out, b...)
	}
	return out
}

// remainingAfter flattens every batch after (and not including) upto.
func remainingAfter(batches [][]string, upto []string) []string {
	var out []string
	found := false
	for _, b := range batches {
		if found {
			out = append(out, b...)
			continue
		}
		if len(b) == len(upto) && b[0] == upto[0] {
			found = true
		}
	}
	return out
}

// skipRemaining marks every not-yet-recorded step in ids as skipped
// with the given reason, emitting step.skipped for each.
func (e *Executor) skipRemaining(rc *runctx.Context, ids []string, reason string) {
	sort.Strings(ids)
	for _, id := range ids {
		if _, ok := rc.Result(id); ok {
			continue
		}
		rc.RecordResult(runctx.StepResult{StepID: id, Status: runctx.StepSkipped, ErrorKind: reason})
		_ = rc.Log.Append(audit.StepSkipped, id, audit.StepSkippedPayload{StepID: id, Reason: reason})
	}
}

// stepOutcome summarizes one step's effect on the batch/run-level
// aggregation the coordinator needs (spec §4.5's fail_fast and
// "block gate depended on a skipped step" rules).
type stepOutcome struct {
	failed     bool
	runFailed  bool
	runAborted bool
}

// runOneStep drives a single step from readiness check through its
// terminal StepResult. It is safe to call concurrently for sibling
// steps that share no dependency edge (spec §5).
func (e *Executor) runOneStep(ctx context.Context, rc *runctx.Context, node *workflow.PlanNode) stepOutcome {
	step := node.Step

	ready, reason := evalWhen(rc, node)
	if !ready {
		rc.RecordResult(runctx.StepResult{StepID: step.ID, Status: runctx.StepSkipped})
		_ = rc.Log.Append(audit.StepSkipped, step.ID, audit.StepSkippedPayload{StepID: step.ID, Reason: reason})
		return stepOutcome{}
	}

	if rc.Cancelled() {
		rc.RecordResult(runctx.StepResult{StepID: step.ID, Status: runctx.StepAborted, ErrorKind: string(kernelerrors.Cancelled)})
		return stepOutcome{runAborted: true}
	}

	impl, descriptor, decision, err := e.Router.Route(step, rc.Workflow.Policy, rc.Budget.Remaining())
	_ = rc.Log.Append(audit.StepRouted, step.ID, audit.StepRoutedPayload{
		StepID:     step.ID,
		Chosen:     decision.Chosen,
		Considered: decision.Considered,
		Rejected:   toRejectedPayload(decision.Rejected),
		Fallback:   decision.Fallback,
	})
	if err != nil {
		kerr, _ := kernelerrors.As(err)
		if kerr != nil && kerr.Kind == kernelerrors.BudgetExhausted {
			// Nothing settled yet means this step's own estimated cost
			// already exceeds the run's starting budget: no later policy
			// decision could have avoided it, so the run fails outright
			// regardless of gates (spec §8 "Boundary behavior": "first
			// step's estimated cost > budget: run status failed"). Once
			// some budget has been spent, a skip here follows the
			// narrower S3 rule: failed only if the skipped step carried
			// a block-severity gate.
			unspent := rc.Budget.Remaining() == rc.Budget.Initial()
			hasBlockGate := hasBlockSeverityGate(step)
			rc.RecordResult(runctx.StepResult{StepID: step.ID, Status: runctx.StepSkipped, ErrorKind: string(kernelerrors.BudgetExhausted)})
			_ = rc.Log.Append(audit.StepSkipped, step.ID, audit.StepSkippedPayload{StepID: step.ID, Reason: string(kernelerrors.BudgetExhausted)})
			return stepOutcome{runFailed: hasBlockGate || unspent}
		}
		rc.RecordResult(runctx.StepResult{StepID: step.ID, Status: runctx.StepFailed, ErrorKind: string(kernelerrors.NoAdapterAvailable), ErrorMessage: err.Error()})
		_ = rc.Log.Append(audit.ErrorEvent, step.ID, audit.ErrorPayload{StepID: step.ID, Kind: string(kernelerrors.NoAdapterAvailable), Message: err.Error()})
		return stepOutcome{failed: true, runFailed: true}
	}

	if rc.Budget.InDrain() && descriptor.EstimatedCostPerInvocation > 0 {
		hasBlockGate := hasBlockSeverityGate(step)
		rc.RecordResult(runctx.StepResult{StepID: step.ID, Status: runctx.StepSkipped, ErrorKind: string(kernelerrors.BudgetExhausted)})
		_ = rc.Log.Append(audit.StepSkipped, step.ID, audit.StepSkippedPayload{StepID: step.ID, Reason: "drain mode"})
		return stepOutcome{runFailed: hasBlockGate}
	}

	return e.dispatch(ctx, rc, step, impl, descriptor)
}

// dispatch runs the adapter attempt loop: invoke, settle cost, verify
// emitted artifacts, evaluate gates, retry on transient/timeout per
// policy (spec §4.5 "Retry policy").
func (e *Executor) dispatch(ctx context.Context, rc *runctx.Context, step *workflow.Step, impl adapter.Adapter, descriptor adapter.Descriptor) stepOutcome {
	policy := rc.Workflow.Policy
	maxAttempts := policy.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(backoffFor(policy.Retry, attempt))

			// Retries reuse the same routing decision unless the
			// adapter is now unavailable, in which case the Router is
			// consulted again (spec §4.5, "Retry policy").
			if _, _, ok := e.Registry.Lookup(descriptor.Name); !ok {
				newImpl, newDescriptor, decision, err := e.Router.Route(step, rc.Workflow.Policy, rc.Budget.Remaining())
				_ = rc.Log.Append(audit.StepRouted, step.ID, audit.StepRoutedPayload{
					StepID:     step.ID,
					Chosen:     decision.Chosen,
					Considered: decision.Considered,
					Rejected:   toRejectedPayload(decision.Rejected),
					Fallback:   decision.Fallback,
				})
				if err != nil {
					kerr, _ := kernelerrors.As(err)
					kind := kernelerrors.NoAdapterAvailable
					if kerr != nil {
						kind = kerr.Kind
					}
					rc.RecordResult(runctx.StepResult{StepID: step.ID, Status: runctx.StepFailed, Attempts: attempt - 1, ErrorKind: string(kind), ErrorMessage: err.Error()})
					return stepOutcome{failed: true, runFailed: true}
				}
				impl, descriptor = newImpl, newDescriptor
			}
		}

		stepCtx := ctx
		var cancel context.CancelFunc
		if timeout := rc.StepTimeout(); timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		started := time.Now()
		_ = rc.Log.Append(audit.StepStarted, step.ID, audit.StepStartedPayload{StepID: step.ID, Adapter: descriptor.Name})

		res, execErr := impl.Execute(stepCtx, adapter.RunConfig{
			StepID:    step.ID,
			Actor:     step.Actor,
			With:      step.With,
			Artifacts: rc.Artifacts,
		})
		duration := time.Since(started)
		timedOut := stepCtx.Err() == context.DeadlineExceeded
		if cancel != nil {
			cancel()
		}

		settle, settleErr := rc.Budget.Settle(budget.Reserve(step.ID, descriptor.EstimatedCostPerInvocation), res.TokensUsed)
		if settleErr == nil {
			_ = rc.Log.Append(audit.CostUpdate, step.ID, audit.CostUpdatePayload{StepID: step.ID, Delta: settle.Delta, Remaining: settle.Remaining})
		} else {
			_ = rc.Log.Append(audit.ErrorEvent, step.ID, audit.ErrorPayload{StepID: step.ID, Kind: string(kernelerrors.CostOverflowError), Message: settleErr.Error()})
		}

		if rc.Cancelled() {
			rc.RecordResult(runctx.StepResult{StepID: step.ID, Status: runctx.StepAborted, Attempts: attempt, TokensUsed: res.TokensUsed, DurationMs: duration.Milliseconds(), ErrorKind: string(kernelerrors.Cancelled)})
			_ = rc.Log.Append(audit.StepEnded, step.ID, audit.StepEndedPayload{StepID: step.ID, Status: "aborted", TokensUsed: res.TokensUsed, DurationMs: duration.Milliseconds()})
			return stepOutcome{runAborted: true}
		}

		if timedOut {
			_ = rc.Log.Append(audit.StepEnded, step.ID, audit.StepEndedPayload{StepID: step.ID, Status: "failed", TokensUsed: res.TokensUsed, DurationMs: duration.Milliseconds()})
			if attempt < maxAttempts {
				continue
			}
			rc.RecordResult(runctx.StepResult{StepID: step.ID, Status: runctx.StepFailed, Attempts: attempt, TokensUsed: res.TokensUsed, DurationMs: duration.Milliseconds(), ErrorKind: string(kernelerrors.Timeout), ErrorMessage: "step exceeded its timeout"})
			return stepOutcome{failed: true, runFailed: true}
		}

		if execErr != nil && res.Error == nil {
			rc.RecordResult(runctx.StepResult{StepID: step.ID, Status: runctx.StepFailed, Attempts: attempt, DurationMs: duration.Milliseconds(), ErrorKind: string(kernelerrors.InternalError), ErrorMessage: execErr.Error()})
			_ = rc.Log.Append(audit.ErrorEvent, step.ID, audit.ErrorPayload{StepID: step.ID, Kind: string(kernelerrors.InternalError), Message: execErr.Error()})
			return stepOutcome{failed: true, runFailed: true}
		}

		if res.Status == adapter.StatusFailed {
			errKind, retryable := classifyAdapterError(res.Error)
			_ = rc.Log.Append(audit.StepEnded, step.ID, audit.StepEndedPayload{StepID: step.ID, Status: "failed", TokensUsed: res.TokensUsed, DurationMs: duration.Milliseconds(), Emitted: res.EmittedArtifacts})
			if retryable && attempt < maxAttempts {
				continue
			}
			msg := ""
			if res.Error != nil {
				msg = res.Error.Message
			}
			rc.RecordResult(runctx.StepResult{StepID: step.ID, Status: runctx.StepFailed, Attempts: attempt, TokensUsed: res.TokensUsed, DurationMs: duration.Milliseconds(), ErrorKind: string(errKind), ErrorMessage: msg})
			return stepOutcome{failed: true, runFailed: true}
		}

		missing := missingEmits(step, res, rc.Artifacts)
		if len(missing) > 0 {
			_ = rc.Log.Append(audit.StepEnded, step.ID, audit.StepEndedPayload{StepID: step.ID, Status: "failed", TokensUsed: res.TokensUsed, DurationMs: duration.Milliseconds(), Emitted: res.EmittedArtifacts})
			rc.RecordResult(runctx.StepResult{StepID: step.ID, Status: runctx.StepFailed, Attempts: attempt, TokensUsed: res.TokensUsed, DurationMs: duration.Milliseconds(), ErrorKind: string(kernelerrors.MissingEmittedArtifact), ErrorMessage: fmt.Sprintf("adapter did not produce: %v", missing)})
			return stepOutcome{failed: true, runFailed: true}
		}

		report := e.Gates.Evaluate(step, rc.Artifacts)
		_ = rc.Log.Append(audit.GateEvaluated, step.ID, audit.GateEvaluatedPayload{StepID: step.ID, Report: report})

		if report.BlockFailed() {
			_ = rc.Log.Append(audit.StepEnded, step.ID, audit.StepEndedPayload{StepID: step.ID, Status: "failed", TokensUsed: res.TokensUsed, DurationMs: duration.Milliseconds(), Emitted: res.EmittedArtifacts})
			rc.RecordResult(runctx.StepResult{StepID: step.ID, Status: runctx.StepFailed, Attempts: attempt, TokensUsed: res.TokensUsed, DurationMs: duration.Milliseconds(), Emitted: res.EmittedArtifacts, GateBlocked: true, ErrorKind: string(kernelerrors.GateFailed)})
			return stepOutcome{failed: true, runFailed: true}
		}

		_ = rc.Log.Append(audit.StepEnded, step.ID, audit.StepEndedPayload{StepID: step.ID, Status: "succeeded", TokensUsed: res.TokensUsed, DurationMs: duration.Milliseconds(), Emitted: res.EmittedArtifacts})
		rc.RecordResult(runctx.StepResult{StepID: step.ID, Status: runctx.StepSucceeded, Attempts: attempt, TokensUsed: res.TokensUsed, DurationMs: duration.Milliseconds(), Emitted: res.EmittedArtifacts})
		return stepOutcome{}
	}

	// Unreachable: the loop above always returns by its final attempt.
	return stepOutcome{failed: true, runFailed: true}
}

func classifyAdapterError(e *adapter.ResultError) (kernelerrors.Kind, bool) {
	if e == nil {
		return kernelerrors.InternalError, false
	}
	switch e.Kind {
	case adapter.ErrorTransient:
		return kernelerrors.AdapterTransient, e.Retryable
	case adapter.ErrorBudget:
		return kernelerrors.BudgetExhausted, false
	default:
		return kernelerrors.AdapterPermanent, false
	}
}

// missingEmits reports every path in step.Emits the artifact store did
// not catalogue as produced by this step (spec §4.5,
// "MissingEmittedArtifact").
func missingEmits(step *workflow.Step, res adapter.Result, artifacts *artifact.Store) []string {
	var missing []string
	for _, path := range step.Emits {
		desc, ok := artifacts.Descriptor(path)
		if !ok || desc.ProducedBy != step.ID {
			missing = append(missing, path)
		}
	}
	return missing
}

func hasBlockSeverityGate(step *workflow.Step) bool {
	for _, g := range step.Gates {
		if g.EffectiveSeverity() == workflow.SeverityBlock {
			return true
		}
	}
	return false
}

func toRejectedPayload(rejections []router.Rejection) []audit.RejectedCandidate {
	out := make([]audit.RejectedCandidate, 0, len(rejections))
	for _, r := range rejections {
		out = append(out, audit.RejectedCandidate{Name: r.Name, Reason: r.Reason})
	}
	return out
}

// backoffFor resolves attempt's backoff duration from policy.retry, in
// milliseconds, matching spec §4.5's "configured backoff between
// attempts". attempt is 1-indexed; backoff applies before attempt N for
// N>1, so index N-2 into BackoffMs.
func backoffFor(retry workflow.RetryPolicy, attempt int) time.Duration {
	idx := attempt - 2
	if idx < 0 || idx >= len(retry.BackoffMs) {
		if len(retry.BackoffMs) > 0 {
			return time.Duration(retry.BackoffMs[len(retry.BackoffMs)-1]) * time.Millisecond
		}
		return 0
	}
	return time.Duration(retry.BackoffMs[idx]) * time.Millisecond
}

// evalWhen evaluates step.When against artifacts produced by the
// step's own predecessors only (spec §9 Open Question, resolved: "when
// predicates may reference only the producing step's own predecessors'
// outputs").
func evalWhen(rc *runctx.Context, node *workflow.PlanNode) (ok bool, reason string) {
	step := node.Step
	if step.When == nil || step.When.Kind == workflow.PredicateAlways {
		return true, ""
	}

	desc, exists := rc.Artifacts.Descriptor(step.When.Artifact)
	if !exists || !producedByPredecessor(desc.ProducedBy, node.Preds) {
		return false, fmt.Sprintf("%s: artifact %q not produced by a predecessor", step.When.Kind, step.When.Artifact)
	}

	switch step.When.Kind {
	case workflow.PredicateArtifactExists:
		return true, ""
	case workflow.PredicateArtifactProperty:
		data, err := rc.Artifacts.Read(step.When.Artifact)
		if err != nil {
			return false, fmt.Sprintf("artifact_property: %v", err)
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return false, fmt.Sprintf("artifact_property: %v", err)
		}
		val, present := doc[step.When.Property]
		if !present {
			return false, fmt.Sprintf("artifact_property: %q has no property %q", step.When.Artifact, step.When.Property)
		}
		if !looseEqual(val, step.When.Equals) {
			return false, fmt.Sprintf("artifact_property: %q.%q != %v", step.When.Artifact, step.When.Property, step.When.Equals)
		}
		return true, ""
	default:
		return false, fmt.Sprintf("unknown when-predicate kind %q", step.When.Kind)
	}
}

func producedByPredecessor(producer string, preds []string) bool {
	for _, p := range preds {
		if p == producer {
			return true
		}
	}
	return false
}

// looseEqual compares a JSON-decoded value against a YAML-decoded
// value where numeric kinds may differ (float64 vs int) even when the
// underlying value is the same.
func looseEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// writeManifest writes the run-level manifest.json summarizing the
// artifacts index and RunSummary (spec §6, "Artifact namespace").
func writeManifest(rc *runctx.Context, summary *RunSummary) error {
	type manifestDoc struct {
		RunSummary *RunSummary                   `json:"run_summary"`
		Artifacts  map[string]artifact.Descriptor `json:"artifacts"`
	}
	doc := manifestDoc{RunSummary: summary, Artifacts: summary.ArtifactsIndex}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(rc.Artifacts.Root(), "manifest.json"), data, 0o644)
}

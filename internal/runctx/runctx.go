// Package runctx defines the Run Context (spec §4.1): the mutable state
// threaded through one run's lifetime, grounded on the teacher's
// PipelineExecution (internal/pipeline/executor.go) pared down to the
// fields spec §5's "shared resource policy" actually allows the
// Executor, Router, and Gate Engine to mutate or read concurrently.
package runctx

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepforge/kernel/internal/artifact"
	"github.com/stepforge/kernel/internal/audit"
	"github.com/stepforge/kernel/internal/budget"
	"github.com/stepforge/kernel/internal/workflow"
)

// StepStatus is the terminal or in-flight state of one step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepAborted   StepStatus = "aborted"
)

// StepResult records one step's outcome, kept for the RunSummary and
// the Run Registry. `when` predicates read the artifact store, not these
// results.
type StepResult struct {
	StepID       string
	Status       StepStatus
	TokensUsed   int
	Attempts     int
	DurationMs   int64
	Emitted      []string
	GateBlocked  bool
	ErrorKind    string
	ErrorMessage string
}

// Context is the single mutable object threaded through a run. Its
// exported fields (Workflow, Plan, RunID, StartedAt) are set once at
// construction and never mutated afterward; everything mutated during
// execution (budget, artifacts, results, cancellation) goes through an
// accessor that serializes access, matching spec §5's "no component
// observes a torn write."
type Context struct {
	RunID     string
	StartedAt time.Time
	Workflow  *workflow.Workflow
	Plan      *workflow.RunPlan
	Inputs    map[string]any

	Budget    *budget.Tracker
	Artifacts *artifact.Store
	Log       *audit.Log

	mu        sync.RWMutex
	results   map[string]StepResult
	cancelled bool
}

// New assembles a fresh run context. runID is generated via uuid if
// empty, matching spec §6's "run_id is a UUID unless the caller pins
// one for resume."
func New(wf *workflow.Workflow, plan *workflow.RunPlan, runID string, budgetTracker *budget.Tracker, artifacts *artifact.Store, log *audit.Log) *Context {
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Context{
		RunID:     runID,
		StartedAt: time.Now(),
		Workflow:  wf,
		Plan:      plan,
		Inputs:    wf.Inputs,
		Budget:    budgetTracker,
		Artifacts: artifacts,
		Log:       log,
		results:   make(map[string]StepResult),
	}
}

// RecordResult stores a step's terminal result. Safe for concurrent
// callers (spec §5: "sibling steps may complete in any order; result
// recording must not race").
func (c *Context) RecordResult(res StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[res.StepID] = res
}

// Result returns a step's recorded result, if any.
func (c *Context) Result(stepID string) (StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[stepID]
	return r, ok
}

// Results returns a snapshot copy of every recorded result so far.
func (c *Context) Results() map[string]StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]StepResult, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// Cancel marks the run cancelled. The Executor checks this between
// dispatching ready steps (spec §4.5, S5 cancellation scenario); it
// does not itself cancel in-flight adapter calls, which is the caller's
// context.Context responsibility.
func (c *Context) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
}

// Cancelled reports whether Cancel has been called.
func (c *Context) Cancelled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelled
}

// StepTimeout resolves the effective per-step timeout from policy,
// defaulting to zero (no timeout) when unset.
func (c *Context) StepTimeout() time.Duration {
	if c.Workflow.Policy.StepTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Workflow.Policy.StepTimeoutSeconds) * time.Second
}

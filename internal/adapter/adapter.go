// Package adapter defines the Adapter contract and the process-lifetime
// Registry adapters are looked up through (spec §4.3).
package adapter

import (
	"context"

	"github.com/stepforge/kernel/internal/artifact"
)

// Kind classifies an adapter as deterministic tooling or an AI-backed
// implementation. Routing uses this to honor policy.prefer_deterministic.
type Kind string

const (
	KindDeterministic Kind = "deterministic"
	KindAI            Kind = "ai"
)

// Adapter is the single contract every concrete implementation must
// satisfy. Adapters write artifacts only through the Artifact Store
// handed to them in RunConfig.Artifacts; they never touch the run
// context directly (spec §5, "Shared resource policy").
type Adapter interface {
	// Execute runs the adapter against one step's opaque `with` payload
	// and must be re-entrant and deterministic given the same inputs and
	// artifact store state, to the degree feasible (spec §4.3).
	Execute(ctx context.Context, cfg RunConfig) (Result, error)
}

// RunConfig is everything an adapter needs, assembled by the Executor.
// Artifacts is the run's Artifact Store: the only channel through which
// an adapter may persist output (spec §4.3, §5).
type RunConfig struct {
	StepID    string
	Actor     string
	With      map[string]any
	Artifacts *artifact.Store
}

// Result is the contract's single return shape. Status ok/failed is
// authoritative; Error is populated only on failed.
type Result struct {
	Status          Status
	TokensUsed      int
	EmittedArtifacts []string
	Diagnostics     []Diagnostic
	Error           *ResultError
}

// Status is the adapter-reported outcome.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Diagnostic is a structured note an adapter may attach to its result,
// independent of pass/fail (e.g. a lint warning it chose not to fail on).
type Diagnostic struct {
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// ErrorKind classifies adapter-reported failures for the Executor's
// retry/abort decision (spec §4.3's adapter error taxonomy).
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorPermanent ErrorKind = "permanent"
	ErrorBudget    ErrorKind = "budget"
)

// ResultError is the structured error an adapter reports on failure.
// Adapters never raise; they report via this field (spec §7,
// "Propagation policy").
type ResultError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
}

func (e *ResultError) Error() string { return string(e.Kind) + ": " + e.Message }

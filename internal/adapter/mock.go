package adapter

import (
	"context"
	"sort"
	"time"
)

// Mock is a deterministic, configurable Adapter for executor tests,
// grounded on the teacher's MockAdapterRunner (internal/adapter/mock.go)
// which serves the identical purpose: giving the orchestration tests a
// controllable stand-in instead of a real external process.
type Mock struct {
	// TokensUsed is reported back verbatim on success.
	TokensUsed int
	// Emit maps a relative artifact path to the bytes to write through
	// the run's artifact store.
	Emit map[string][]byte
	// FailuresBeforeSuccess causes the first N calls to fail transiently
	// before the (N+1)th call succeeds, for retry-scenario tests (S4).
	FailuresBeforeSuccess int
	// PermanentFailure, if set, always fails with ErrorPermanent.
	PermanentFailure bool
	// Sleep, if nonzero, blocks Execute for this long before returning,
	// honoring ctx cancellation/timeout (for timeout-scenario tests).
	Sleep time.Duration
	// SkipEmit, if set, causes a declared artifact path to silently not
	// be written (for MissingEmittedArtifact tests).
	SkipEmit map[string]bool

	calls int
}

// Execute implements Adapter.
func (m *Mock) Execute(ctx context.Context, cfg RunConfig) (Result, error) {
	m.calls++

	if m.Sleep > 0 {
		select {
		case <-time.After(m.Sleep):
		case <-ctx.Done():
			return Result{Status: StatusFailed, Error: &ResultError{Kind: ErrorPermanent, Message: ctx.Err().Error()}}, ctx.Err()
		}
	}

	if m.PermanentFailure {
		return Result{Status: StatusFailed, Error: &ResultError{Kind: ErrorPermanent, Message: "mock permanent failure", Retryable: false}}, nil
	}

	if m.calls <= m.FailuresBeforeSuccess {
		return Result{Status: StatusFailed, Error: &ResultError{Kind: ErrorTransient, Message: "mock transient failure", Retryable: true}}, nil
	}

	var emitted []string
	for path, data := range m.Emit {
		if m.SkipEmit[path] {
			continue
		}
		if _, err := cfg.Artifacts.Write(path, cfg.StepID, data); err != nil {
			return Result{}, err
		}
		emitted = append(emitted, path)
	}
	sort.Strings(emitted)

	return Result{
		Status:           StatusOK,
		TokensUsed:       m.TokensUsed,
		EmittedArtifacts: emitted,
	}, nil
}

// Calls reports how many times Execute has been invoked, for assertions
// about retry counts.
func (m *Mock) Calls() int { return m.calls }

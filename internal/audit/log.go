// Package audit implements the Audit Log (spec §4.8): an append-only,
// newline-delimited JSON event stream with a stable per-kind schema,
// grounded on the teacher's event.NDJSONEmitter (one JSON object per
// line, encoded with encoding/json.Encoder) and audit.TraceLogger
// (append-only file handle opened once per run).
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kind enumerates the mandatory audit event kinds (spec §4.8).
type Kind string

const (
	RunStarted    Kind = "run.started"
	RunEnded      Kind = "run.ended"
	StepRouted    Kind = "step.routed"
	StepStarted   Kind = "step.started"
	StepEnded     Kind = "step.ended"
	StepSkipped   Kind = "step.skipped"
	GateEvaluated Kind = "gate.evaluated"
	CostUpdate    Kind = "cost.update"
	ErrorEvent    Kind = "error"
)

// Event is the single envelope every audit log line carries: a
// monotonic timestamp, the owning run, an event kind, and a
// kind-specific payload.
type Event struct {
	TS      time.Time `json:"ts"`
	RunID   string    `json:"run_id"`
	Kind    Kind      `json:"kind"`
	StepID  string    `json:"step_id,omitempty"`
	Payload any       `json:"payload"`
}

// Log is an append-only JSONL writer for one run. The clock field
// enforces spec §4.8's "strictly monotonic in timestamp within a run"
// invariant even when the wall clock doesn't advance between two fast
// appends.
type Log struct {
	runID string
	file  *os.File
	enc   *json.Encoder

	mu       sync.Mutex
	lastTS   time.Time
	nowFn    func() time.Time
}

// Open creates (or truncates) logs/<run_id>.jsonl under logDir.
func Open(logDir, runID string) (*Log, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(logDir, runID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{
		runID: runID,
		file:  f,
		enc:   json.NewEncoder(f),
		nowFn: time.Now,
	}, nil
}

// Path returns the log file's path for callers that need to reference
// it (e.g. the manifest written at run completion).
func (l *Log) Path() string {
	return l.file.Name()
}

// Append writes one event, stamping it with a timestamp guaranteed to
// be strictly greater than the previous event's in this run.
func (l *Log) Append(kind Kind, stepID string, payload any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.nowFn()
	if !ts.After(l.lastTS) {
		ts = l.lastTS.Add(time.Nanosecond)
	}
	l.lastTS = ts

	ev := Event{TS: ts, RunID: l.runID, Kind: kind, StepID: stepID, Payload: payload}
	return l.enc.Encode(ev)
}

// Flush ensures all written events reach stable storage. The Executor
// calls this before returning a RunSummary (spec §4.8 invariant).
func (l *Log) Flush() error {
	return l.file.Sync()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	_ = l.Flush()
	return l.file.Close()
}

// --- Mandatory payload shapes (spec §4.8) ---

type RunStartedPayload struct {
	RunID        string         `json:"run_id"`
	WorkflowName string         `json:"workflow_name"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Budget       int            `json:"budget"`
}

type RunEndedPayload struct {
	RunID             string `json:"run_id"`
	Status            string `json:"status"`
	TokensUsedTotal   int    `json:"tokens_used_total"`
	BudgetRemaining   int    `json:"budget_remaining"`
}

type StepRoutedPayload struct {
	StepID   string   `json:"step_id"`
	Chosen   string   `json:"chosen"`
	Considered []string `json:"considered,omitempty"`
	Rejected []RejectedCandidate `json:"rejected,omitempty"`
	Fallback bool     `json:"fallback"`
}

type RejectedCandidate struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type StepStartedPayload struct {
	StepID  string `json:"step_id"`
	Adapter string `json:"adapter"`
}

type StepEndedPayload struct {
	StepID     string   `json:"step_id"`
	Status     string   `json:"status"`
	TokensUsed int      `json:"tokens_used"`
	DurationMs int64    `json:"duration_ms"`
	Emitted    []string `json:"emitted"`
}

type StepSkippedPayload struct {
	StepID string `json:"step_id"`
	Reason string `json:"reason"`
}

type GateEvaluatedPayload struct {
	StepID string `json:"step_id"`
	Report any    `json:"report"`
}

type CostUpdatePayload struct {
	StepID    string `json:"step_id"`
	Delta     int    `json:"delta"`
	Remaining int    `json:"remaining"`
}

type ErrorPayload struct {
	StepID  string `json:"step_id,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

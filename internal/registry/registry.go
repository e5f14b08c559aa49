// Package registry is the supplementary Run Registry (SPEC_FULL.md,
// "Run Registry & resume listing"): a SQLite-backed post-run ledger the
// CLI's `resume` and `logs` verbs read, entirely separate from the
// in-memory Run Context the Executor mutates mid-run. A run is written
// here exactly once, after its RunSummary is final — the registry is
// never consulted by the Executor itself (spec §5's single-writer rule
// for run state applies to runctx.Context, not this package).
//
// Grounded on the teacher's StateStore (internal/state/store.go):
// NewStateStore's connection setup (single conn, WAL, busy_timeout,
// foreign_keys) and CreateRun/UpdateRunStatus/ListRuns's query shape are
// reused, pared down from wave's many concerns (performance metrics,
// progress snapshots, cancellation flags, tags — all tied to wave's
// long-lived TUI/daemon, out of this kernel's scope) to the one concern
// SPEC_FULL.md asks for: listing and inspecting finished runs.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stepforge/kernel/internal/artifact"
	"github.com/stepforge/kernel/internal/executor"
	"github.com/stepforge/kernel/internal/runctx"
)

// Registry persists finished runs for later listing and inspection.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dbPath and
// ensures its schema exists.
func Open(dbPath string) (*Registry, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}

	// SQLite's locking model favors a single connection over a pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping registry db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		return nil, err
	}

	return &Registry{db: db}, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run (
			run_id            TEXT PRIMARY KEY,
			workflow_name     TEXT NOT NULL,
			status            TEXT NOT NULL,
			started_at        INTEGER NOT NULL,
			ended_at          INTEGER NOT NULL,
			tokens_used_total INTEGER NOT NULL,
			budget_remaining  INTEGER NOT NULL,
			inputs_json       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS step (
			run_id        TEXT NOT NULL REFERENCES run(run_id) ON DELETE CASCADE,
			step_id       TEXT NOT NULL,
			status        TEXT NOT NULL,
			attempts      INTEGER NOT NULL,
			tokens_used   INTEGER NOT NULL,
			duration_ms   INTEGER NOT NULL,
			gate_blocked  INTEGER NOT NULL,
			error_kind    TEXT NOT NULL,
			error_message TEXT NOT NULL,
			PRIMARY KEY (run_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS run_artifact (
			run_id      TEXT NOT NULL REFERENCES run(run_id) ON DELETE CASCADE,
			path        TEXT NOT NULL,
			digest      TEXT NOT NULL,
			size_bytes  INTEGER NOT NULL,
			produced_by TEXT NOT NULL,
			mime_hint   TEXT NOT NULL,
			PRIMARY KEY (run_id, path)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (r *Registry) Close() error { return r.db.Close() }

// RunRecord is one finished run as read back from the registry.
type RunRecord struct {
	RunID           string
	WorkflowName    string
	Status          string
	StartedAt       time.Time
	EndedAt         time.Time
	TokensUsedTotal int
	BudgetRemaining int
	Inputs          map[string]any
}

// Finalize writes a completed run and its step/artifact results. Called
// exactly once by the CLI's `run` verb after Executor.Run returns (spec
// §6) — never mid-run.
func (r *Registry) Finalize(workflowName string, startedAt time.Time, inputs map[string]any, summary *executor.RunSummary) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback()

	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO run (run_id, workflow_name, status, started_at, ended_at, tokens_used_total, budget_remaining, inputs_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		     status = excluded.status,
		     ended_at = excluded.ended_at,
		     tokens_used_total = excluded.tokens_used_total,
		     budget_remaining = excluded.budget_remaining`,
		summary.RunID, workflowName, summary.Status, startedAt.Unix(), time.Now().Unix(),
		summary.TokensUsedTotal, summary.BudgetRemaining, string(inputsJSON),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, res := range summary.StepResults {
		if err := insertStep(tx, summary.RunID, res); err != nil {
			return err
		}
	}

	for path, desc := range summary.ArtifactsIndex {
		if err := insertArtifact(tx, summary.RunID, path, desc); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertStep(tx *sql.Tx, runID string, res runctx.StepResult) error {
	_, err := tx.Exec(
		`INSERT INTO step (run_id, step_id, status, attempts, tokens_used, duration_ms, gate_blocked, error_kind, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_id) DO UPDATE SET
		     status = excluded.status,
		     attempts = excluded.attempts,
		     tokens_used = excluded.tokens_used,
		     duration_ms = excluded.duration_ms,
		     gate_blocked = excluded.gate_blocked,
		     error_kind = excluded.error_kind,
		     error_message = excluded.error_message`,
		runID, res.StepID, string(res.Status), res.Attempts, res.TokensUsed, res.DurationMs,
		boolToInt(res.GateBlocked), res.ErrorKind, res.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert step %q: %w", res.StepID, err)
	}
	return nil
}

func insertArtifact(tx *sql.Tx, runID, path string, desc artifact.Descriptor) error {
	_, err := tx.Exec(
		`INSERT INTO run_artifact (run_id, path, digest, size_bytes, produced_by, mime_hint)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, path) DO UPDATE SET
		     digest = excluded.digest,
		     size_bytes = excluded.size_bytes,
		     produced_by = excluded.produced_by,
		     mime_hint = excluded.mime_hint`,
		runID, path, desc.Digest, desc.SizeBytes, desc.ProducedBy, desc.MimeHint,
	)
	if err != nil {
		return fmt.Errorf("insert artifact %q: %w", path, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetRun retrieves one run's summary row by ID, for `kernel resume` and
// `kernel logs <run_id>`.
func (r *Registry) GetRun(runID string) (*RunRecord, error) {
	row := r.db.QueryRow(
		`SELECT run_id, workflow_name, status, started_at, ended_at, tokens_used_total, budget_remaining, inputs_json
		 FROM run WHERE run_id = ?`, runID)

	var rec RunRecord
	var startedAt, endedAt int64
	var inputsJSON string
	if err := row.Scan(&rec.RunID, &rec.WorkflowName, &rec.Status, &startedAt, &endedAt,
		&rec.TokensUsedTotal, &rec.BudgetRemaining, &inputsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run not found: %s", runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	rec.StartedAt = time.Unix(startedAt, 0)
	rec.EndedAt = time.Unix(endedAt, 0)
	if inputsJSON != "" {
		_ = json.Unmarshal([]byte(inputsJSON), &rec.Inputs)
	}
	return &rec, nil
}

// ListRunsOptions filters ListRuns.
type ListRunsOptions struct {
	WorkflowName string
	Status       string
	Limit        int
}

// ListRuns lists finished runs, most recent first, for `kernel logs`.
func (r *Registry) ListRuns(opts ListRunsOptions) ([]RunRecord, error) {
	query := `SELECT run_id, workflow_name, status, started_at, ended_at, tokens_used_total, budget_remaining, inputs_json
	          FROM run WHERE 1=1`
	var args []any
	if opts.WorkflowName != "" {
		query += " AND workflow_name = ?"
		args = append(args, opts.WorkflowName)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}
	query += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var startedAt, endedAt int64
		var inputsJSON string
		if err := rows.Scan(&rec.RunID, &rec.WorkflowName, &rec.Status, &startedAt, &endedAt,
			&rec.TokensUsedTotal, &rec.BudgetRemaining, &inputsJSON); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.StartedAt = time.Unix(startedAt, 0)
		rec.EndedAt = time.Unix(endedAt, 0)
		if inputsJSON != "" {
			_ = json.Unmarshal([]byte(inputsJSON), &rec.Inputs)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StepRecord is one step's persisted result, for `kernel logs <run_id>`.
type StepRecord struct {
	StepID       string
	Status       string
	Attempts     int
	TokensUsed   int
	DurationMs   int64
	GateBlocked  bool
	ErrorKind    string
	ErrorMessage string
}

// GetSteps lists a run's step results in step-ID order.
func (r *Registry) GetSteps(runID string) ([]StepRecord, error) {
	rows, err := r.db.Query(
		`SELECT step_id, status, attempts, tokens_used, duration_ms, gate_blocked, error_kind, error_message
		 FROM step WHERE run_id = ? ORDER BY step_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("get steps: %w", err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		var gateBlocked int
		if err := rows.Scan(&rec.StepID, &rec.Status, &rec.Attempts, &rec.TokensUsed,
			&rec.DurationMs, &gateBlocked, &rec.ErrorKind, &rec.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		rec.GateBlocked = gateBlocked != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

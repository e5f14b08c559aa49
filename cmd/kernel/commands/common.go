package commands

import (
	"path/filepath"

	"github.com/stepforge/kernel/internal/kernelerrors"
	"github.com/stepforge/kernel/internal/schema"
	"github.com/stepforge/kernel/internal/workflow"
)

// Exit codes from spec §6, "Exit status mapping for CLI consumers."
const (
	ExitSucceeded = 0
	ExitFailed    = 1
	ExitAborted   = 2
	ExitPlanError = 3
)

// ExitCodeFor maps a terminal error to spec §6's exit code. Planning and
// schema-validation failures (caught before any adapter is invoked) are
// distinguished from run-time step failures.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSucceeded
	}
	if kerr, ok := kernelerrors.As(err); ok {
		switch kerr.Kind {
		case kernelerrors.SchemaValidationError, kernelerrors.PlanError:
			return ExitPlanError
		}
	}
	return ExitFailed
}

// ExitCodeForStatus maps a RunSummary.Status string to spec §6's exit
// code.
func ExitCodeForStatus(status string) int {
	switch status {
	case "succeeded":
		return ExitSucceeded
	case "aborted":
		return ExitAborted
	default:
		return ExitFailed
	}
}

// loadAndPlan loads, validates, and plans the workflow document at path,
// the shared first step of validate/plan/run.
func loadAndPlan(path string) (*workflow.Workflow, *workflow.RunPlan, error) {
	schemas, err := schema.NewBuiltinRegistry()
	if err != nil {
		return nil, nil, err
	}
	loader := workflow.NewLoader(schemas)
	wf, err := loader.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	plan, err := workflow.Plan(wf)
	if err != nil {
		return nil, nil, err
	}
	return wf, plan, nil
}

// runLayout resolves the on-disk layout for one run under runDir, per
// spec §6's artifact namespace (artifacts/<run_id>/...).
type runLayout struct {
	artifactsRoot string
	logsDir       string
	registryPath  string
}

func layoutFor(runDir string) runLayout {
	return runLayout{
		artifactsRoot: filepath.Join(runDir, "artifacts"),
		logsDir:       filepath.Join(runDir, "logs"),
		registryPath:  filepath.Join(runDir, "registry.db"),
	}
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/stepforge/kernel/internal/adapter"
	"github.com/stepforge/kernel/internal/artifact"
	"github.com/stepforge/kernel/internal/audit"
	"github.com/stepforge/kernel/internal/budget"
	"github.com/stepforge/kernel/internal/executor"
	"github.com/stepforge/kernel/internal/gate"
	"github.com/stepforge/kernel/internal/registry"
	"github.com/stepforge/kernel/internal/router"
	"github.com/stepforge/kernel/internal/runctx"
	"github.com/stepforge/kernel/internal/schema"
	"github.com/stepforge/kernel/internal/workflow"
)

// defaultAdapterCost is the estimated_cost_per_invocation given to the
// built-in Shell adapter registered for every actor kind. Concrete
// adapter cost modeling is out of scope (spec §1 Non-goals); this is a
// flat placeholder an operator overrides by registering their own
// adapters against a Registry built with the same public API.
const defaultAdapterCost = 0

// NewRunCmd executes a workflow document to completion.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow document to completion",
		Long: `run loads and plans the workflow document, registers a generic
shell-command adapter for every actor kind (step.with.command is the
argv), and drives the plan to a terminal RunSummary, appending an
NDJSON audit log and cataloguing emitted artifacts along the way.

Exit codes: 0 succeeded, 1 failed, 2 aborted, 3 planning/schema error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Root().PersistentFlags().GetString("workflow")
			runDir, _ := cmd.Root().PersistentFlags().GetString("run-dir")
			return runWorkflow(path, runDir)
		},
	}
	return cmd
}

func runWorkflow(path, runDir string) error {
	wf, plan, err := loadAndPlan(path)
	if err != nil {
		return err
	}
	layout := layoutFor(runDir)

	reg := adapter.NewRegistry()
	shell := &adapter.Shell{}
	for actorKind := range workflow.KnownActorKinds {
		kind := adapter.KindDeterministic
		if actorKind == workflow.ActorAIEditor {
			kind = adapter.KindAI
		}
		if err := reg.Register(adapter.Descriptor{
			Name:                       "shell:" + actorKind,
			Kind:                       kind,
			ActorKindsSupported:        []string{actorKind},
			EstimatedCostPerInvocation: defaultAdapterCost,
			Available:                  true,
		}, shell); err != nil {
			return fmt.Errorf("register adapter for actor %q: %w", actorKind, err)
		}
	}

	rt := router.New(reg)

	schemas, err := schema.NewBuiltinRegistry()
	if err != nil {
		return err
	}
	gates := gate.NewEngine(schemas)

	runID := time.Now().UTC().Format("20060102T150405Z") + "-" + wf.Name
	artifacts, err := artifact.NewStore(layout.artifactsRoot, runID)
	if err != nil {
		return fmt.Errorf("create artifact store: %w", err)
	}
	log, err := audit.Open(layout.logsDir, runID)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer log.Close()

	budgetTracker := budget.NewTracker(wf.Policy.MaxTokens, wf.Policy.OverdrawTolerancePct)
	rc := runctx.New(wf, plan, runID, budgetTracker, artifacts, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		rc.Cancel()
	}()

	exec := executor.New(reg, rt, gates)
	summary, err := exec.Run(context.Background(), rc)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	reg2, regErr := registry.Open(layout.registryPath)
	if regErr == nil {
		defer reg2.Close()
		_ = reg2.Finalize(wf.Name, rc.StartedAt, wf.Inputs, summary)
	}

	fmt.Printf("run %s: %s (%d steps, %d tokens used, %d remaining)\n",
		summary.RunID, colorStatus(summary.Status), len(summary.StepResults), summary.TokensUsedTotal, summary.BudgetRemaining)

	os.Exit(ExitCodeForStatus(summary.Status))
	return nil
}

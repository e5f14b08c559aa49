package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stepforge/kernel/internal/registry"
)

// NewResumeCmd inspects a previously finished run. Per spec §7, "no
// recovery happens implicitly across runs — reruns start from a clean
// context": this command never continues execution, it only reports
// what the Run Registry recorded so an operator can decide whether to
// re-run the workflow from scratch.
func NewResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume [run-id]",
		Short: "Show a finished run's terminal status (no implicit re-execution)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir, _ := cmd.Root().PersistentFlags().GetString("run-dir")
			layout := layoutFor(runDir)

			reg, err := registry.Open(layout.registryPath)
			if err != nil {
				return fmt.Errorf("open run registry: %w", err)
			}
			defer reg.Close()

			if len(args) == 0 {
				runs, err := reg.ListRuns(registry.ListRunsOptions{Limit: 1})
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Println("no finished runs recorded; run `kernel run` first")
					return nil
				}
				return printResumeSummary(reg, runs[0].RunID)
			}
			return printResumeSummary(reg, args[0])
		},
	}
	return cmd
}

func printResumeSummary(reg *registry.Registry, runID string) error {
	run, err := reg.GetRun(runID)
	if err != nil {
		return err
	}
	steps, err := reg.GetSteps(runID)
	if err != nil {
		return err
	}

	fmt.Printf("run %s: %s (workflow=%s, tokens_used=%d, budget_remaining=%d)\n",
		run.RunID, colorStatus(run.Status), run.WorkflowName, run.TokensUsedTotal, run.BudgetRemaining)
	for _, s := range steps {
		fmt.Printf("  %-10s %-10s attempts=%d tokens=%d\n", s.StepID, s.Status, s.Attempts, s.TokensUsed)
	}
	if run.Status != "succeeded" {
		fmt.Println("\nthis kernel does not resume mid-run; re-run the workflow document to retry")
	}
	return nil
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stepforge/kernel/internal/registry"
)

// NewLogsCmd lists previously finished runs recorded in the Run
// Registry, or a single run's step-by-step results. Grounded on the
// teacher's `wave logs` (cmd/wave/commands/logs.go), pared to the one
// concern SPEC_FULL.md's supplemented Run Registry covers: the full
// per-event audit trail already lives in the NDJSON file under
// --run-dir/logs/<run_id>.jsonl, which this command does not duplicate.
func NewLogsCmd() *cobra.Command {
	var workflowName, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "logs [run-id]",
		Short: "List finished runs, or show one run's step results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir, _ := cmd.Root().PersistentFlags().GetString("run-dir")
			layout := layoutFor(runDir)

			reg, err := registry.Open(layout.registryPath)
			if err != nil {
				return fmt.Errorf("open run registry: %w", err)
			}
			defer reg.Close()

			if len(args) == 1 {
				return printResumeSummary(reg, args[0])
			}

			runs, err := reg.ListRuns(registry.ListRunsOptions{WorkflowName: workflowName, Status: status, Limit: limit})
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no finished runs recorded")
				return nil
			}
			fmt.Printf("%-12s %-20s %-10s %-20s %s\n", "STATUS", "RUN ID", "TOKENS", "STARTED", "WORKFLOW")
			for _, r := range runs {
				fmt.Printf("%-12s %-20s %-10d %-20s %s\n", colorStatus(r.Status), r.RunID, r.TokensUsedTotal, r.StartedAt.Format("2006-01-02T15:04:05Z"), r.WorkflowName)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowName, "workflow-name", "", "filter by workflow name")
	cmd.Flags().StringVar(&status, "status", "", "filter by terminal status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

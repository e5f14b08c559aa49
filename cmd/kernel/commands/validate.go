package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewValidateCmd validates a workflow document against the schema and
// plans it, reporting the first error without executing anything.
// Grounded on the teacher's `wave validate` (cmd/wave/commands/validate.go).
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a workflow document and its dependency graph",
		Long: `Validate parses the workflow document, checks it against the
"workflow" JSON Schema, normalizes defaults, and builds its dependency
plan — without routing or executing any step.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Root().PersistentFlags().GetString("workflow")
			wf, plan, err := loadAndPlan(path)
			if err != nil {
				return err
			}
			fmt.Printf("✓ %s: %d steps, %d root(s), valid\n", wf.Name, len(wf.Steps), len(plan.Roots))
			return nil
		},
	}
	return cmd
}

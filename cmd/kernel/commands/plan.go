package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewPlanCmd prints the resolved, rank-ordered execution plan without
// running anything — useful for inspecting how `depends_on` resolved
// and which steps would dispatch concurrently.
func NewPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the resolved dependency plan for a workflow document",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Root().PersistentFlags().GetString("workflow")
			wf, plan, err := loadAndPlan(path)
			if err != nil {
				return err
			}

			fmt.Printf("%s (%d steps)\n", wf.Name, len(wf.Steps))
			rank := -1
			for _, id := range plan.Order {
				node := plan.Nodes[id]
				if node.Rank != rank {
					rank = node.Rank
					fmt.Printf("rank %d:\n", rank)
				}
				deps := "[]"
				if len(node.Preds) > 0 {
					deps = fmt.Sprintf("%v", node.Preds)
				}
				fmt.Printf("  %-10s %-20s depends_on=%s actor=%s\n", id, node.Step.Name, deps, node.Step.Actor)
			}
			return nil
		},
	}
	return cmd
}

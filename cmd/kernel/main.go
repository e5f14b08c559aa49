// Command kernel is a thin CLI front door over the orchestration
// kernel's public API (spec §6). It contains no orchestration logic of
// its own — every subcommand calls straight into the internal packages
// and maps their result onto spec §6's exit-code contract.
//
// Grounded on the teacher's cmd/wave/main.go: one cobra root command,
// one file per verb under commands/, persistent flags for the document
// path and the run directory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stepforge/kernel/cmd/kernel/commands"
)

var rootCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Deterministic, schema-driven workflow orchestration kernel",
	Long: `kernel validates, plans, and executes workflow documents against a
registry of adapters, enforcing budget, retry, and gate policy, and
appending an auditable JSON-lines execution log for every run.`,
}

func init() {
	rootCmd.PersistentFlags().StringP("workflow", "w", "workflow.yaml", "path to the workflow document")
	rootCmd.PersistentFlags().String("run-dir", ".kernel/runs", "directory runs are rooted under (artifacts, logs, registry)")

	rootCmd.AddCommand(commands.NewValidateCmd())
	rootCmd.AddCommand(commands.NewPlanCmd())
	rootCmd.AddCommand(commands.NewRunCmd())
	rootCmd.AddCommand(commands.NewResumeCmd())
	rootCmd.AddCommand(commands.NewLogsCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(commands.ExitCodeFor(err))
	}
}

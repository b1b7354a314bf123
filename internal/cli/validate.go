package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/schedule"
)

var validateCmd = &cobra.Command{
	Use:   "validate <factory.yaml>",
	Short: "Check a factory definition without executing it",
	Long: `Parse and validate a factory definition: stage IDs, type-specific
requirements, dependency resolution, and dependency-graph acyclicity.
Warnings (unknown schema versions, unrecognized keys) print to stderr but do
not fail validation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := loadFactory(args[0])
		if err != nil {
			return err
		}
		// Parse validates the document; the graph build re-checks the edges
		// the scheduler will actually use.
		if _, err := schedule.BuildGraph(f.Stages); err != nil {
			return err
		}
		fmt.Printf("factory %q is valid (%d stages)\n", f.Name, len(f.Stages))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

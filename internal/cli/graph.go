package cli

import (
	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph <factory.yaml>",
	Short: "Print the levelized execution plan",
	Long: `Render the factory's dependency graph as a levelized plan: stages that can
run concurrently share a level, and the critical path is appended.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := loadFactory(args[0])
		if err != nil {
			return err
		}
		return printPlan(f)
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
}

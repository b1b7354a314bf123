// Package cli wires the ralph factory commands: run, resume, validate,
// graph, and version. Log output goes to stderr; stdout carries structured
// output (plans, JSON) only.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/logging"
)

// Global flag values accessible to all subcommands.
var (
	flagVerbose bool
	flagQuiet   bool
	flagDir     string
	flagDryRun  bool
)

// rootCmd is the base command for ralph.
var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Declarative pipelines of AI agent stages",
	Long: `Ralph runs factories: declarative YAML pipelines of agent stages (prd,
plan, build, custom commands, and nested factories) connected by dependency
edges, with tamper-resistant verification gates and resumable checkpoints.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("verbose") && os.Getenv("RALPH_VERBOSE") != "" {
			flagVerbose = true
		}
		if !cmd.Flags().Changed("quiet") && os.Getenv("RALPH_QUIET") != "" {
			flagQuiet = true
		}

		jsonFormat := os.Getenv("RALPH_LOG_FORMAT") == "json"
		logging.Setup(flagVerbose, flagQuiet, jsonFormat)

		if flagDir != "" {
			if err := os.Chdir(flagDir); err != nil {
				return fmt.Errorf("changing directory to %s: %w", flagDir, err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose (debug) output (env: RALPH_VERBOSE)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress all output except errors (env: RALPH_QUIET)")
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", "", "Override working directory")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "Show the execution plan without executing")
}

// Execute runs the root command and returns the exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

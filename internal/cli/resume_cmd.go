package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/config"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/executor"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/git"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/orchestrator"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/run"
)

// runIDPattern validates that a --run value is a safe ID, not a file path.
var runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var resumeFlags struct {
	runID             string
	list              bool
	continueOnFailure bool
}

var resumeCmd = &cobra.Command{
	Use:   "resume <factory.yaml>",
	Short: "Resume an interrupted run from its checkpoint",
	Long: `Resume a factory run from the checkpoint in its run directory. Completed
and skipped stages do not execute again; failed stages retry with a fresh
retry budget. Without --run, the most recent run resumes.

Legacy checkpoints written before state-machine snapshots existed are
migrated on load.`,
	Example: `  # List resumable runs
  ralph resume factory.yaml --list

  # Resume the most recent run
  ralph resume factory.yaml

  # Resume a specific run
  ralph resume factory.yaml --run run-20260824-101502`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resumeFactory(cmd, args[0])
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeFlags.runID, "run", "", "Run ID to resume (defaults to the most recent)")
	resumeCmd.Flags().BoolVar(&resumeFlags.list, "list", false, "List resumable runs")
	resumeCmd.Flags().BoolVar(&resumeFlags.continueOnFailure, "continue-on-failure", false, "Keep executing after a stage fails")
	rootCmd.AddCommand(resumeCmd)
}

func resumeFactory(cmd *cobra.Command, path string) error {
	root, err := os.Getwd()
	if err != nil {
		return err
	}
	stateDir := filepath.Join(root, stateDirName)

	if resumeFlags.list {
		return listRuns(stateDir)
	}

	runID := resumeFlags.runID
	if runID == "" {
		runID, err = latestRunID(stateDir)
		if err != nil {
			return err
		}
	} else if !runIDPattern.MatchString(runID) {
		return fmt.Errorf("invalid run ID %q", runID)
	}
	runDir := filepath.Join(run.RunsRoot(stateDir), runID)

	f, err := loadFactory(path)
	if err != nil {
		return err
	}
	settings, err := config.LoadForProject(root)
	if err != nil {
		return err
	}
	gitc, _ := git.NewClient(root)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	execOpts := []executor.Option{
		executor.WithSettings(settings),
		executor.WithFactoryInvoker(nestedInvoker(filepath.Dir(path), &run.Context{ProjectRoot: root}, settings, gitc, 0)),
	}
	if gitc != nil {
		execOpts = append(execOpts, executor.WithGit(gitc))
	}
	opts := []orchestrator.Option{
		orchestrator.WithContinueOnFailure(resumeFlags.continueOnFailure),
		orchestrator.WithExecutorOptions(execOpts...),
	}
	if gitc != nil {
		opts = append(opts, orchestrator.WithGit(gitc))
	}

	o, err := orchestrator.Resume(ctx, f, runDir, opts...)
	if err != nil {
		return err
	}
	st, err := o.Run(ctx)
	if err != nil {
		return err
	}

	printRunSummary(st)
	if st.Status != "completed" {
		return fmt.Errorf("run %s %s: %s", runID, st.Status, st.Error)
	}
	return nil
}

// latestRunID picks the newest run directory. Run IDs embed a timestamp, so
// lexicographic order is chronological.
func latestRunID(stateDir string) (string, error) {
	ids, err := listRunIDs(stateDir)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("no runs found under %s", run.RunsRoot(stateDir))
	}
	return ids[len(ids)-1], nil
}

func listRunIDs(stateDir string) ([]string, error) {
	entries, err := os.ReadDir(run.RunsRoot(stateDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// listRuns prints a table of runs with their recorded status.
func listRuns(stateDir string) error {
	ids, err := listRunIDs(stateDir)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tFACTORY\tSTATUS\tCOMPLETED\tFAILED")
	for _, id := range ids {
		runDir := filepath.Join(run.RunsRoot(stateDir), id)
		st, err := run.LoadState(runDir)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t(no state)\t-\t-\n", id)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			id, st.Factory, st.Status, len(st.CompletedStages), len(st.FailedStages))
	}
	return w.Flush()
}

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/config"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/executor"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/factory"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/git"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/logging"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/orchestrator"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/run"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/schedule"
)

// stateDirName is the per-project directory holding runs and learnings.
const stateDirName = ".ralph"

// maxNestedDepth bounds factory-in-factory recursion independently of each
// factory's own loop bound.
const maxNestedDepth = 5

var cliLogger = logging.New("cli")

// runFlags holds parsed flag values for the run command.
var runFlags struct {
	vars              []string
	parallel          bool
	fsm               bool
	continueOnFailure bool
}

var runCmd = &cobra.Command{
	Use:   "run <factory.yaml>",
	Short: "Execute a factory",
	Long: `Load a factory definition, compute the stage schedule, and execute it.

Stages run sequentially in dependency order by default; --parallel runs
independent stages concurrently, level by level. Setting RALPH_FACTORY_FSM=1
(or --fsm) switches to the state-machine driver, which also powers resume.`,
	Example: `  # Run a factory
  ralph run factory.yaml

  # Override a variable and keep going past failed stages
  ralph run factory.yaml --var feature=auth --continue-on-failure

  # Show the plan without executing
  ralph run factory.yaml --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFactory(cmd.Context(), args[0])
	},
}

func init() {
	runCmd.Flags().StringArrayVar(&runFlags.vars, "var", nil, "Override a factory variable (key=value, repeatable)")
	runCmd.Flags().BoolVar(&runFlags.parallel, "parallel", false, "Run independent stages concurrently")
	runCmd.Flags().BoolVar(&runFlags.fsm, "fsm", false, "Use the state-machine driver (env: RALPH_FACTORY_FSM)")
	runCmd.Flags().BoolVar(&runFlags.continueOnFailure, "continue-on-failure", false, "Keep executing after a stage fails")
	rootCmd.AddCommand(runCmd)
}

// loadFactory parses a factory file and surfaces non-fatal warnings.
func loadFactory(path string) (*factory.Factory, error) {
	f, warnings, err := factory.Parse(path)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		cliLogger.Warn("factory definition", "warning", w, "file", path)
	}
	return f, nil
}

// parseVarOverrides turns --var key=value pairs into typed values: booleans
// and numbers are coerced, everything else stays a string.
func parseVarOverrides(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", pair)
		}
		vars[key] = coerceValue(value)
	}
	return vars, nil
}

// mergeVariables layers the variable sources: factory defaults first, then
// the project's variables.yaml, then --var overrides.
func mergeVariables(defaults, project, overrides map[string]any) map[string]any {
	vars := make(map[string]any, len(defaults)+len(project)+len(overrides))
	for k, v := range defaults {
		vars[k] = v
	}
	for k, v := range project {
		vars[k] = v
	}
	for k, v := range overrides {
		vars[k] = v
	}
	return vars
}

func coerceValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if fl, err := strconv.ParseFloat(s, 64); err == nil {
		return fl
	}
	return s
}

func useFSM() bool {
	if runFlags.fsm {
		return true
	}
	switch os.Getenv("RALPH_FACTORY_FSM") {
	case "1", "true", "yes":
		return true
	}
	return false
}

func runFactory(ctx context.Context, path string) error {
	f, err := loadFactory(path)
	if err != nil {
		return err
	}

	if flagDryRun {
		return printPlan(f)
	}

	root, err := os.Getwd()
	if err != nil {
		return err
	}
	settings, err := config.LoadForProject(root)
	if err != nil {
		return err
	}

	overrides, err := parseVarOverrides(runFlags.vars)
	if err != nil {
		return err
	}

	stateDir := filepath.Join(root, stateDirName)
	project, err := run.LoadVariables(stateDir)
	if err != nil {
		cliLogger.Warn("could not load variables.yaml", "err", err)
		project = map[string]any{}
	}
	vars := mergeVariables(f.Variables, project, overrides)

	runID := run.NewRunID()
	runDir, err := run.CreateRunDir(stateDir, runID)
	if err != nil {
		return err
	}
	if err := run.SaveVariables(stateDir, vars); err != nil {
		cliLogger.Warn("could not save variables.yaml", "err", err)
	}
	runCtx := run.NewContext(root, runDir, runID, vars)

	learnings := run.NewLearningStore(run.LearningsFile(stateDir))
	if prior, err := learnings.Load(); err == nil {
		runCtx.Learnings = prior
	} else {
		cliLogger.Warn("could not load learnings", "err", err)
	}

	gitc, err := git.NewClient(root)
	if err != nil {
		cliLogger.Debug("no git repository; VCS verifiers will skip", "dir", root)
		gitc = nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := executeRun(ctx, f, runCtx, path, settings, gitc)
	if err != nil {
		return err
	}

	kind := "factory_completed"
	if st.Status != "completed" {
		kind = "factory_" + st.Status
	}
	summary := fmt.Sprintf("%s: %d completed, %d failed, %d skipped",
		f.Name, len(st.CompletedStages), len(st.FailedStages), len(st.SkippedStages))
	if err := learnings.Append(run.NewLearning(kind, "", runID, summary)); err != nil {
		cliLogger.Warn("could not record learning", "err", err)
	}

	printRunSummary(st)
	if st.Status != "completed" {
		return fmt.Errorf("run %s %s: %s", runID, st.Status, st.Error)
	}
	return nil
}

// executeRun picks the driver and executes the factory to completion.
func executeRun(ctx context.Context, f *factory.Factory, runCtx *run.Context, path string, settings *config.Settings, gitc *git.Client) (*run.State, error) {
	execOpts := []executor.Option{
		executor.WithSettings(settings),
		executor.WithContinueOnFailure(runFlags.continueOnFailure),
		executor.WithFactoryInvoker(nestedInvoker(filepath.Dir(path), runCtx, settings, gitc, 0)),
	}
	if gitc != nil {
		execOpts = append(execOpts, executor.WithGit(gitc))
	}

	if useFSM() {
		orchOpts := []orchestrator.Option{
			orchestrator.WithContinueOnFailure(runFlags.continueOnFailure),
			orchestrator.WithExecutorOptions(execOpts...),
		}
		if gitc != nil {
			orchOpts = append(orchOpts, orchestrator.WithGit(gitc))
		}
		o, err := orchestrator.New(f, runCtx, orchOpts...)
		if err != nil {
			return nil, err
		}
		return o.Run(ctx)
	}

	e := executor.New(f, runCtx, execOpts...)
	if runFlags.parallel {
		return e.ExecuteParallel(ctx)
	}
	return e.ExecuteFactory(ctx)
}

// nestedInvoker resolves factory stages: the named factory loads from a
// sibling <name>.yaml next to the parent definition and runs with inherited
// variables in its own run directory.
func nestedInvoker(dir string, parent *run.Context, settings *config.Settings, gitc *git.Client, depth int) executor.FactoryInvoker {
	return func(ctx context.Context, name string, variables map[string]any) (map[string]any, error) {
		if depth >= maxNestedDepth {
			return nil, fmt.Errorf("nested factory %q exceeds depth limit %d", name, maxNestedDepth)
		}
		path := filepath.Join(dir, name+".yaml")
		nf, err := loadFactory(path)
		if err != nil {
			return nil, err
		}

		stateDir := filepath.Join(parent.ProjectRoot, stateDirName)
		runID := run.NewRunID() + "-" + name
		runDir, err := run.CreateRunDir(stateDir, runID)
		if err != nil {
			return nil, err
		}
		childCtx := run.NewContext(parent.ProjectRoot, runDir, runID, variables)

		execOpts := []executor.Option{
			executor.WithSettings(settings),
			executor.WithFactoryInvoker(nestedInvoker(dir, childCtx, settings, gitc, depth+1)),
		}
		if gitc != nil {
			execOpts = append(execOpts, executor.WithGit(gitc))
		}
		st, err := executor.New(nf, childCtx, execOpts...).ExecuteFactory(ctx)
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			"factory": name,
			"run_id":  runID,
			"success": st.Status == "completed",
			"state":   st.Status,
		}
		if st.Error != "" {
			out["error"] = st.Error
		}
		return out, nil
	}
}

// printPlan renders the levelized execution plan to stdout.
func printPlan(f *factory.Factory) error {
	g, err := schedule.BuildGraph(f.Stages)
	if err != nil {
		return err
	}
	plan, err := g.Visualize()
	if err != nil {
		return err
	}
	fmt.Print(plan)
	return nil
}

func printRunSummary(st *run.State) {
	fmt.Printf("run %s (%s): %s\n", st.RunID, st.Factory, st.Status)
	if len(st.CompletedStages) > 0 {
		fmt.Printf("  completed: %s\n", strings.Join(st.CompletedStages, ", "))
	}
	if len(st.FailedStages) > 0 {
		fmt.Printf("  failed:    %s\n", strings.Join(st.FailedStages, ", "))
	}
	if len(st.SkippedStages) > 0 {
		fmt.Printf("  skipped:   %s\n", strings.Join(st.SkippedStages, ", "))
	}
	if st.RecursionCount > 0 {
		fmt.Printf("  loops:     %d\n", st.RecursionCount)
	}
}

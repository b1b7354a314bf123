package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/run"
)

// resetRootCmd restores global flag values and cobra's "Changed" tracking so
// command tests do not leak flag state into each other. Must be called at the
// start of every test that invokes Execute().
func resetRootCmd(t *testing.T) {
	t.Helper()
	flagVerbose = false
	flagQuiet = false
	flagDir = ""
	flagDryRun = false
	rootCmd.SetArgs(nil)
	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		f.Changed = false
	})
}

const sampleFactory = `
version: "1"
name: sample
variables:
  topic: caching
stages:
  - id: check
    type: custom
    command: "true"
  - id: report
    type: custom
    command: "echo done"
    depends_on: [check]
`

func writeFactory(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "factory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(args ...string) error {
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestValidateCommand(t *testing.T) {
	resetRootCmd(t)
	path := writeFactory(t, sampleFactory)
	assert.NoError(t, execute("validate", path))
}

func TestValidateCommandRejectsBrokenFactory(t *testing.T) {
	resetRootCmd(t)
	path := writeFactory(t, `
version: "1"
name: broken
stages:
  - id: a
    type: custom
    command: "true"
    depends_on: [missing]
`)
	assert.Error(t, execute("validate", path))
}

func TestGraphCommand(t *testing.T) {
	resetRootCmd(t)
	path := writeFactory(t, sampleFactory)
	assert.NoError(t, execute("graph", path))
}

func TestVersionCommand(t *testing.T) {
	resetRootCmd(t)
	assert.NoError(t, execute("version"))
	assert.NoError(t, execute("version", "--json"))
}

func TestRunCommandDryRun(t *testing.T) {
	resetRootCmd(t)
	path := writeFactory(t, sampleFactory)
	assert.NoError(t, execute("run", "--dry-run", path))
}

func TestParseVarOverrides(t *testing.T) {
	t.Parallel()

	vars, err := parseVarOverrides([]string{"name=auth", "retries=3", "strict=true", "ratio=0.5"})
	require.NoError(t, err)
	assert.Equal(t, "auth", vars["name"])
	assert.Equal(t, 3, vars["retries"])
	assert.Equal(t, true, vars["strict"])
	assert.Equal(t, 0.5, vars["ratio"])

	_, err = parseVarOverrides([]string{"no-equals"})
	assert.Error(t, err)
	_, err = parseVarOverrides([]string{"=value"})
	assert.Error(t, err)
}

func TestMergeVariables(t *testing.T) {
	t.Parallel()

	defaults := map[string]any{"feature": "search", "retries": 1, "topic": "caching"}
	project := map[string]any{"feature": "auth", "region": "eu"}
	overrides := map[string]any{"feature": "billing"}

	vars := mergeVariables(defaults, project, overrides)
	assert.Equal(t, "billing", vars["feature"], "--var wins over variables.yaml")
	assert.Equal(t, "eu", vars["region"], "variables.yaml wins over factory defaults")
	assert.Equal(t, 1, vars["retries"])
	assert.Equal(t, "caching", vars["topic"])
}

func TestProjectVariablesLayerIntoRun(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	require.NoError(t, run.SaveVariables(stateDir, map[string]any{"topic": "queues"}))

	project, err := run.LoadVariables(stateDir)
	require.NoError(t, err)
	vars := mergeVariables(map[string]any{"topic": "caching"}, project, nil)
	assert.Equal(t, "queues", vars["topic"])
}

func TestUseFSMEnvToggle(t *testing.T) {
	t.Setenv("RALPH_FACTORY_FSM", "")
	assert.False(t, useFSM())

	t.Setenv("RALPH_FACTORY_FSM", "1")
	assert.True(t, useFSM())

	t.Setenv("RALPH_FACTORY_FSM", "true")
	assert.True(t, useFSM())

	t.Setenv("RALPH_FACTORY_FSM", "0")
	assert.False(t, useFSM())
}

func TestLatestRunID(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	_, err := latestRunID(stateDir)
	assert.Error(t, err)

	for _, id := range []string{"run-20260824-100000", "run-20260824-110000", "run-20260823-090000"} {
		require.NoError(t, os.MkdirAll(filepath.Join(run.RunsRoot(stateDir), id), 0o755))
	}
	latest, err := latestRunID(stateDir)
	require.NoError(t, err)
	assert.Equal(t, "run-20260824-110000", latest)
}

func TestRunIDPattern(t *testing.T) {
	t.Parallel()

	assert.True(t, runIDPattern.MatchString("run-20260824-110000"))
	assert.False(t, runIDPattern.MatchString("../escape"))
	assert.False(t, runIDPattern.MatchString("run id"))
}

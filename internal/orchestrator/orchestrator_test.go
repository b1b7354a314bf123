//go:build !windows

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/checkpoint"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/factory"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/fsm"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/run"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/verify"
)

func newTestContext(t *testing.T, variables map[string]any) *run.Context {
	t.Helper()
	root := t.TempDir()
	runID := run.NewRunID()
	runDir, err := run.CreateRunDir(root, runID)
	require.NoError(t, err)
	return run.NewContext(root, runDir, runID, variables)
}

func customStage(id, command string, deps ...string) *factory.Stage {
	return &factory.Stage{
		ID:        id,
		Type:      factory.StageCustom,
		Command:   command,
		DependsOn: deps,
		Config:    factory.StageConfig{Iterations: 1, Parallel: 1},
	}
}

func testFactory(name string, variables map[string]any, stages ...*factory.Stage) *factory.Factory {
	return &factory.Factory{
		Version:   factory.SupportedVersion,
		Name:      name,
		Variables: variables,
		Stages:    stages,
	}
}

// countingCommand appends one line to a marker file per invocation.
func countingCommand(marker string) string {
	return fmt.Sprintf("echo run >> %s", marker)
}

func invocations(t *testing.T, marker string) int {
	t.Helper()
	data, err := os.ReadFile(marker)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(data), "run")
}

func TestRunLinear(t *testing.T) {
	t.Parallel()

	f := testFactory("linear", nil,
		customStage("a", "echo one"),
		customStage("b", "echo two", "a"),
		customStage("c", "echo three", "b"),
	)
	ctx := newTestContext(t, nil)
	o, err := New(f, ctx)
	require.NoError(t, err)

	st, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "completed", st.Status)
	assert.Equal(t, []string{"a", "b", "c"}, st.CompletedStages)
	assert.Equal(t, fsm.FactoryCompleted, o.FactoryState())
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, fsm.StageCompleted, o.StageState(id))
	}

	cp, err := checkpoint.Load(ctx.RunDir)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.VersionFSM, cp.Version)
	require.NotNil(t, cp.FSMState)
	assert.Equal(t, fsm.FactoryCompleted, cp.FSMState.Factory.State)
	assert.Len(t, cp.FSMState.Stages, 3)
}

func TestRunConditionSkip(t *testing.T) {
	t.Parallel()

	skipped := customStage("b", "echo unreachable", "a")
	skipped.Condition = "{{ stages.a.failed }}"
	f := testFactory("conditional", nil, customStage("a", "true"), skipped)
	ctx := newTestContext(t, nil)
	o, err := New(f, ctx)
	require.NoError(t, err)

	st, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "completed", st.Status)
	assert.Equal(t, []string{"b"}, st.SkippedStages)
	assert.Equal(t, fsm.StageSkipped, o.StageState("b"))
}

func TestRunDependencyFailurePropagates(t *testing.T) {
	t.Parallel()

	f := testFactory("broken", nil,
		customStage("a", "false"),
		customStage("b", "echo never", "a"),
	)
	ctx := newTestContext(t, nil)
	o, err := New(f, ctx, WithContinueOnFailure(true))
	require.NoError(t, err)

	st, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "failed", st.Status)
	assert.Equal(t, []string{"a"}, st.FailedStages)
	assert.Equal(t, []string{"b"}, st.SkippedStages)
	assert.Equal(t, fsm.FactoryFailed, o.FactoryState())
}

func TestRunStopsOnFailureByDefault(t *testing.T) {
	t.Parallel()

	f := testFactory("halting", nil,
		customStage("a", "false"),
		customStage("b", "echo never"),
	)
	ctx := newTestContext(t, nil)
	o, err := New(f, ctx)
	require.NoError(t, err)

	st, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "failed", st.Status)
	assert.Equal(t, fsm.FactoryFailed, o.FactoryState())
	assert.Equal(t, fsm.StagePending, o.StageState("b"))
	assert.Empty(t, st.CompletedStages)
}

func TestRunVerificationFailure(t *testing.T) {
	t.Parallel()

	s := customStage("work", "true")
	s.Verify = []verify.Config{{
		Type:  verify.KindFileExists,
		Paths: []string{"missing.txt"},
	}}
	f := testFactory("verified", nil, s)
	ctx := newTestContext(t, nil)
	o, err := New(f, ctx)
	require.NoError(t, err)

	st, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "failed", st.Status)
	assert.Equal(t, fsm.StageFailed, o.StageState("work"))

	m := o.stages["work"]
	errVal, ok := m.Get(fsm.KeyError)
	require.True(t, ok)
	assert.Contains(t, errVal.(string), "Verification failed")
}

func TestRunRetryBudget(t *testing.T) {
	t.Parallel()

	marker := filepath.Join(t.TempDir(), "attempts")
	s := customStage("flaky", fmt.Sprintf("echo run >> %s; exit 1", marker))
	s.Config.Retries = 2
	f := testFactory("retrying", nil, s)
	ctx := newTestContext(t, nil)
	o, err := New(f, ctx)
	require.NoError(t, err)

	st, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "failed", st.Status)
	assert.Equal(t, 3, invocations(t, marker))
	assert.Equal(t, 2, o.stages["flaky"].GetInt(fsm.KeyRetryCount))
}

func TestRunLoopBound(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	planMarker := filepath.Join(dir, "plan")
	fix := customStage("fix", "echo fixing")
	fix.Condition = "{{ stages.test.failed }}"
	fix.LoopTo = "plan"
	f := testFactory("looper", map[string]any{"max_recursion": 2},
		customStage("plan", countingCommand(planMarker)),
		customStage("test", "false"),
		fix,
	)
	ctx := newTestContext(t, map[string]any{"max_recursion": 2})
	o, err := New(f, ctx, WithContinueOnFailure(true))
	require.NoError(t, err)

	st, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "failed", st.Status)
	assert.Equal(t, 2, st.RecursionCount)
	assert.Contains(t, st.FailedStages, "test")
	assert.Equal(t, 3, invocations(t, planMarker))
	assert.Equal(t, fsm.FactoryFailed, o.FactoryState())
}

func TestLoopRewindDependencyFailureSkips(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t, nil)
	marker := filepath.Join(ctx.ProjectRoot, "once")

	// a passes the first time and fails when the loop reruns it.
	a := customStage("a", fmt.Sprintf("test ! -f %s && touch %s", marker, marker))
	b := customStage("b", "true", "a")
	b.LoopTo = "a"
	c := customStage("c", "true", "b")
	f := testFactory("rewind-deps", map[string]any{"max_recursion": 1}, a, b, c)

	o, err := New(f, ctx, WithContinueOnFailure(true))
	require.NoError(t, err)

	st, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "failed", st.Status)
	assert.Equal(t, []string{"a"}, st.FailedStages)
	assert.Equal(t, []string{"b", "c"}, st.SkippedStages)
	assert.Equal(t, fsm.StageSkipped, o.StageState("b"))
	assert.Equal(t, fsm.StageSkipped, o.StageState("c"))
}

func TestPropagateDepsSkipsReadyStage(t *testing.T) {
	t.Parallel()

	f := testFactory("ready-skip", nil,
		customStage("a", "true"),
		customStage("x", "true", "a"),
	)
	ctx := newTestContext(t, nil)
	o, err := New(f, ctx)
	require.NoError(t, err)

	// x reached READY before its dependency was rewound and failed.
	o.stages["x"].Send(fsm.EventDepsMet, nil)
	a := o.stages["a"]
	a.Send(fsm.EventDepsMet, nil)
	a.Send(fsm.EventExecute, nil)
	a.Send(fsm.EventExecFailed, nil)
	require.Equal(t, fsm.StageFailed, a.State())

	require.NoError(t, o.propagateDeps())
	assert.Equal(t, fsm.StageSkipped, o.StageState("x"))
}

func TestLoopRewindConditionFalseSkips(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t, nil)
	marker := filepath.Join(ctx.ProjectRoot, "fixed")

	gate := customStage("gate", fmt.Sprintf("test -f %s", marker))
	fixup := customStage("fixup", fmt.Sprintf("touch %s", marker))
	fixup.Condition = "{{ stages.gate.failed }}"
	loop := customStage("loop", "true")
	loop.LoopTo = "gate"
	f := testFactory("self-heal", map[string]any{"max_recursion": 1}, gate, fixup, loop)

	o, err := New(f, ctx, WithContinueOnFailure(true))
	require.NoError(t, err)

	st, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "completed", st.Status)
	assert.Equal(t, []string{"gate", "loop"}, st.CompletedStages)
	assert.Equal(t, []string{"fixup"}, st.SkippedStages)
	// Machine state and run summary agree on the rewound skip.
	assert.Equal(t, fsm.StageSkipped, o.StageState("fixup"))
}

func TestStopBeforeRun(t *testing.T) {
	t.Parallel()

	f := testFactory("stopped", nil, customStage("a", "echo hi"))
	ctx := newTestContext(t, nil)
	o, err := New(f, ctx)
	require.NoError(t, err)

	o.Stop()
	st, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "stopped", st.Status)
	assert.Equal(t, fsm.FactoryStopped, o.FactoryState())
	assert.Empty(t, st.CompletedStages)
}

func TestResumeSkipsCompletedStages(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	markA := filepath.Join(dir, "a")
	markB := filepath.Join(dir, "b")
	markC := filepath.Join(dir, "c")

	first := testFactory("pipeline", nil,
		customStage("a", countingCommand(markA)),
		customStage("b", "false", "a"),
		customStage("c", countingCommand(markC), "b"),
	)
	ctx := newTestContext(t, nil)
	o, err := New(first, ctx)
	require.NoError(t, err)

	st, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "failed", st.Status)
	require.Equal(t, 1, invocations(t, markA))
	require.Equal(t, 0, invocations(t, markC))

	// Same factory shape with the failing stage repaired.
	second := testFactory("pipeline", nil,
		customStage("a", countingCommand(markA)),
		customStage("b", countingCommand(markB), "a"),
		customStage("c", countingCommand(markC), "b"),
	)
	resumed, err := Resume(context.Background(), second, ctx.RunDir)
	require.NoError(t, err)

	assert.Equal(t, fsm.StageCompleted, resumed.StageState("a"))
	assert.Equal(t, fsm.StagePending, resumed.StageState("b"))

	st, err = resumed.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "completed", st.Status)
	assert.Equal(t, []string{"a", "b", "c"}, st.CompletedStages)
	assert.Equal(t, 1, invocations(t, markA), "completed stage must not re-execute")
	assert.Equal(t, 1, invocations(t, markB))
	assert.Equal(t, 1, invocations(t, markC))
}

func TestResumeLegacyCheckpoint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	markA := filepath.Join(dir, "a")
	markB := filepath.Join(dir, "b")

	f := testFactory("legacy", nil,
		customStage("a", countingCommand(markA)),
		customStage("b", countingCommand(markB), "a"),
	)
	ctx := newTestContext(t, nil)
	require.NoError(t, ctx.Save())

	cp := &checkpoint.Checkpoint{
		Version:         checkpoint.VersionLegacy,
		RunID:           ctx.RunID,
		FactoryName:     "legacy",
		CompletedStages: []string{"a"},
		ContextHash:     checkpoint.ContextHash(ctx.Variables, f.StageIDs()),
	}
	_, err := checkpoint.Save(ctx.RunDir, cp)
	require.NoError(t, err)

	o, err := Resume(context.Background(), f, ctx.RunDir)
	require.NoError(t, err)
	assert.Equal(t, fsm.StageCompleted, o.StageState("a"))

	st, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "completed", st.Status)
	assert.Equal(t, 0, invocations(t, markA), "completed stage must not re-execute")
	assert.Equal(t, 1, invocations(t, markB))
}

func TestResumeRejectsWrongFactory(t *testing.T) {
	t.Parallel()

	f := testFactory("original", nil, customStage("a", "true"))
	ctx := newTestContext(t, nil)
	require.NoError(t, ctx.Save())
	_, err := checkpoint.Save(ctx.RunDir, &checkpoint.Checkpoint{
		Version:     checkpoint.VersionLegacy,
		RunID:       ctx.RunID,
		FactoryName: "someone-else",
	})
	require.NoError(t, err)

	_, err = Resume(context.Background(), f, ctx.RunDir)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint")
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	t.Parallel()

	f := testFactory("empty", nil, customStage("a", "true"))
	ctx := newTestContext(t, nil)
	_, err := Resume(context.Background(), f, ctx.RunDir)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

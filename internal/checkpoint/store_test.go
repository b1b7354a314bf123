package checkpoint

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/factory"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/fsm"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/run"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		RunID:           "run-1",
		FactoryName:     "demo",
		CurrentStage:    "b",
		CompletedStages: []string{"a", "b"},
		FailedStages:    []string{},
		SkippedStages:   []string{},
		RecursionCount:  1,
		ContextHash:     ContextHash(map[string]any{"k": "v"}, []string{"a", "b", "c"}),
		GitCommit:       "abc1234",
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	cp := sampleCheckpoint()
	path, err := Save(runDir, cp)
	require.NoError(t, err)
	assert.FileExists(t, path)

	loaded, err := Load(runDir)
	require.NoError(t, err)
	assert.Equal(t, VersionLegacy, loaded.Version, "no FSM state means legacy stamp")
	assert.Equal(t, cp.RunID, loaded.RunID)
	assert.Equal(t, cp.CompletedStages, loaded.CompletedStages)
	assert.Equal(t, cp.ContextHash, loaded.ContextHash)
	assert.Equal(t, cp.RecursionCount, loaded.RecursionCount)
	assert.False(t, loaded.CreatedAt.IsZero())
}

func TestSaveStampsFSMVersion(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	machine := fsm.NewFactoryMachine("demo", false)
	machine.Send(fsm.EventStart, nil)

	cp := sampleCheckpoint()
	cp.FSMState = &FSMState{
		Factory: machine.Snapshot(),
		Stages: map[string]fsm.Snapshot{
			"a": fsm.NewStageMachine("a", false, 0, 3).Snapshot(),
		},
	}
	_, err := Save(runDir, cp)
	require.NoError(t, err)

	loaded, err := Load(runDir)
	require.NoError(t, err)
	assert.Equal(t, VersionFSM, loaded.Version)
	require.NotNil(t, loaded.FSMState)
	assert.Equal(t, fsm.FactoryRunning, loaded.FSMState.Factory.State)
	assert.Equal(t, fsm.StagePending, loaded.FSMState.Stages["a"].State)
	assert.Len(t, loaded.FSMState.Factory.History, 1)
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()

	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadUnsupportedVersion(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	require.NoError(t, os.WriteFile(run.CheckpointFile(runDir),
		[]byte(`{"version":"9.9","run_id":"x"}`), 0o644))
	_, err := Load(runDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestLoadCorrupt(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	require.NoError(t, os.WriteFile(run.CheckpointFile(runDir), []byte("{nope"), 0o644))
	_, err := Load(runDir)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestClear(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	_, err := Save(runDir, sampleCheckpoint())
	require.NoError(t, err)
	require.NoError(t, Clear(runDir))
	_, err = Load(runDir)
	assert.ErrorIs(t, err, ErrNotFound)

	// Clearing an absent checkpoint is fine.
	assert.NoError(t, Clear(runDir))
}

func TestUpdateAfterStage(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	ctx := run.NewContext("/proj", runDir, "run-1", map[string]any{"k": "v"})
	stageIDs := []string{"a", "b", "c"}

	require.NoError(t, UpdateAfterStage(runDir, "a", run.StatusCompleted, ctx, "demo", stageIDs))
	require.NoError(t, UpdateAfterStage(runDir, "b", run.StatusFailed, ctx, "demo", stageIDs))

	cp, err := Load(runDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, cp.CompletedStages)
	assert.Equal(t, []string{"b"}, cp.FailedStages)
	assert.Equal(t, "b", cp.CurrentStage)
	assert.Equal(t, ContextHash(ctx.Variables, stageIDs), cp.ContextHash)

	// A retried stage that now completes leaves the failed set.
	require.NoError(t, UpdateAfterStage(runDir, "b", run.StatusCompleted, ctx, "demo", stageIDs))
	cp, err = Load(runDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cp.CompletedStages)
	assert.Empty(t, cp.FailedStages)

	// Non-terminal statuses are rejected.
	assert.Error(t, UpdateAfterStage(runDir, "c", run.StatusRunning, ctx, "demo", stageIDs))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	f, _, err := factory.ParseBytes([]byte(`
name: demo
variables:
  k: v
stages:
  - id: a
    type: prd
  - id: b
    type: plan
    depends_on: [a]
  - id: c
    type: build
    depends_on: [b]
`))
	require.NoError(t, err)

	cp := sampleCheckpoint()
	cp.ContextHash = ContextHash(f.Variables, f.StageIDs())

	valid, warnings := Validate(cp, f, "abc1234")
	assert.True(t, valid)
	assert.Empty(t, warnings)

	// Name mismatch is fatal.
	other := *cp
	other.FactoryName = "other"
	valid, warnings = Validate(&other, f, "abc1234")
	assert.False(t, valid)
	require.Len(t, warnings, 1)

	// VCS drift and stale references warn but stay valid.
	drift := *cp
	drift.GitCommit = "old0000"
	drift.CompletedStages = []string{"a", "removed-stage"}
	valid, warnings = Validate(&drift, f, "abc1234")
	assert.True(t, valid)
	assert.Len(t, warnings, 2)
}

func TestGetRemainingStages(t *testing.T) {
	t.Parallel()

	cp := &Checkpoint{
		CompletedStages: []string{"a"},
		SkippedStages:   []string{"c"},
		FailedStages:    []string{"b"},
	}
	order := []string{"a", "b", "c", "d"}
	// Failed stages stay eligible for retry; completed and skipped drop out.
	assert.Equal(t, []string{"b", "d"}, GetRemainingStages(order, cp))
}

func TestMigrateLegacy(t *testing.T) {
	t.Parallel()

	cp := sampleCheckpoint()
	cp.Version = VersionLegacy
	migrated := MigrateLegacy(cp)
	assert.Equal(t, VersionFSM, migrated.Version)
	assert.Nil(t, migrated.FSMState)
	assert.Equal(t, cp.CompletedStages, migrated.CompletedStages)
	// The original is untouched.
	assert.Equal(t, VersionLegacy, cp.Version)
}

func TestContextHashStability(t *testing.T) {
	t.Parallel()

	vars := map[string]any{"b": 2, "a": 1}
	h1 := ContextHash(vars, []string{"x", "y"})
	h2 := ContextHash(map[string]any{"a": 1, "b": 2}, []string{"x", "y"})
	assert.Equal(t, h1, h2, "map key order does not matter")

	assert.NotEqual(t, h1, ContextHash(vars, []string{"y", "x"}), "stage order matters")
	assert.NotEqual(t, h1, ContextHash(map[string]any{"a": 1}, []string{"x", "y"}))
	assert.Len(t, h1, 64)
}

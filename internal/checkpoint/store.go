// Package checkpoint persists durable snapshots of run progress. A
// checkpoint is the only shared persisted structure within a run; every write
// uses the temp-file + rename discipline so a crash mid-write never corrupts
// the active file. Two schema versions exist: 1.0 (legacy stage lists) and
// 2.0 (additionally carrying serialized FSM state).
package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/factory"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/fsm"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/logging"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/run"
)

const (
	// VersionLegacy is the stage-list-only schema.
	VersionLegacy = "1.0"

	// VersionFSM additionally carries serialized state machines.
	VersionFSM = "2.0"
)

// ErrNotFound distinguishes a missing checkpoint from a corrupt one.
var ErrNotFound = errors.New("checkpoint: not found")

var logger = logging.New("checkpoint")

// FSMState is the serialized machine state stored in 2.0 checkpoints.
type FSMState struct {
	Factory fsm.Snapshot            `json:"factory"`
	Stages  map[string]fsm.Snapshot `json:"stages"`
}

// Checkpoint is one durable snapshot of run progress.
type Checkpoint struct {
	Version         string    `json:"version"`
	RunID           string    `json:"run_id"`
	FactoryName     string    `json:"factory_name"`
	CurrentStage    string    `json:"current_stage,omitempty"`
	CompletedStages []string  `json:"completed_stages"`
	FailedStages    []string  `json:"failed_stages"`
	SkippedStages   []string  `json:"skipped_stages"`
	RecursionCount  int       `json:"recursion_count"`
	ContextHash     string    `json:"context_hash"`
	GitCommit       string    `json:"git_commit,omitempty"`
	CreatedAt       time.Time `json:"created_at"`

	// FSMState is nil for legacy checkpoints and for migrated ones awaiting
	// reconstruction.
	FSMState *FSMState `json:"fsm_state,omitempty"`
}

// IsLegacy reports whether the checkpoint predates FSM-aware snapshots.
func (c *Checkpoint) IsLegacy() bool {
	return c.Version == VersionLegacy
}

// ContextHash derives the hash binding a checkpoint to its run shape:
// SHA-256 over the canonical JSON of the variables and the stage-id list.
// Map keys marshal sorted, so the hash is stable.
func ContextHash(variables map[string]any, stageIDs []string) string {
	payload := struct {
		Variables map[string]any `json:"variables"`
		Stages    []string       `json:"stages"`
	}{Variables: variables, Stages: stageIDs}
	data, err := json.Marshal(payload)
	if err != nil {
		// Variables came from YAML/JSON, so this cannot happen in practice.
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// Save stamps the version and timestamp and writes the checkpoint atomically
// to ${runDir}/checkpoint.json, returning the path.
func Save(runDir string, cp *Checkpoint) (string, error) {
	if cp.Version == "" {
		if cp.FSMState != nil {
			cp.Version = VersionFSM
		} else {
			cp.Version = VersionLegacy
		}
	}
	cp.CreatedAt = time.Now()
	if cp.CompletedStages == nil {
		cp.CompletedStages = []string{}
	}
	if cp.FailedStages == nil {
		cp.FailedStages = []string{}
	}
	if cp.SkippedStages == nil {
		cp.SkippedStages = []string{}
	}

	path := run.CheckpointFile(runDir)
	if err := run.WriteJSONAtomic(path, cp); err != nil {
		return "", fmt.Errorf("checkpoint: saving: %w", err)
	}
	logger.Debug("checkpoint saved",
		"path", path,
		"version", cp.Version,
		"completed", len(cp.CompletedStages),
	)
	return path, nil
}

// Load reads the checkpoint from a run directory. Unsupported versions are an
// error; a missing file returns ErrNotFound.
func Load(runDir string) (*Checkpoint, error) {
	data, err := os.ReadFile(run.CheckpointFile(runDir))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: reading: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decoding: %w", err)
	}
	if cp.Version != VersionLegacy && cp.Version != VersionFSM {
		return nil, fmt.Errorf("checkpoint: unsupported version %q", cp.Version)
	}
	return &cp, nil
}

// Clear deletes the checkpoint file if present.
func Clear(runDir string) error {
	err := os.Remove(run.CheckpointFile(runDir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: clearing: %w", err)
	}
	return nil
}

// UpdateAfterStage records a stage outcome: load-or-create, move the stage ID
// into the set matching its status, refresh the current stage and context
// hash, and save. A stage that failed earlier and completed on retry leaves
// the failed set.
func UpdateAfterStage(runDir, stageID string, status run.Status, ctx *run.Context, factoryName string, stageIDs []string) error {
	cp, err := Load(runDir)
	if errors.Is(err, ErrNotFound) {
		cp = &Checkpoint{
			RunID:       ctx.RunID,
			FactoryName: factoryName,
		}
	} else if err != nil {
		return err
	}

	cp.CompletedStages = removeString(cp.CompletedStages, stageID)
	cp.FailedStages = removeString(cp.FailedStages, stageID)
	cp.SkippedStages = removeString(cp.SkippedStages, stageID)
	switch status {
	case run.StatusCompleted:
		cp.CompletedStages = append(cp.CompletedStages, stageID)
	case run.StatusFailed:
		cp.FailedStages = append(cp.FailedStages, stageID)
	case run.StatusSkipped:
		cp.SkippedStages = append(cp.SkippedStages, stageID)
	default:
		return fmt.Errorf("checkpoint: non-terminal status %q for stage %s", status, stageID)
	}

	cp.CurrentStage = stageID
	cp.RecursionCount = ctx.RecursionCount
	cp.ContextHash = ContextHash(ctx.Variables, stageIDs)
	_, err = Save(runDir, cp)
	return err
}

// Validate cross-checks a checkpoint against the factory it is about to
// resume. A name mismatch invalidates the checkpoint; stale stage references
// and VCS drift only produce warnings.
func Validate(cp *Checkpoint, f *factory.Factory, currentCommit string) (bool, []string) {
	var warnings []string

	if cp.FactoryName != f.Name {
		return false, []string{fmt.Sprintf(
			"checkpoint belongs to factory %q, not %q", cp.FactoryName, f.Name)}
	}

	for _, id := range allStageRefs(cp) {
		if f.StageByID(id) == nil {
			warnings = append(warnings, fmt.Sprintf(
				"checkpoint references stage %q which no longer exists", id))
		}
	}

	if cp.GitCommit != "" && currentCommit != "" && cp.GitCommit != currentCommit {
		warnings = append(warnings, fmt.Sprintf(
			"repository moved from commit %s to %s since the checkpoint", cp.GitCommit, currentCommit))
	}

	if hash := ContextHash(f.Variables, f.StageIDs()); cp.ContextHash != "" && cp.ContextHash != hash {
		warnings = append(warnings, "factory variables or stage list changed since the checkpoint")
	}

	return true, warnings
}

// GetRemainingStages filters an execution order down to the stages still
// owing work: completed and skipped stages drop out, failed stages remain
// eligible for retry. Relative order is preserved.
func GetRemainingStages(order []string, cp *Checkpoint) []string {
	done := make(map[string]bool, len(cp.CompletedStages)+len(cp.SkippedStages))
	for _, id := range cp.CompletedStages {
		done[id] = true
	}
	for _, id := range cp.SkippedStages {
		done[id] = true
	}
	var remaining []string
	for _, id := range order {
		if !done[id] {
			remaining = append(remaining, id)
		}
	}
	return remaining
}

// MigrateLegacy version-stamps a 1.0 checkpoint to 2.0 with null FSM state.
// The caller must reconstruct machines from the stage lists afterwards.
func MigrateLegacy(cp *Checkpoint) *Checkpoint {
	migrated := *cp
	migrated.Version = VersionFSM
	migrated.FSMState = nil
	logger.Debug("migrated legacy checkpoint", "run_id", cp.RunID)
	return &migrated
}

func allStageRefs(cp *Checkpoint) []string {
	var ids []string
	ids = append(ids, cp.CompletedStages...)
	ids = append(ids, cp.FailedStages...)
	ids = append(ids, cp.SkippedStages...)
	if cp.CurrentStage != "" {
		ids = append(ids, cp.CurrentStage)
	}
	return ids
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

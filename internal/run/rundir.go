package run

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// NewRunID returns a timestamp-based run identifier. Collisions within the
// same second are acceptable: a project runs one factory at a time.
func NewRunID() string {
	return "run-" + time.Now().Format("20060102-150405")
}

// Dir layout helpers. Each run owns <factoryRoot>/runs/<runID>/ with
// state.json, context.json, checkpoint.json, and stages/<id>/ per stage.
// The factory root itself holds learnings.json shared across runs.

// RunsRoot returns the directory holding all runs for a factory root.
func RunsRoot(factoryRoot string) string {
	return filepath.Join(factoryRoot, "runs")
}

// StateFile is the run summary path.
func StateFile(runDir string) string {
	return filepath.Join(runDir, "state.json")
}

// ContextFile is the serialized context path.
func ContextFile(runDir string) string {
	return filepath.Join(runDir, "context.json")
}

// CheckpointFile is the checkpoint snapshot path.
func CheckpointFile(runDir string) string {
	return filepath.Join(runDir, "checkpoint.json")
}

// StageDir is the per-stage artifact directory.
func StageDir(runDir, stageID string) string {
	return filepath.Join(runDir, "stages", stageID)
}

// StageResultFile is the per-stage result path.
func StageResultFile(runDir, stageID string) string {
	return filepath.Join(StageDir(runDir, stageID), "result.json")
}

// StageRequestFile is where a PRD stage's request payload is written.
func StageRequestFile(runDir, stageID string) string {
	return filepath.Join(StageDir(runDir, stageID), "request.txt")
}

// StageOutputLog is the mirrored subprocess output for a stage.
func StageOutputLog(runDir, stageID string) string {
	return filepath.Join(StageDir(runDir, stageID), "output.log")
}

// LearningsFile is the project-wide learnings ring path.
func LearningsFile(factoryRoot string) string {
	return filepath.Join(factoryRoot, "learnings.json")
}

// CreateRunDir creates a fresh run directory under the factory root and
// returns its path.
func CreateRunDir(factoryRoot, runID string) (string, error) {
	dir := filepath.Join(RunsRoot(factoryRoot), runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("run: creating run dir: %w", err)
	}
	return dir, nil
}

// EnsureStageDir creates the per-stage directory.
func EnsureStageDir(runDir, stageID string) (string, error) {
	dir := StageDir(runDir, stageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("run: creating stage dir for %s: %w", stageID, err)
	}
	return dir, nil
}

// State is the run summary persisted at state.json.
type State struct {
	RunID           string    `json:"run_id"`
	Factory         string    `json:"factory"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at,omitempty"`
	CompletedStages []string  `json:"completed_stages"`
	FailedStages    []string  `json:"failed_stages"`
	SkippedStages   []string  `json:"skipped_stages"`
	RecursionCount  int       `json:"recursion_count"`
	Error           string    `json:"error,omitempty"`
}

// SaveState writes the run summary.
func SaveState(runDir string, st *State) error {
	return writeJSONAtomic(StateFile(runDir), st)
}

// LoadState reads the run summary.
func LoadState(runDir string) (*State, error) {
	data, err := os.ReadFile(StateFile(runDir))
	if err != nil {
		return nil, fmt.Errorf("run: reading state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("run: decoding state: %w", err)
	}
	return &st, nil
}

// SaveStageResult writes a stage result into the run directory.
func SaveStageResult(runDir string, res *StageResult) error {
	if _, err := EnsureStageDir(runDir, res.StageID); err != nil {
		return err
	}
	return writeJSONAtomic(StageResultFile(runDir, res.StageID), res)
}

// writeJSONAtomic marshals v and writes it with the temp-file + rename
// discipline so a crash mid-write never corrupts the destination.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

// WriteJSONAtomic exposes the atomic JSON write for sibling packages that
// persist into the run directory.
func WriteJSONAtomic(path string, v any) error {
	return writeJSONAtomic(path, v)
}

// Package run holds the live state of one factory execution: the mutable
// context threaded through stages, per-stage results, the project-wide
// learnings store, and the run directory layout on disk.
package run

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/verify"
)

// Status is the lifecycle state of a stage result.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// StageResult is the recorded outcome of one stage.
type StageResult struct {
	StageID      string           `json:"stage_id"`
	Status       Status           `json:"status"`
	StartedAt    time.Time        `json:"started_at,omitempty"`
	CompletedAt  time.Time        `json:"completed_at,omitempty"`
	Duration     time.Duration    `json:"duration,omitempty"`
	Output       map[string]any   `json:"output,omitempty"`
	Error        string           `json:"error,omitempty"`
	Verification *verify.Combined `json:"verification,omitempty"`
}

// Context is the live state threaded through a run. The orchestrator mutates
// it between stages; during a parallel group stages only read it.
type Context struct {
	// ProjectRoot is the directory the factory operates on.
	ProjectRoot string `json:"project_root"`

	// RunDir is this run's artifact directory.
	RunDir string `json:"run_dir"`

	// RunID identifies the run (timestamp-based).
	RunID string `json:"run_id"`

	// Variables are the factory variables, plus any overrides.
	Variables map[string]any `json:"variables"`

	// Stages accumulates each completed stage's output payload by stage ID.
	Stages map[string]map[string]any `json:"stages"`

	// CurrentStage is the stage most recently dispatched.
	CurrentStage string `json:"current_stage,omitempty"`

	// RecursionCount tracks loop_to rewinds.
	RecursionCount int `json:"recursion_count"`

	// Learnings is the snapshot taken at run start. Read-only during the run.
	Learnings []Learning `json:"learnings,omitempty"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// Environment carries metadata about the host (platform, agent ids).
	Environment map[string]string `json:"environment,omitempty"`
}

// NewContext creates the context for a fresh run.
func NewContext(projectRoot, runDir, runID string, variables map[string]any) *Context {
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &Context{
		ProjectRoot: projectRoot,
		RunDir:      runDir,
		RunID:       runID,
		Variables:   vars,
		Stages:      make(map[string]map[string]any),
		StartedAt:   time.Now(),
		Environment: make(map[string]string),
	}
}

// SetStageOutput records a stage's output payload.
func (c *Context) SetStageOutput(stageID string, output map[string]any) {
	if c.Stages == nil {
		c.Stages = make(map[string]map[string]any)
	}
	c.Stages[stageID] = output
}

// StageOutput returns a stage's recorded output, or nil.
func (c *Context) StageOutput(stageID string) map[string]any {
	return c.Stages[stageID]
}

// Scope builds the evaluation scope for templates and conditions: variables
// at the top level, stage outputs under "stages", and run metadata under
// fixed keys. The scope is a fresh map; mutating it does not touch the
// context.
func (c *Context) Scope() map[string]any {
	scope := make(map[string]any, len(c.Variables)+4)
	for k, v := range c.Variables {
		scope[k] = v
	}
	stages := make(map[string]any, len(c.Stages))
	for id, out := range c.Stages {
		stages[id] = out
	}
	scope["stages"] = stages
	scope["run_id"] = c.RunID
	scope["project_root"] = c.ProjectRoot
	scope["recursion_count"] = c.RecursionCount
	return scope
}

// ChildVariables returns the variable set a nested factory inherits: the
// parent's variables plus the parent's stage outputs flattened under
// "parent_stages".
func (c *Context) ChildVariables() map[string]any {
	vars := make(map[string]any, len(c.Variables)+1)
	for k, v := range c.Variables {
		vars[k] = v
	}
	parent := make(map[string]any, len(c.Stages))
	for id, out := range c.Stages {
		parent[id] = out
	}
	vars["parent_stages"] = parent
	return vars
}

// Save serializes the context to its run directory as context.json, using
// the atomic write discipline.
func (c *Context) Save() error {
	if c.RunDir == "" {
		return fmt.Errorf("run: context has no run directory")
	}
	return writeJSONAtomic(ContextFile(c.RunDir), c)
}

// LoadContext reads a previously saved context from a run directory.
func LoadContext(runDir string) (*Context, error) {
	data, err := os.ReadFile(ContextFile(runDir))
	if err != nil {
		return nil, fmt.Errorf("run: reading context: %w", err)
	}
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("run: decoding context: %w", err)
	}
	if c.Stages == nil {
		c.Stages = make(map[string]map[string]any)
	}
	if c.Variables == nil {
		c.Variables = make(map[string]any)
	}
	return &c, nil
}

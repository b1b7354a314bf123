// Package factory loads, validates, and compiles declarative factory
// definitions: named pipelines of agent and shell stages connected by
// dependency edges. A factory document is YAML with a version, a name,
// free-form variables, agent role assignments, and an ordered list of
// stages. The package also provides the template and expression language
// used in stage inputs and conditions ({{ expr }}).
package factory

import (
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/verify"
)

// StageType identifies what kind of work a stage performs.
type StageType string

const (
	// StagePRD invokes the prd agent sub-command to draft a product
	// requirements document from the stage's request input.
	StagePRD StageType = "prd"

	// StagePlan invokes the plan agent sub-command against an existing PRD.
	StagePlan StageType = "plan"

	// StageBuild invokes the build agent sub-command for a configured number
	// of iterations.
	StageBuild StageType = "build"

	// StageCustom runs an arbitrary shell command.
	StageCustom StageType = "custom"

	// StageFactory recursively invokes another factory.
	StageFactory StageType = "factory"
)

// KnownStageTypes is the set of recognised stage type values.
var KnownStageTypes = map[StageType]bool{
	StagePRD:     true,
	StagePlan:    true,
	StageBuild:   true,
	StageCustom:  true,
	StageFactory: true,
}

// MergeStrategy is the policy for joining parallel branches at a stage with
// multiple dependencies.
type MergeStrategy string

const (
	// MergeAll requires every parallel branch to complete successfully.
	MergeAll MergeStrategy = "all"

	// MergeAny requires at least one branch to complete successfully.
	MergeAny MergeStrategy = "any"

	// MergeFirst takes the first branch to complete and ignores the rest.
	MergeFirst MergeStrategy = "first"
)

// KnownMergeStrategies is the set of recognised merge strategy values.
var KnownMergeStrategies = map[MergeStrategy]bool{
	MergeAll:   true,
	MergeAny:   true,
	MergeFirst: true,
}

// Default stage config values applied by Parse when the document omits them.
const (
	DefaultIterations   = 5
	DefaultParallel     = 1
	DefaultRetries      = 0
	DefaultMaxRecursion = 3
)

// SupportedVersion is the factory document schema version this parser targets.
// Other versions load with a warning.
const SupportedVersion = "1"

// Factory is a named pipeline: an ordered list of stages plus the variables
// and agent assignments they share.
type Factory struct {
	// Version is the document schema version ("1" supported).
	Version string `yaml:"version" json:"version"`

	// Name identifies the factory. Checkpoints are only valid for the
	// factory whose name matches.
	Name string `yaml:"name" json:"name"`

	// Variables are free-form key/value pairs available to templates as
	// bare identifiers and to nested factories as inherited context.
	Variables map[string]any `yaml:"variables" json:"variables"`

	// Agents maps logical roles (e.g. "prd", "build") to agent identifiers.
	// The "default" key is the fallback for unassigned roles.
	Agents map[string]string `yaml:"agents" json:"agents"`

	// Stages is the ordered list of stage definitions.
	Stages []*Stage `yaml:"stages" json:"stages"`

	// SourcePath is the path the document was loaded from. Not serialized
	// back into the document.
	SourcePath string `yaml:"-" json:"source_path,omitempty"`
}

// StageConfig holds the structured per-stage execution options.
type StageConfig struct {
	// Iterations is the number of agent iterations for build stages.
	// Positive; defaults to DefaultIterations.
	Iterations int `yaml:"iterations" json:"iterations"`

	// Parallel is the maximum concurrency within the stage. Positive;
	// defaults to 1.
	Parallel int `yaml:"parallel" json:"parallel"`

	// TimeoutMS bounds the stage's subprocess in milliseconds. Zero means
	// no timeout.
	TimeoutMS int64 `yaml:"timeout" json:"timeout"`

	// Retries is the number of re-executions granted after a failure.
	// Non-negative; defaults to 0.
	Retries int `yaml:"retries" json:"retries"`

	// Worktree requests an isolated git worktree for the stage. The core
	// records the flag; worktree management itself lives outside the core.
	Worktree bool `yaml:"worktree" json:"worktree"`

	// Extra captures type-specific option keys that are not part of the
	// common set.
	Extra map[string]any `yaml:",inline" json:"extra,omitempty"`
}

// Stage is a single unit of work within a factory.
type Stage struct {
	// ID uniquely identifies the stage within its factory. Must match
	// [A-Za-z][A-Za-z0-9_-]*.
	ID string `yaml:"id" json:"id"`

	// Type selects the stage behaviour.
	Type StageType `yaml:"type" json:"type"`

	// DependsOn lists stage IDs that must reach a terminal state before
	// this stage becomes eligible.
	DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty"`

	// Condition is an optional expression evaluated against the live
	// context; false skips the stage.
	Condition string `yaml:"condition" json:"condition,omitempty"`

	// Input is a key/value map whose string values may contain {{ expr }}
	// templates resolved at execution time.
	Input map[string]string `yaml:"input" json:"input,omitempty"`

	// Config holds the structured execution options.
	Config StageConfig `yaml:"config" json:"config"`

	// Command is the shell command template. Required for custom stages.
	Command string `yaml:"command" json:"command,omitempty"`

	// Factory names the nested factory to invoke. Required for factory stages.
	Factory string `yaml:"factory" json:"factory,omitempty"`

	// MergeStrategy is the join policy for parallel branches feeding this
	// stage. Defaults to MergeAll.
	MergeStrategy MergeStrategy `yaml:"merge_strategy" json:"merge_strategy,omitempty"`

	// LoopTo names an earlier stage to rewind to after this stage
	// completes. Bounded by the max_recursion variable at run time; the
	// dependency graph itself stays acyclic.
	LoopTo string `yaml:"loop_to" json:"loop_to,omitempty"`

	// Verify lists independent verification gates run after the stage
	// claims success.
	Verify []verify.Config `yaml:"verify" json:"verify,omitempty"`
}

// HasVerification reports whether the stage carries at least one verifier.
func (s *Stage) HasVerification() bool {
	return len(s.Verify) > 0
}

// Timeout returns the stage timeout as a millisecond count; zero disables it.
func (s *Stage) Timeout() int64 {
	return s.Config.TimeoutMS
}

// StageByID returns the stage with the given ID, or nil when absent.
func (f *Factory) StageByID(id string) *Stage {
	for _, s := range f.Stages {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StageIDs returns the stage IDs in definition order.
func (f *Factory) StageIDs() []string {
	ids := make([]string, len(f.Stages))
	for i, s := range f.Stages {
		ids[i] = s.ID
	}
	return ids
}

// AgentFor resolves the agent identifier for a logical role, falling back to
// the "default" assignment and finally to the role name itself.
func (f *Factory) AgentFor(role string) string {
	if f.Agents != nil {
		if a, ok := f.Agents[role]; ok && a != "" {
			return a
		}
		if a, ok := f.Agents["default"]; ok && a != "" {
			return a
		}
	}
	return role
}

// MaxRecursion returns the loop bound from variables.max_recursion, falling
// back to DefaultMaxRecursion when absent or not a positive number.
func (f *Factory) MaxRecursion() int {
	if f.Variables == nil {
		return DefaultMaxRecursion
	}
	switch v := f.Variables["max_recursion"].(type) {
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return DefaultMaxRecursion
}

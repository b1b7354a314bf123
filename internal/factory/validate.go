package factory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/verify"
)

// stageIDRe validates stage identifiers: a letter followed by letters,
// digits, underscores, or hyphens.
var stageIDRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// ValidationSeverity indicates whether a validation issue is an error or warning.
type ValidationSeverity string

const (
	// SeverityError indicates a fatal validation issue; the factory is unusable.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates an informational validation issue; the factory
	// works but may have problems.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity
	Field    string // dotted path, e.g. "stages.build.command"
	Message  string
}

// ValidationResult holds all validation findings.
type ValidationResult struct {
	Issues []ValidationIssue
}

// HasErrors returns true if any issue has error severity.
func (vr *ValidationResult) HasErrors() bool {
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only error-severity issues.
func (vr *ValidationResult) Errors() []ValidationIssue {
	var errs []ValidationIssue
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityError {
			errs = append(errs, issue)
		}
	}
	return errs
}

// Warnings returns only warning-severity issues.
func (vr *ValidationResult) Warnings() []ValidationIssue {
	var warns []ValidationIssue
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityWarning {
			warns = append(warns, issue)
		}
	}
	return warns
}

// Validate checks a decoded factory document for correctness:
// structural rules, reference resolution, numeric ranges, and acyclicity of
// the dependency graph (loop_to edges excluded). Check HasErrors() to
// determine whether the factory is usable.
func Validate(f *Factory) *ValidationResult {
	vr := &ValidationResult{}

	if f == nil {
		addError(vr, "", "factory is nil")
		return vr
	}

	if f.Version != "" && f.Version != SupportedVersion {
		addWarning(vr, "version",
			fmt.Sprintf("unknown schema version %q; this parser targets version %q", f.Version, SupportedVersion))
	}

	if len(f.Stages) == 0 {
		addError(vr, "stages", "factory must have at least one stage")
		return vr
	}

	seen := make(map[string]int, len(f.Stages))
	for i, s := range f.Stages {
		validateStage(vr, f, s, i, seen)
	}

	validateAgents(vr, f.Agents)

	// Cycle detection only makes sense once references resolve.
	if !vr.HasErrors() {
		validateAcyclic(vr, f)
	}

	return vr
}

// validateStage checks a single stage definition and records its ID position
// for duplicate and loop_to ordering checks.
func validateStage(vr *ValidationResult, f *Factory, s *Stage, idx int, seen map[string]int) {
	field := func(sub string) string {
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("[%d]", idx)
		}
		if sub == "" {
			return "stages." + id
		}
		return "stages." + id + "." + sub
	}

	if s.ID == "" || !stageIDRe.MatchString(s.ID) {
		addError(vr, field("id"),
			fmt.Sprintf("invalid stage id %q; must match [A-Za-z][A-Za-z0-9_-]*", s.ID))
	}

	if prev, dup := seen[s.ID]; dup {
		addError(vr, field("id"),
			fmt.Sprintf("duplicate stage id %q (first defined at index %d)", s.ID, prev))
	} else if s.ID != "" {
		seen[s.ID] = idx
	}

	if !KnownStageTypes[s.Type] {
		addError(vr, field("type"),
			fmt.Sprintf("unknown stage type %q; must be one of: prd, plan, build, custom, factory", s.Type))
	}

	if s.Type == StageCustom && strings.TrimSpace(s.Command) == "" {
		addError(vr, field("command"), "custom stages must have a command")
	}
	if s.Type == StageFactory && strings.TrimSpace(s.Factory) == "" {
		addError(vr, field("factory"), "factory stages must name a factory")
	}

	for _, dep := range s.DependsOn {
		if dep == s.ID {
			addError(vr, field("depends_on"),
				fmt.Sprintf("stage %q cannot depend on itself", s.ID))
			continue
		}
		if f.StageByID(dep) == nil {
			addError(vr, field("depends_on"),
				fmt.Sprintf("unknown dependency %q", dep))
		}
	}

	if s.LoopTo != "" {
		targetIdx, ok := stageIndex(f, s.LoopTo)
		if !ok {
			addError(vr, field("loop_to"),
				fmt.Sprintf("unknown loop target %q", s.LoopTo))
		} else if targetIdx >= idx {
			addError(vr, field("loop_to"),
				fmt.Sprintf("loop target %q must precede stage %q", s.LoopTo, s.ID))
		}
	}

	if s.Config.Iterations < 0 {
		addError(vr, field("config.iterations"), "must be a positive integer")
	}
	if s.Config.Parallel < 0 {
		addError(vr, field("config.parallel"), "must be a positive integer")
	}
	if s.Config.TimeoutMS < 0 {
		addError(vr, field("config.timeout"), "must be non-negative milliseconds")
	}
	if s.Config.Retries < 0 {
		addError(vr, field("config.retries"), "must be non-negative")
	}

	if s.MergeStrategy != "" && !KnownMergeStrategies[s.MergeStrategy] {
		addError(vr, field("merge_strategy"),
			fmt.Sprintf("unknown merge strategy %q; must be one of: any, all, first", s.MergeStrategy))
	}

	for i, vc := range s.Verify {
		if !verify.KnownKinds[vc.Type] {
			addError(vr, field(fmt.Sprintf("verify[%d].type", i)),
				fmt.Sprintf("unknown verifier type %q", vc.Type))
		}
	}
}

// validateAgents checks the agent role assignment map.
func validateAgents(vr *ValidationResult, agents map[string]string) {
	for role, id := range agents {
		if strings.TrimSpace(id) == "" {
			addError(vr, "agents."+role, "agent identifier must not be empty")
		}
	}
}

// validateAcyclic rejects factories whose dependency graph (excluding loop_to
// edges) contains a cycle. The diagnostic lists the cycle members.
func validateAcyclic(vr *ValidationResult, f *Factory) {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(f.Stages))
	deps := make(map[string][]string, len(f.Stages))
	for _, s := range f.Stages {
		deps[s.ID] = s.DependsOn
	}

	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inStack
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch state[dep] {
			case inStack:
				// Found a back edge; extract the cycle slice from the stack.
				for i, v := range stack {
					if v == dep {
						cycle = append([]string{}, stack[i:]...)
						break
					}
				}
				return false
			case unvisited:
				if !visit(dep) {
					return false
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return true
	}

	for _, s := range f.Stages {
		if state[s.ID] == unvisited {
			if !visit(s.ID) {
				addError(vr, "stages",
					fmt.Sprintf("dependency cycle detected: %s", strings.Join(cycle, " -> ")))
				return
			}
		}
	}
}

// stageIndex returns the definition index of the stage with the given ID.
func stageIndex(f *Factory, id string) (int, bool) {
	for i, s := range f.Stages {
		if s.ID == id {
			return i, true
		}
	}
	return 0, false
}

// addError appends an error-severity issue to the validation result.
func addError(vr *ValidationResult, field, message string) {
	vr.Issues = append(vr.Issues, ValidationIssue{
		Severity: SeverityError,
		Field:    field,
		Message:  message,
	})
}

// addWarning appends a warning-severity issue to the validation result.
func addWarning(vr *ValidationResult, field, message string) {
	vr.Issues = append(vr.Issues, ValidationIssue{
		Severity: SeverityWarning,
		Field:    field,
		Message:  message,
	})
}

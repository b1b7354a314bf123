// Package verify implements the verification gate: after a stage claims
// success, independent checks confirm that real work occurred. Evidence comes
// from the filesystem, version-control history, and the exit codes and output
// of test, build, and lint commands -- never from the stage's self-reported
// output text.
package verify

// Kind identifies a verifier implementation.
type Kind string

const (
	// KindFileExists requires every listed path to exist.
	KindFileExists Kind = "file_exists"

	// KindFileChanged requires each listed path to show modification since
	// the run start.
	KindFileChanged Kind = "file_changed"

	// KindFileContains requires the named file to match every listed
	// pattern (regular expressions).
	KindFileContains Kind = "file_contains"

	// KindGitCommits requires at least min_commits commits since the run
	// started, optionally filtered by author or message pattern.
	KindGitCommits Kind = "git_commits"

	// KindGitDiff requires the HEAD~1..HEAD diff to show at least
	// min_lines_changed insertions+deletions.
	KindGitDiff Kind = "git_diff"

	// KindGitFilesChanged requires a set of files (glob-capable) to appear
	// in a recent diff window.
	KindGitFilesChanged Kind = "git_files_changed"

	// KindTestSuite runs a test command and checks parsed pass/fail counts
	// plus the exit code.
	KindTestSuite Kind = "test_suite"

	// KindTestCoverage parses a coverage percentage from a command's output.
	KindTestCoverage Kind = "test_coverage"

	// KindBuildSuccess runs a build command and optionally requires named
	// artifact files.
	KindBuildSuccess Kind = "build_success"

	// KindLintPass runs a lint command and checks parsed error/warning counts.
	KindLintPass Kind = "lint_pass"

	// KindCustom runs an arbitrary command and compares its exit code to
	// expect_exit_code.
	KindCustom Kind = "custom"
)

// KnownKinds is the set of recognised verifier kinds.
var KnownKinds = map[Kind]bool{
	KindFileExists:      true,
	KindFileChanged:     true,
	KindFileContains:    true,
	KindGitCommits:      true,
	KindGitDiff:         true,
	KindGitFilesChanged: true,
	KindTestSuite:       true,
	KindTestCoverage:    true,
	KindBuildSuccess:    true,
	KindLintPass:        true,
	KindCustom:          true,
}

// Config is one verifier entry in a stage's verify list. Fields are a union
// across kinds; each verifier reads only the fields it documents. Paths may
// contain {{var}} references resolved against the run variables, and relative
// paths are rooted at the project.
type Config struct {
	// Type selects the verifier implementation.
	Type Kind `yaml:"type" json:"type"`

	// Paths is the path list for file_exists / file_changed.
	Paths []string `yaml:"paths" json:"paths,omitempty"`

	// Path is the single file for file_contains.
	Path string `yaml:"path" json:"path,omitempty"`

	// Patterns are the regular expressions for file_contains.
	Patterns []string `yaml:"patterns" json:"patterns,omitempty"`

	// MinCommits is the commit floor for git_commits. Defaults to 1.
	MinCommits int `yaml:"min_commits" json:"min_commits,omitempty"`

	// Author filters git_commits by commit author (substring match).
	Author string `yaml:"author" json:"author,omitempty"`

	// MessagePattern filters git_commits by message (regular expression).
	MessagePattern string `yaml:"message_pattern" json:"message_pattern,omitempty"`

	// MinLinesChanged is the insertions+deletions floor for git_diff.
	MinLinesChanged int `yaml:"min_lines_changed" json:"min_lines_changed,omitempty"`

	// Files is the required file set for git_files_changed. Entries may use
	// * and ? globs.
	Files []string `yaml:"files" json:"files,omitempty"`

	// Window is the number of recent commits git_files_changed inspects.
	// Defaults to 5.
	Window int `yaml:"window" json:"window,omitempty"`

	// Command is the command to run for test_suite, test_coverage,
	// build_success, lint_pass, and custom.
	Command string `yaml:"command" json:"command,omitempty"`

	// MinPassing is the minimum passing test count for test_suite.
	MinPassing int `yaml:"min_passing" json:"min_passing,omitempty"`

	// MaxFailing is the maximum failing test count for test_suite.
	MaxFailing int `yaml:"max_failing" json:"max_failing,omitempty"`

	// MinCoverage is the coverage percentage floor for test_coverage.
	MinCoverage float64 `yaml:"min_coverage" json:"min_coverage,omitempty"`

	// Artifacts lists files that must exist after build_success.
	Artifacts []string `yaml:"artifacts" json:"artifacts,omitempty"`

	// MaxWarnings is the warning ceiling for lint_pass. Errors always fail.
	MaxWarnings int `yaml:"max_warnings" json:"max_warnings,omitempty"`

	// ExpectExitCode is the expected exit code for custom. Nil means 0.
	ExpectExitCode *int `yaml:"expect_exit_code" json:"expect_exit_code,omitempty"`
}

// Name returns a short identifier for the verifier, used in failure messages.
func (c Config) Name() string {
	return string(c.Type)
}

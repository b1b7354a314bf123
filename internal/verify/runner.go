package verify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/agent"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/git"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/logging"
)

// Status is the outcome of a single verifier or of an aggregated run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result is the outcome of one verifier.
type Result struct {
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Duration time.Duration  `json:"duration"`
	Details  map[string]any `json:"details,omitempty"`
}

// Combined aggregates the results of all verifiers attached to a stage.
// Status is passed only when every verifier passed or was skipped; any
// failure makes it failed with a message naming the failed verifiers.
type Combined struct {
	Status  Status   `json:"status"`
	Message string   `json:"message,omitempty"`
	Results []Result `json:"results"`
}

// Passed reports whether the aggregated verification succeeded.
func (c *Combined) Passed() bool {
	return c != nil && c.Status == StatusPassed
}

// DefaultCommandTimeout bounds verifier-spawned commands (tests, builds,
// lints) that carry no explicit budget.
const DefaultCommandTimeout = 5 * time.Minute

// Runner evaluates verifier configs against a project root. Evidence comes
// from the filesystem, from git history, and from freshly executed commands;
// the stage's own output is never consulted.
type Runner struct {
	root     string
	runStart time.Time
	gitc     *git.Client
	procs    *agent.Runner
	resolve  func(string) string
	logger   *log.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithGit supplies the git client used by history-based verifiers. Without
// one those verifiers are skipped.
func WithGit(c *git.Client) Option {
	return func(r *Runner) { r.gitc = c }
}

// WithRunStart sets the timestamp that "since the run started" checks compare
// against. Defaults to the runner's creation time.
func WithRunStart(t time.Time) Option {
	return func(r *Runner) { r.runStart = t }
}

// WithResolver installs the template resolver applied to paths and commands
// before use, so configs can reference run variables.
func WithResolver(f func(string) string) Option {
	return func(r *Runner) { r.resolve = f }
}

// WithProcs shares a subprocess runner, so verifier commands are tracked by
// the same stop registry as stage commands.
func WithProcs(p *agent.Runner) Option {
	return func(r *Runner) { r.procs = p }
}

// NewRunner creates a verification runner rooted at the project directory.
func NewRunner(root string, opts ...Option) *Runner {
	r := &Runner{
		root:     root,
		runStart: time.Now(),
		resolve:  func(s string) string { return s },
		logger:   logging.New("verify"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.procs == nil {
		r.procs = agent.NewRunner()
	}
	return r
}

// RunAll executes every verifier in order and aggregates the results.
func (r *Runner) RunAll(ctx context.Context, configs []Config) *Combined {
	combined := &Combined{Status: StatusPassed}
	var failed []string

	for _, cfg := range configs {
		res := r.runOne(ctx, cfg)
		combined.Results = append(combined.Results, res)
		r.logger.Debug("verifier finished",
			"verifier", res.Name,
			"status", res.Status,
			"duration", res.Duration,
		)
		if res.Status == StatusFailed {
			failed = append(failed, res.Name)
		}
	}

	if len(failed) > 0 {
		combined.Status = StatusFailed
		combined.Message = fmt.Sprintf("verification failed: %s", strings.Join(failed, ", "))
	}
	return combined
}

// runOne dispatches a single verifier and stamps its duration.
func (r *Runner) runOne(ctx context.Context, cfg Config) Result {
	start := time.Now()
	var res Result
	switch cfg.Type {
	case KindFileExists:
		res = r.fileExists(cfg)
	case KindFileChanged:
		res = r.fileChanged(ctx, cfg)
	case KindFileContains:
		res = r.fileContains(cfg)
	case KindGitCommits:
		res = r.gitCommits(ctx, cfg)
	case KindGitDiff:
		res = r.gitDiff(ctx, cfg)
	case KindGitFilesChanged:
		res = r.gitFilesChanged(ctx, cfg)
	case KindTestSuite:
		res = r.testSuite(ctx, cfg)
	case KindTestCoverage:
		res = r.testCoverage(ctx, cfg)
	case KindBuildSuccess:
		res = r.buildSuccess(ctx, cfg)
	case KindLintPass:
		res = r.lintPass(ctx, cfg)
	case KindCustom:
		res = r.custom(ctx, cfg)
	default:
		res = Result{Status: StatusFailed, Message: fmt.Sprintf("unknown verifier type %q", cfg.Type)}
	}
	res.Name = cfg.Name()
	res.Duration = time.Since(start)
	return res
}

// requireGit produces the skip result used when a git-based verifier runs
// outside a repository.
func (r *Runner) requireGit() (ok bool, res Result) {
	if r.gitc != nil {
		return true, Result{}
	}
	return false, Result{
		Status:  StatusSkipped,
		Message: "not a git repository; no history evidence available",
	}
}

func passed(details map[string]any) Result {
	return Result{Status: StatusPassed, Details: details}
}

func failedf(details map[string]any, format string, args ...any) Result {
	return Result{Status: StatusFailed, Message: fmt.Sprintf(format, args...), Details: details}
}

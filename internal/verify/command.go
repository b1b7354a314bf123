package verify

import (
	"context"
	"os"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/agent"
)

// runCommand executes a verifier command under the platform shell and returns
// its captured result. Commands are template-resolved and rooted at the
// project directory.
func (r *Runner) runCommand(ctx context.Context, command string) (*agent.Result, error) {
	return r.procs.Run(ctx, agent.Invocation{
		Command: r.resolve(command),
		Shell:   true,
		Dir:     r.root,
		Timeout: DefaultCommandTimeout,
	})
}

// testSuite runs the test command and checks parsed counts against
// min_passing / max_failing. With max_failing at its zero default, a non-zero
// exit fails even when no counts could be parsed.
func (r *Runner) testSuite(ctx context.Context, cfg Config) Result {
	res, err := r.runCommand(ctx, cfg.Command)
	if err != nil {
		return failedf(nil, "running tests: %v", err)
	}

	counts := ParseTestCounts(res.Stdout + "\n" + res.Stderr)
	details := map[string]any{
		"exit_code": res.ExitCode,
		"passed":    counts.Passed,
		"failed":    counts.Failed,
		"total":     counts.Total,
	}

	if counts.Parsed {
		if counts.Passed < cfg.MinPassing {
			return failedf(details, "expected at least %d passing tests, found %d",
				cfg.MinPassing, counts.Passed)
		}
		if counts.Failed > cfg.MaxFailing {
			return failedf(details, "%d tests failed (max allowed %d)",
				counts.Failed, cfg.MaxFailing)
		}
	}
	if res.ExitCode != 0 && cfg.MaxFailing == 0 {
		return failedf(details, "test command exited %d", res.ExitCode)
	}
	return passed(details)
}

// testCoverage runs the coverage command and checks the parsed percentage
// against min_coverage.
func (r *Runner) testCoverage(ctx context.Context, cfg Config) Result {
	res, err := r.runCommand(ctx, cfg.Command)
	if err != nil {
		return failedf(nil, "running coverage: %v", err)
	}

	pct, found := ParseCoverage(res.Stdout + "\n" + res.Stderr)
	details := map[string]any{
		"exit_code":    res.ExitCode,
		"coverage":     pct,
		"min_coverage": cfg.MinCoverage,
	}
	if !found {
		return failedf(details, "no coverage percentage found in output")
	}
	if pct < cfg.MinCoverage {
		return failedf(details, "coverage %.1f%% below minimum %.1f%%", pct, cfg.MinCoverage)
	}
	return passed(details)
}

// buildSuccess runs the build command; the exit code must be zero and any
// named artifacts must exist afterwards.
func (r *Runner) buildSuccess(ctx context.Context, cfg Config) Result {
	res, err := r.runCommand(ctx, cfg.Command)
	if err != nil {
		return failedf(nil, "running build: %v", err)
	}

	details := map[string]any{"exit_code": res.ExitCode}
	if res.ExitCode != 0 {
		return failedf(details, "build command exited %d", res.ExitCode)
	}

	var missing []string
	for _, artifact := range cfg.Artifacts {
		if _, err := os.Stat(r.resolvePath(artifact)); err != nil {
			missing = append(missing, artifact)
		}
	}
	if len(missing) > 0 {
		details["missing_artifacts"] = missing
		return failedf(details, "build artifacts missing: %v", missing)
	}
	return passed(details)
}

// lintPass runs the lint command; any parsed errors fail, and warnings above
// max_warnings fail.
func (r *Runner) lintPass(ctx context.Context, cfg Config) Result {
	res, err := r.runCommand(ctx, cfg.Command)
	if err != nil {
		return failedf(nil, "running lint: %v", err)
	}

	counts := ParseLintCounts(res.Stdout + "\n" + res.Stderr)
	details := map[string]any{
		"exit_code":    res.ExitCode,
		"errors":       counts.Errors,
		"warnings":     counts.Warnings,
		"max_warnings": cfg.MaxWarnings,
	}
	if counts.Errors > 0 {
		return failedf(details, "lint reported %d errors", counts.Errors)
	}
	if counts.Warnings > cfg.MaxWarnings {
		return failedf(details, "lint reported %d warnings (max allowed %d)",
			counts.Warnings, cfg.MaxWarnings)
	}
	if res.ExitCode != 0 {
		return failedf(details, "lint command exited %d", res.ExitCode)
	}
	return passed(details)
}

// custom runs an arbitrary command and compares its exit code to
// expect_exit_code (default 0).
func (r *Runner) custom(ctx context.Context, cfg Config) Result {
	res, err := r.runCommand(ctx, cfg.Command)
	if err != nil {
		return failedf(nil, "running command: %v", err)
	}

	want := 0
	if cfg.ExpectExitCode != nil {
		want = *cfg.ExpectExitCode
	}
	details := map[string]any{"exit_code": res.ExitCode, "expected": want}
	if res.ExitCode != want {
		return failedf(details, "command exited %d, expected %d", res.ExitCode, want)
	}
	return passed(details)
}

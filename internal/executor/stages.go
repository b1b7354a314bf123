package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/agent"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/factory"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/run"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/verify"
)

// Story markers counted in plan files.
var (
	reUncheckedStory = regexp.MustCompile(`(?m)^\s*[-*]\s*\[ \]`)
	reCheckedStory   = regexp.MustCompile(`(?m)^\s*[-*]\s*\[[xX]\]`)
)

// rePRDNumber extracts the number from prd-<n>* file names.
var rePRDNumber = regexp.MustCompile(`^prd-(\d+)`)

// agentInvocation builds the subprocess invocation for a ralph agent
// sub-command: ralph binary lookup, --headless, optional --model from the
// configured agent, RALPH_ROOT in the environment, and the stage's log
// mirror and timeout.
func (e *Executor) agentInvocation(s *factory.Stage, role string, positional ...string) agent.Invocation {
	bin, baseArgs := agent.RalphCommand(e.runCtx.ProjectRoot)
	args := append(baseArgs, role)
	args = append(args, positional...)
	args = append(args, "--headless")

	agentID := e.f.AgentFor(role)
	settings := e.settings.AgentFor(agentID)
	if settings.Model != "" {
		args = append(args, "--model="+settings.Model)
	}
	args = append(args, settings.Args...)

	inv := agent.Invocation{
		Command: bin,
		Args:    args,
		Dir:     e.runCtx.ProjectRoot,
		Env:     []string{"RALPH_ROOT=" + e.runCtx.ProjectRoot},
		Timeout: time.Duration(s.Timeout()) * time.Millisecond,
	}
	if e.runCtx.RunDir != "" {
		if _, err := run.EnsureStageDir(e.runCtx.RunDir, s.ID); err == nil {
			inv.LogPath = run.StageOutputLog(e.runCtx.RunDir, s.ID)
		}
	}
	return inv
}

// executePRD drafts a product requirements document: write the request
// payload to the stage directory, allocate the next PRD number, and invoke
// the prd agent with the number injected via PRD_NUMBER.
func (e *Executor) executePRD(ctx context.Context, s *factory.Stage, scope map[string]any) (map[string]any, error) {
	request := factory.ResolveTemplate(s.Input["request"], scope)
	if request == "" {
		return nil, fmt.Errorf("executor: prd stage %s has no request input", s.ID)
	}

	if e.runCtx.RunDir != "" {
		if _, err := run.EnsureStageDir(e.runCtx.RunDir, s.ID); err != nil {
			return nil, err
		}
		reqPath := run.StageRequestFile(e.runCtx.RunDir, s.ID)
		if err := os.WriteFile(reqPath, []byte(request), 0o644); err != nil {
			return nil, fmt.Errorf("executor: writing request for %s: %w", s.ID, err)
		}
	}

	prdNumber, err := nextPRDNumber(e.runCtx.ProjectRoot)
	if err != nil {
		return nil, err
	}

	inv := e.agentInvocation(s, "prd", request)
	inv.Env = append(inv.Env, fmt.Sprintf("PRD_NUMBER=%d", prdNumber))

	res, err := e.procs.Run(ctx, inv)
	if err != nil {
		return nil, err
	}
	e.emit(EventOutput, s.ID, truncateOutput(res.Stdout), nil)

	return map[string]any{
		"prd_number": prdNumber,
		"prd_path":   prdPath(e.runCtx.ProjectRoot, prdNumber),
		"request":    request,
		"success":    res.Success(),
		"stdout":     truncateOutput(res.Stdout),
		"stderr":     truncateOutput(res.Stderr),
	}, nil
}

// executePlan turns a PRD into a story plan and reports how many stories it
// contains.
func (e *Executor) executePlan(ctx context.Context, s *factory.Stage, scope map[string]any) (map[string]any, error) {
	prdNumber, err := e.resolvePRDNumber(s, scope)
	if err != nil {
		return nil, err
	}

	inv := e.agentInvocation(s, "plan", strconv.Itoa(prdNumber))
	res, err := e.procs.Run(ctx, inv)
	if err != nil {
		return nil, err
	}
	e.emit(EventOutput, s.ID, truncateOutput(res.Stdout), nil)

	planFile := planPath(e.runCtx.ProjectRoot, prdNumber)
	stories := countMarkers(planFile, res.Stdout, reUncheckedStory)

	return map[string]any{
		"prd_number":    prdNumber,
		"plan_path":     planFile,
		"stories_count": stories,
		"success":       res.Success(),
		"stdout":        truncateOutput(res.Stdout),
		"stderr":        truncateOutput(res.Stderr),
	}, nil
}

// executeBuild runs the build agent for the configured iteration count,
// stopping early on a failed iteration, and reports completed stories.
func (e *Executor) executeBuild(ctx context.Context, s *factory.Stage, scope map[string]any) (map[string]any, error) {
	prdNumber, err := e.resolvePRDNumber(s, scope)
	if err != nil {
		return nil, err
	}

	iterations := 0
	success := true
	var lastRes *agent.Result
	for i := 0; i < s.Config.Iterations; i++ {
		if ctx.Err() != nil {
			success = false
			break
		}
		inv := e.agentInvocation(s, "build", strconv.Itoa(prdNumber))
		res, err := e.procs.Run(ctx, inv)
		if err != nil {
			return nil, err
		}
		iterations++
		lastRes = res
		e.emit(EventOutput, s.ID, truncateOutput(res.Stdout), map[string]any{"iteration": iterations})
		if !res.Success() {
			success = false
			break
		}
	}

	completed := countMarkers(planPath(e.runCtx.ProjectRoot, prdNumber), "", reCheckedStory)
	out := map[string]any{
		"prd_number":        prdNumber,
		"iterations":        iterations,
		"completed_stories": completed,
		"success":           success,
	}
	if lastRes != nil {
		out["stdout"] = truncateOutput(lastRes.Stdout)
		out["stderr"] = truncateOutput(lastRes.Stderr)
	}
	return out, nil
}

// executeCustom runs a shell command template. When the command looks like a
// test runner, its output is fed through the test-count parser.
func (e *Executor) executeCustom(ctx context.Context, s *factory.Stage, scope map[string]any) (map[string]any, error) {
	command := factory.ResolveTemplate(s.Command, scope)

	inv := agent.Invocation{
		Command: command,
		Shell:   true,
		Dir:     e.runCtx.ProjectRoot,
		Timeout: time.Duration(s.Timeout()) * time.Millisecond,
	}
	if e.runCtx.RunDir != "" {
		if _, err := run.EnsureStageDir(e.runCtx.RunDir, s.ID); err == nil {
			inv.LogPath = run.StageOutputLog(e.runCtx.RunDir, s.ID)
		}
	}

	res, err := e.procs.Run(ctx, inv)
	if err != nil {
		return nil, err
	}
	e.emit(EventOutput, s.ID, truncateOutput(res.Stdout), nil)

	out := map[string]any{
		"command":   command,
		"passed":    res.Success(),
		"failed":    !res.Success(),
		"exit_code": res.ExitCode,
		"stdout":    truncateOutput(res.Stdout),
		"stderr":    truncateOutput(res.Stderr),
	}
	if looksLikeTestCommand(command) {
		counts := verify.ParseTestCounts(res.Stdout + "\n" + res.Stderr)
		if counts.Parsed {
			out["test_results"] = map[string]any{
				"passed": counts.Passed,
				"failed": counts.Failed,
				"total":  counts.Total,
			}
			if counts.Failed > 0 {
				out["failures"] = counts.Failed
			}
		}
	}
	if res.TimedOut {
		out["error_summary"] = "command timed out"
	}
	return out, nil
}

// executeNestedFactory recurses into another factory through the injected
// invoker.
func (e *Executor) executeNestedFactory(ctx context.Context, s *factory.Stage) (map[string]any, error) {
	if e.invoke == nil {
		return nil, fmt.Errorf("executor: factory stage %s: no nested-factory invoker configured", s.ID)
	}
	out, err := e.invoke(ctx, s.Factory, e.runCtx.ChildVariables())
	if err != nil {
		return map[string]any{
			"factory": s.Factory,
			"success": false,
			"error":   err.Error(),
		}, nil
	}
	return out, nil
}

// resolvePRDNumber reads the PRD number from the stage input or, failing
// that, from any prior stage output that produced one.
func (e *Executor) resolvePRDNumber(s *factory.Stage, scope map[string]any) (int, error) {
	if raw, ok := s.Input["prd_number"]; ok {
		resolved := factory.ResolveTemplate(raw, scope)
		n, err := strconv.Atoi(strings.TrimSpace(resolved))
		if err != nil {
			return 0, fmt.Errorf("executor: stage %s: prd_number %q is not a number", s.ID, resolved)
		}
		return n, nil
	}
	for _, out := range e.runCtx.Stages {
		if v, ok := out["prd_number"]; ok {
			return toInt(v), nil
		}
	}
	return 0, fmt.Errorf("executor: stage %s: no prd_number in inputs or prior stage outputs", s.ID)
}

// nextPRDNumber allocates the next monotonically increasing project-scoped
// PRD number by scanning the prds directory.
func nextPRDNumber(root string) (int, error) {
	dir := filepath.Join(root, "prds")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("executor: creating prds dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("executor: listing prds: %w", err)
	}
	max := 0
	for _, entry := range entries {
		m := rePRDNumber.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func prdPath(root string, n int) string {
	return filepath.Join(root, "prds", fmt.Sprintf("prd-%d.md", n))
}

func planPath(root string, n int) string {
	return filepath.Join(root, "prds", fmt.Sprintf("prd-%d-plan.md", n))
}

// countMarkers counts pattern matches in the named file, falling back to the
// provided output text when the file does not exist.
func countMarkers(path, fallback string, re *regexp.Regexp) int {
	if data, err := os.ReadFile(path); err == nil {
		return len(re.FindAllIndex(data, -1))
	}
	return len(re.FindAllString(fallback, -1))
}

// looksLikeTestCommand reports whether a shell command mentions a known test
// runner.
func looksLikeTestCommand(command string) bool {
	lower := strings.ToLower(command)
	for _, runner := range []string{"test", "jest", "vitest", "mocha", "tap", "pytest", "spec"} {
		if strings.Contains(lower, runner) {
			return true
		}
	}
	return false
}

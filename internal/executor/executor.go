// Package executor runs stages against their inputs: it dispatches on stage
// type, invokes agent subprocesses and shells, applies the success policy,
// and gates claimed success through verification. It also provides the
// imperative whole-factory drivers (sequential with loop rewinding, and
// level-parallel).
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/agent"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/config"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/factory"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/git"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/logging"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/run"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/verify"
)

// FactoryInvoker recursively executes a nested factory by name with the
// given inherited variables and returns the factory-stage output payload.
// Injected by the orchestration layer to keep the recursion direction
// one-way.
type FactoryInvoker func(ctx context.Context, name string, variables map[string]any) (map[string]any, error)

// Executor runs the stages of one factory against one run context.
type Executor struct {
	f        *factory.Factory
	runCtx   *run.Context
	procs    *agent.Runner
	settings *config.Settings
	gitc     *git.Client
	events   chan<- Event
	invoke   FactoryInvoker

	continueOnFailure bool
	logger            *log.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithEvents attaches the progress event channel.
func WithEvents(ch chan<- Event) Option {
	return func(e *Executor) { e.events = ch }
}

// WithContinueOnFailure keeps the factory running past failed stages.
func WithContinueOnFailure(v bool) Option {
	return func(e *Executor) { e.continueOnFailure = v }
}

// WithSettings supplies the ralph.toml agent settings.
func WithSettings(s *config.Settings) Option {
	return func(e *Executor) { e.settings = s }
}

// WithProcs shares a subprocess runner across executor and verifier.
func WithProcs(p *agent.Runner) Option {
	return func(e *Executor) { e.procs = p }
}

// WithGit supplies the git client for verification evidence.
func WithGit(c *git.Client) Option {
	return func(e *Executor) { e.gitc = c }
}

// WithFactoryInvoker installs the nested-factory recursion callback.
func WithFactoryInvoker(fn FactoryInvoker) Option {
	return func(e *Executor) { e.invoke = fn }
}

// New creates an executor for a factory and its run context.
func New(f *factory.Factory, runCtx *run.Context, opts ...Option) *Executor {
	e := &Executor{
		f:        f,
		runCtx:   runCtx,
		settings: config.Default(),
		logger:   logging.New("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.procs == nil {
		e.procs = agent.NewRunner()
	}
	return e
}

// Procs exposes the subprocess runner so a stop request can terminate every
// tracked process.
func (e *Executor) Procs() *agent.Runner { return e.procs }

// ExecuteStage runs one stage to a terminal result. It does not mutate the
// run context; the driver commits the result at a group boundary.
func (e *Executor) ExecuteStage(ctx context.Context, s *factory.Stage) *run.StageResult {
	res := &run.StageResult{
		StageID:   s.ID,
		StartedAt: time.Now(),
	}
	finish := func() *run.StageResult {
		res.CompletedAt = time.Now()
		res.Duration = res.CompletedAt.Sub(res.StartedAt)
		return res
	}

	scope := e.runCtx.Scope()

	// Condition gate.
	if s.Condition != "" {
		ok, err := factory.EvaluateCondition(s.Condition, scope)
		if err != nil {
			// Ill-typed condition: logged, treated as false.
			e.logger.Warn("condition evaluation failed; treating as false",
				"stage", s.ID, "condition", s.Condition, "err", err)
			ok = false
		}
		if !ok {
			res.Status = run.StatusSkipped
			res.Error = "condition_not_met"
			e.logger.Info("stage skipped", "stage", s.ID, "reason", "condition not met")
			e.emit(EventStageSkipped, s.ID, "condition not met", nil)
			return finish()
		}
	}

	e.logger.Info("stage started", "stage", s.ID, "type", s.Type)
	e.emit(EventStageStarted, s.ID, "", map[string]any{"type": string(s.Type)})
	res.Status = run.StatusRunning

	output, execErr := e.dispatch(ctx, s, scope)
	if output == nil {
		output = map[string]any{}
	}
	res.Output = output

	success := execErr == nil && StageSuccess(output)

	// Verification gate: independent evidence overrides claimed success.
	if success && s.HasVerification() {
		e.emit(EventVerifyStarted, s.ID, "", nil)
		combined := e.verifier().RunAll(ctx, s.Verify)
		res.Verification = combined
		if !combined.Passed() {
			success = false
			execErr = fmt.Errorf("Verification failed: %s", combined.Message)
			e.emit(EventVerifyFailed, s.ID, combined.Message, nil)
		} else {
			e.emit(EventVerifyPassed, s.ID, "", nil)
		}
	}

	if success {
		res.Status = run.StatusCompleted
		e.logger.Info("stage completed", "stage", s.ID, "duration", time.Since(res.StartedAt))
		e.emit(EventStageCompleted, s.ID, "", output)
	} else {
		res.Status = run.StatusFailed
		if execErr != nil {
			res.Error = execErr.Error()
		} else {
			res.Error = failureMessage(output)
		}
		e.logger.Error("stage failed", "stage", s.ID, "err", res.Error)
		e.emit(EventStageFailed, s.ID, res.Error, output)
	}
	return finish()
}

// ExecuteStageWithRetries wraps ExecuteStage with the stage's retry budget:
// a failed execution re-runs up to config.retries additional times. Skips
// and verification-confirmed completions return immediately.
func (e *Executor) ExecuteStageWithRetries(ctx context.Context, s *factory.Stage) *run.StageResult {
	res := e.ExecuteStage(ctx, s)
	for attempt := 0; res.Status == run.StatusFailed && attempt < s.Config.Retries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		e.logger.Info("retrying stage",
			"stage", s.ID, "attempt", attempt+1, "budget", s.Config.Retries)
		res = e.ExecuteStage(ctx, s)
	}
	return res
}

// Commit records a terminal stage result into the run context and persists
// it into the run directory. Drivers call this at group boundaries so
// parallel stages never mutate shared state mid-flight.
func (e *Executor) Commit(res *run.StageResult) error {
	if res.Status == run.StatusCompleted || res.Status == run.StatusFailed {
		e.runCtx.SetStageOutput(res.StageID, res.Output)
	}
	e.runCtx.CurrentStage = res.StageID
	if e.runCtx.RunDir == "" {
		return nil
	}
	if err := run.SaveStageResult(e.runCtx.RunDir, res); err != nil {
		return err
	}
	return e.runCtx.Save()
}

// dispatch routes a stage to its type-specific implementation.
func (e *Executor) dispatch(ctx context.Context, s *factory.Stage, scope map[string]any) (map[string]any, error) {
	switch s.Type {
	case factory.StagePRD:
		return e.executePRD(ctx, s, scope)
	case factory.StagePlan:
		return e.executePlan(ctx, s, scope)
	case factory.StageBuild:
		return e.executeBuild(ctx, s, scope)
	case factory.StageCustom:
		return e.executeCustom(ctx, s, scope)
	case factory.StageFactory:
		return e.executeNestedFactory(ctx, s)
	default:
		return nil, fmt.Errorf("executor: unknown stage type %q", s.Type)
	}
}

// verifier builds a verification runner bound to this run: same process
// registry, run-start timestamp, and template scope.
func (e *Executor) verifier() *verify.Runner {
	scope := e.runCtx.Scope()
	opts := []verify.Option{
		verify.WithProcs(e.procs),
		verify.WithRunStart(e.runCtx.StartedAt),
		verify.WithResolver(func(s string) string {
			return factory.ResolveTemplate(s, scope)
		}),
	}
	if e.gitc != nil {
		opts = append(opts, verify.WithGit(e.gitc))
	}
	return verify.NewRunner(e.runCtx.ProjectRoot, opts...)
}

// StageSuccess applies the ordered success policy to a stage output payload:
// an explicit success field wins; then passed/failed booleans; then a
// non-zero exit_code means failure. An empty payload counts as success.
func StageSuccess(output map[string]any) bool {
	if v, ok := output["success"].(bool); ok {
		return v
	}
	if v, ok := output["passed"].(bool); ok && v {
		return true
	}
	if v, ok := output["failed"].(bool); ok && v {
		return false
	}
	if v, ok := output["exit_code"]; ok {
		return toInt(v) == 0
	}
	return true
}

// failureMessage summarises why the success policy rejected an output.
func failureMessage(output map[string]any) string {
	if v, ok := output["error"].(string); ok && v != "" {
		return v
	}
	if v, ok := output["exit_code"]; ok && toInt(v) != 0 {
		return fmt.Sprintf("exit code %d", toInt(v))
	}
	return "stage reported failure"
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

// maxOutputLines bounds the stdout/stderr stored in stage payloads; the full
// stream is still mirrored to the stage's output.log.
const maxOutputLines = 512

// truncateOutput keeps the head and tail of very long output with an elision
// marker in between.
func truncateOutput(s string) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxOutputLines {
		return s
	}
	head := lines[:maxOutputLines/2]
	tail := lines[len(lines)-maxOutputLines/2:]
	elided := len(lines) - len(head) - len(tail)
	var b strings.Builder
	b.WriteString(strings.Join(head, "\n"))
	fmt.Fprintf(&b, "\n... [%d lines elided] ...\n", elided)
	b.WriteString(strings.Join(tail, "\n"))
	return b.String()
}

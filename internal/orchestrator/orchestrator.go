// Package orchestrator is the state-machine execution driver: a factory
// machine governs the run lifecycle while one stage machine per stage tracks
// readiness, execution, verification, retries, and loop rewinds. It shares
// the stage executor, verifier, and checkpoint store with the imperative
// driver, so both produce the same artifacts.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/checkpoint"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/executor"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/factory"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/fsm"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/git"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/logging"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/run"
)

// Orchestrator drives one factory run through its state machines.
type Orchestrator struct {
	f      *factory.Factory
	runCtx *run.Context
	exec   *executor.Executor
	gitc   *git.Client

	factoryM *fsm.Machine
	stages   map[string]*fsm.Machine
	order    []string
	index    map[string]int

	continueOnFailure bool
	execOpts          []executor.Option
	logger            *log.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithContinueOnFailure keeps the run going past failed stages; the factory
// machine's ANY_FAILED guard absorbs failures until the terminal resolution.
func WithContinueOnFailure(v bool) Option {
	return func(o *Orchestrator) { o.continueOnFailure = v }
}

// WithGit supplies the git client used for verification evidence and
// checkpoint commit stamps.
func WithGit(c *git.Client) Option {
	return func(o *Orchestrator) { o.gitc = c }
}

// WithExecutorOptions forwards options to the underlying stage executor.
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(o *Orchestrator) { o.execOpts = append(o.execOpts, opts...) }
}

// New builds an orchestrator with fresh machines for every stage.
func New(f *factory.Factory, runCtx *run.Context, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		f:      f,
		runCtx: runCtx,
		stages: make(map[string]*fsm.Machine, len(f.Stages)),
		logger: logging.New("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}

	order, err := executor.DefinitionOrder(f)
	if err != nil {
		return nil, err
	}
	o.order = order
	o.index = make(map[string]int, len(order))
	for i, id := range order {
		o.index[id] = i
	}

	maxLoops := f.MaxRecursion()
	for _, s := range f.Stages {
		o.stages[s.ID] = fsm.NewStageMachine(s.ID, s.HasVerification(), s.Config.Retries, maxLoops)
	}
	o.factoryM = fsm.NewFactoryMachine(f.Name, o.continueOnFailure)

	execOpts := o.execOpts
	if o.gitc != nil {
		execOpts = append(execOpts, executor.WithGit(o.gitc))
	}
	o.exec = executor.New(f, runCtx, execOpts...)
	return o, nil
}

// FactoryState returns the current run-level state.
func (o *Orchestrator) FactoryState() fsm.State { return o.factoryM.State() }

// StageState returns the current state of one stage machine.
func (o *Orchestrator) StageState(id string) fsm.State {
	if m, ok := o.stages[id]; ok {
		return m.State()
	}
	return ""
}

// Stop terminates every tracked subprocess and halts the run loop. Safe to
// call from another goroutine.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	cancel := o.cancel
	o.mu.Unlock()
	o.exec.Procs().StopAll()
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// Run executes the factory to a terminal state and returns the run summary.
func (o *Orchestrator) Run(ctx context.Context) (*run.State, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	if o.factoryM.State() == fsm.FactoryIdle {
		o.factoryM.Send(fsm.EventStart, nil)
	}
	o.logger.Info("run started", "factory", o.f.Name, "run", o.runCtx.RunID, "stages", len(o.order))

	for {
		if ctx.Err() != nil || o.isStopped() {
			o.factoryM.Send(fsm.EventStop, nil)
			break
		}
		if err := o.propagateDeps(); err != nil {
			return nil, err
		}
		ready := o.readyStages()
		if len(ready) == 0 {
			break
		}
		for _, id := range ready {
			if err := o.runStage(ctx, id); err != nil {
				return nil, err
			}
			if o.factoryM.InTerminal() {
				break
			}
		}
		if o.factoryM.InTerminal() {
			break
		}
	}
	return o.finish()
}

// propagateDeps advances pending stages whose dependencies reached a terminal
// state: completed dependencies make the stage ready, failed or skipped ones
// skip it. Stages already READY or LOOPING are re-checked too: a loop rewind
// can fail a dependency after the stage became eligible.
func (o *Orchestrator) propagateDeps() error {
	for _, id := range o.order {
		m := o.stages[id]
		st := m.State()
		if st != fsm.StagePending && st != fsm.StageReady && st != fsm.StageLooping {
			continue
		}
		s := o.f.StageByID(id)
		allTerminal := true
		blocked := false
		for _, dep := range s.DependsOn {
			switch o.stages[dep].State() {
			case fsm.StageCompleted:
			case fsm.StageFailed, fsm.StageSkipped:
				blocked = true
			default:
				allTerminal = false
			}
		}
		if !allTerminal {
			continue
		}
		if blocked {
			switch st {
			case fsm.StagePending:
				m.Send(fsm.EventDepsFailed, nil)
			case fsm.StageReady:
				m.Send(fsm.EventSkip, nil)
			case fsm.StageLooping:
				// LOOPING has no skip edge; a fresh machine records the
				// skip from PENDING.
				m = fsm.NewStageMachine(id, s.HasVerification(), s.Config.Retries, o.f.MaxRecursion())
				o.stages[id] = m
				m.Send(fsm.EventDepsFailed, nil)
			}
			res := &run.StageResult{
				StageID:     id,
				Status:      run.StatusSkipped,
				Error:       "dependency_failed",
				StartedAt:   time.Now(),
				CompletedAt: time.Now(),
			}
			o.logger.Info("stage skipped", "stage", id, "reason", "dependency failed")
			if err := o.exec.Commit(res); err != nil {
				return err
			}
			o.saveCheckpoint()
			continue
		}
		if st == fsm.StagePending {
			m.Send(fsm.EventDepsMet, nil)
		}
	}
	return nil
}

// readyStages returns stages eligible to execute now: READY or LOOPING, with
// every dependency completed. The dependency re-check matters after a loop
// rewind, when a READY stage's dependencies may be looping again.
func (o *Orchestrator) readyStages() []string {
	var ready []string
	for _, id := range o.order {
		st := o.stages[id].State()
		if st != fsm.StageReady && st != fsm.StageLooping {
			continue
		}
		ok := true
		for _, dep := range o.f.StageByID(id).DependsOn {
			if o.stages[dep].State() != fsm.StageCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// runStage drives one stage machine through execution, verification, the
// retry budget, and loop rewinds, then checkpoints.
func (o *Orchestrator) runStage(ctx context.Context, id string) error {
	sm := o.stages[id]
	s := o.f.StageByID(id)

	// Condition gate ahead of EXECUTE so the machine records the skip as a
	// transition rather than a phantom execution.
	if s.Condition != "" {
		ok, err := factory.EvaluateCondition(s.Condition, o.runCtx.Scope())
		if err != nil {
			o.logger.Warn("condition evaluation failed; treating as false",
				"stage", id, "condition", s.Condition, "err", err)
			ok = false
		}
		if !ok {
			if sm.Can(fsm.EventConditionFalse) {
				sm.Send(fsm.EventConditionFalse, nil)
			} else {
				// A looping stage has no skip edge; a fresh machine records
				// the skip from PENDING so machine state matches the result.
				sm = fsm.NewStageMachine(id, s.HasVerification(), s.Config.Retries, o.f.MaxRecursion())
				o.stages[id] = sm
				sm.Send(fsm.EventConditionFalse, nil)
			}
			res := &run.StageResult{
				StageID:     id,
				Status:      run.StatusSkipped,
				Error:       "condition_not_met",
				StartedAt:   time.Now(),
				CompletedAt: time.Now(),
			}
			o.logger.Info("stage skipped", "stage", id, "reason", "condition not met")
			if err := o.exec.Commit(res); err != nil {
				return err
			}
			o.saveCheckpoint()
			return nil
		}
	}

	sm.Send(fsm.EventExecute, nil)

	var res *run.StageResult
	looped := false
	for {
		res = o.exec.ExecuteStage(ctx, s)

		if res.Status == run.StatusCompleted || res.Status == run.StatusSkipped {
			o.completeMachine(sm)
			break
		}

		// Verification rejected the stage's claimed success.
		if res.Verification != nil && !res.Verification.Passed() {
			sm.Send(fsm.EventExecSuccess, nil)
			if s.LoopTo != "" && o.runCtx.RecursionCount < o.f.MaxRecursion() && sm.Can(fsm.EventLoop) {
				sm.Send(fsm.EventLoop, nil)
				looped = true
			} else {
				sm.Send(fsm.EventVerifyFail, nil)
				sm.Set(fsm.KeyError, res.Error)
			}
			break
		}

		sm.Send(fsm.EventExecFailed, nil)
		if sm.State() == fsm.StageRetrying && ctx.Err() == nil {
			o.logger.Info("retrying stage", "stage", id,
				"attempt", sm.GetInt(fsm.KeyRetryCount), "budget", s.Config.Retries)
			sm.Send(fsm.EventRetry, nil)
			continue
		}
		if sm.State() != fsm.StageFailed {
			sm.Send(fsm.EventExecFailed, nil)
		}
		sm.Set(fsm.KeyError, res.Error)
		break
	}

	if err := o.exec.Commit(res); err != nil {
		return err
	}

	// Completed stage with a loop_to target rewinds, bounded by max_recursion.
	if !looped && sm.State() == fsm.StageCompleted && s.LoopTo != "" &&
		o.runCtx.RecursionCount < o.f.MaxRecursion() && sm.Can(fsm.EventLoop) {
		sm.Send(fsm.EventLoop, nil)
		looped = true
	}
	if looped {
		o.rewind(id, s.LoopTo)
	}

	o.saveCheckpoint()

	if sm.State() == fsm.StageFailed {
		// The guard absorbs this when continue-on-failure is set.
		o.factoryM.Send(fsm.EventAnyFailed, nil)
	}
	return nil
}

// completeMachine walks a machine from EXECUTING to COMPLETED, passing
// through VERIFYING when the stage carries verifiers that already passed.
func (o *Orchestrator) completeMachine(sm *fsm.Machine) {
	sm.Send(fsm.EventExecSuccess, nil)
	if sm.State() == fsm.StageVerifying {
		sm.Send(fsm.EventVerifyPass, nil)
	}
}

// rewind resets every stage between the loop target (inclusive) and the
// looping stage (exclusive) so they run again. Completed stages loop through
// their own machines; failed or skipped ones get fresh machines because
// their terminal states have no loop edge.
func (o *Orchestrator) rewind(fromID, targetID string) {
	o.runCtx.RecursionCount++
	o.logger.Info("looping", "stage", fromID, "target", targetID,
		"iteration", o.runCtx.RecursionCount, "bound", o.f.MaxRecursion())

	target := o.index[targetID]
	from := o.index[fromID]
	maxLoops := o.f.MaxRecursion()
	for _, id := range o.order[target:from] {
		m := o.stages[id]
		switch {
		case m.Can(fsm.EventLoop):
			m.Send(fsm.EventLoop, nil)
		case m.State() == fsm.StageFailed || m.State() == fsm.StageSkipped:
			s := o.f.StageByID(id)
			o.stages[id] = fsm.NewStageMachine(id, s.HasVerification(), s.Config.Retries, maxLoops)
		}
	}
}

// finish resolves the factory machine's terminal event and persists the run
// summary.
func (o *Orchestrator) finish() (*run.State, error) {
	failed := o.stagesIn(fsm.StageFailed)
	if !o.factoryM.InTerminal() {
		if len(failed) > 0 {
			// Deferred failures resolve the run now regardless of the
			// continue-on-failure guard.
			o.factoryM.Set(fsm.KeyContinueOnFailure, false)
			o.factoryM.Send(fsm.EventAnyFailed, nil)
		} else {
			o.factoryM.Send(fsm.EventAllCompleted, nil)
		}
	}

	st := &run.State{
		RunID:           o.runCtx.RunID,
		Factory:         o.f.Name,
		StartedAt:       o.runCtx.StartedAt,
		EndedAt:         time.Now(),
		CompletedStages: o.stagesIn(fsm.StageCompleted),
		FailedStages:    failed,
		SkippedStages:   o.stagesIn(fsm.StageSkipped),
		RecursionCount:  o.runCtx.RecursionCount,
	}
	switch o.factoryM.State() {
	case fsm.FactoryCompleted:
		st.Status = "completed"
	case fsm.FactoryStopped:
		st.Status = "stopped"
	default:
		st.Status = "failed"
		st.Error = fmt.Sprintf("stages failed: %s", strings.Join(failed, ", "))
	}

	if o.runCtx.RunDir != "" {
		o.saveCheckpoint()
		if err := run.SaveState(o.runCtx.RunDir, st); err != nil {
			return st, err
		}
	}
	if st.Status == "completed" {
		o.logger.Info("factory completed", "factory", o.f.Name,
			"stages", len(st.CompletedStages), "skipped", len(st.SkippedStages))
	} else {
		o.logger.Error("factory did not complete",
			"factory", o.f.Name, "status", st.Status, "failed", failed)
	}
	return st, nil
}

// stagesIn lists stages currently in the given machine state, in execution
// order.
func (o *Orchestrator) stagesIn(state fsm.State) []string {
	ids := []string{}
	for _, id := range o.order {
		if o.stages[id].State() == state {
			ids = append(ids, id)
		}
	}
	return ids
}

// saveCheckpoint writes a 2.0 checkpoint carrying every machine snapshot. A
// failed write costs resumability, not the run, so it is logged rather than
// propagated.
func (o *Orchestrator) saveCheckpoint() {
	if o.runCtx.RunDir == "" {
		return
	}
	snaps := make(map[string]fsm.Snapshot, len(o.stages))
	for id, m := range o.stages {
		snaps[id] = m.Snapshot()
	}
	cp := &checkpoint.Checkpoint{
		Version:         checkpoint.VersionFSM,
		RunID:           o.runCtx.RunID,
		FactoryName:     o.f.Name,
		CurrentStage:    o.runCtx.CurrentStage,
		CompletedStages: o.stagesIn(fsm.StageCompleted),
		FailedStages:    o.stagesIn(fsm.StageFailed),
		SkippedStages:   o.stagesIn(fsm.StageSkipped),
		RecursionCount:  o.runCtx.RecursionCount,
		ContextHash:     checkpoint.ContextHash(o.runCtx.Variables, o.f.StageIDs()),
		FSMState: &checkpoint.FSMState{
			Factory: o.factoryM.Snapshot(),
			Stages:  snaps,
		},
	}
	if o.gitc != nil {
		if head, err := o.gitc.HeadCommit(context.Background()); err == nil {
			cp.GitCommit = head
		}
	}
	if _, err := checkpoint.Save(o.runCtx.RunDir, cp); err != nil {
		o.logger.Warn("checkpoint save failed", "err", err)
	}
}

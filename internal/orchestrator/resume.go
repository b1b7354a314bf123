package orchestrator

import (
	"context"
	"fmt"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/checkpoint"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/factory"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/fsm"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/run"
)

// Resume rebuilds an orchestrator from a run directory's checkpoint and
// context, restoring machine state so completed stages do not execute again.
// Legacy 1.0 checkpoints are migrated: machines are reconstructed from the
// stage lists with fresh retry budgets.
func Resume(ctx context.Context, f *factory.Factory, runDir string, opts ...Option) (*Orchestrator, error) {
	cp, err := checkpoint.Load(runDir)
	if err != nil {
		return nil, err
	}

	runCtx, err := run.LoadContext(runDir)
	if err != nil {
		return nil, err
	}

	o, err := New(f, runCtx, opts...)
	if err != nil {
		return nil, err
	}

	var head string
	if o.gitc != nil {
		head, _ = o.gitc.HeadCommit(ctx)
	}
	valid, warnings := checkpoint.Validate(cp, f, head)
	for _, w := range warnings {
		o.logger.Warn("checkpoint validation", "warning", w)
	}
	if !valid {
		return nil, fmt.Errorf("orchestrator: checkpoint does not match factory %q", f.Name)
	}

	if cp.IsLegacy() {
		cp = checkpoint.MigrateLegacy(cp)
	}

	if cp.FSMState != nil {
		o.factoryM.Restore(cp.FSMState.Factory)
		for id, snap := range cp.FSMState.Stages {
			if m, ok := o.stages[id]; ok {
				m.Restore(snap)
			}
		}
		o.resetInFlight()
	} else {
		o.restoreFromLists(cp)
	}
	runCtx.RecursionCount = cp.RecursionCount
	// The continue-on-failure policy is a per-invocation choice, not part of
	// the restored snapshot.
	o.factoryM.Set(fsm.KeyContinueOnFailure, o.continueOnFailure)

	switch o.factoryM.State() {
	case fsm.FactoryFailed, fsm.FactoryStopped:
		o.factoryM.Send(fsm.EventResume, nil)
	case fsm.FactoryIdle:
		o.factoryM.Send(fsm.EventStart, nil)
	}

	o.logger.Info("resuming run",
		"factory", f.Name, "run", runCtx.RunID,
		"completed", len(cp.CompletedStages), "failed", len(cp.FailedStages))
	return o, nil
}

// resetInFlight restarts stages that cannot make progress from their
// snapshotted state: machines the previous process died inside of, and
// failed stages, which stay eligible for retry on resume. Each gets a fresh
// machine with a full retry budget.
func (o *Orchestrator) resetInFlight() {
	for id, m := range o.stages {
		switch m.State() {
		case fsm.StageExecuting, fsm.StageVerifying, fsm.StageRetrying, fsm.StageFailed:
			s := o.f.StageByID(id)
			o.logger.Info("restarting stage on resume", "stage", id, "state", m.State())
			o.stages[id] = fsm.NewStageMachine(id, s.HasVerification(), s.Config.Retries, o.f.MaxRecursion())
		}
	}
}

// restoreFromLists reconstructs stage machines from a migrated legacy
// checkpoint: terminal stages get synthetic snapshots in their recorded
// states, everything else starts over with a full retry budget.
func (o *Orchestrator) restoreFromLists(cp *checkpoint.Checkpoint) {
	place := func(ids []string, state fsm.State) {
		for _, id := range ids {
			m, ok := o.stages[id]
			if !ok {
				continue
			}
			s := o.f.StageByID(id)
			m.Restore(fsm.Snapshot{
				Name:  id,
				State: state,
				Data: map[string]any{
					fsm.KeyHasVerification: s.HasVerification(),
					fsm.KeyRetriesLeft:     s.Config.Retries,
					fsm.KeyRetryCount:      0,
					fsm.KeyLoopCount:       0,
					fsm.KeyMaxLoops:        o.f.MaxRecursion(),
				},
			})
		}
	}
	place(cp.CompletedStages, fsm.StageCompleted)
	place(cp.SkippedStages, fsm.StageSkipped)
	// Failed stages stay eligible: they restart as PENDING machines, which is
	// their initial state already.
}

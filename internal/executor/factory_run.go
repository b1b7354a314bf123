package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/checkpoint"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/factory"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/run"
	"github.com/AskTinNguyen/ralph-cli-sub009/internal/schedule"
)

// progress accumulates terminal stage outcomes for the run summary.
type progress struct {
	completed []string
	failed    []string
	skipped   []string
}

func (p *progress) record(res *run.StageResult) {
	switch res.Status {
	case run.StatusCompleted:
		p.completed = append(p.completed, res.StageID)
	case run.StatusFailed:
		p.failed = append(p.failed, res.StageID)
	case run.StatusSkipped:
		p.skipped = append(p.skipped, res.StageID)
	}
}

// forget drops a stage from every terminal set so a loop rewind can run it
// again.
func (p *progress) forget(stageID string) {
	drop := func(set []string) []string {
		for i, id := range set {
			if id == stageID {
				return append(set[:i], set[i+1:]...)
			}
		}
		return set
	}
	p.completed = drop(p.completed)
	p.failed = drop(p.failed)
	p.skipped = drop(p.skipped)
}

func (p *progress) isTerminal(stageID string) bool {
	for _, set := range [][]string{p.completed, p.failed, p.skipped} {
		for _, id := range set {
			if id == stageID {
				return true
			}
		}
	}
	return false
}

func (p *progress) depsSatisfied(s *factory.Stage) (ok bool, blocked bool) {
	for _, dep := range s.DependsOn {
		if !p.isTerminal(dep) {
			return false, false
		}
	}
	for _, dep := range s.DependsOn {
		for _, id := range append(append([]string{}, p.failed...), p.skipped...) {
			if id == dep {
				return false, true
			}
		}
	}
	return true, false
}

// ExecuteFactory runs the factory sequentially in topological order with
// loop_to rewinding, checkpointing after every stage, and returns the run
// summary. Failed stages stop the run unless continue-on-failure is set;
// stages whose dependencies failed or were skipped are skipped.
func (e *Executor) ExecuteFactory(ctx context.Context) (*run.State, error) {
	if _, err := schedule.BuildGraph(e.f.Stages); err != nil {
		return nil, err
	}
	order, err := DefinitionOrder(e.f)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(order))
	for i, id := range order {
		index[id] = i
	}

	var prog progress
	maxLoops := e.f.MaxRecursion()
	stopped := false

	for i := 0; i < len(order); i++ {
		if ctx.Err() != nil {
			stopped = true
			break
		}
		s := e.f.StageByID(order[i])

		if strategy := s.MergeStrategy; strategy == factory.MergeAny || strategy == factory.MergeFirst {
			e.logger.Debug("merge strategy treated as all", "stage", s.ID, "strategy", strategy)
		}

		if _, blocked := prog.depsSatisfied(s); blocked {
			res := &run.StageResult{
				StageID:     s.ID,
				Status:      run.StatusSkipped,
				Error:       "dependency_failed",
				StartedAt:   time.Now(),
				CompletedAt: time.Now(),
			}
			e.logger.Info("stage skipped", "stage", s.ID, "reason", "dependency failed")
			e.emit(EventStageSkipped, s.ID, "dependency failed", nil)
			if err := e.commitAndCheckpoint(res); err != nil {
				return nil, err
			}
			prog.record(res)
			continue
		}

		res := e.ExecuteStageWithRetries(ctx, s)
		if err := e.commitAndCheckpoint(res); err != nil {
			return nil, err
		}
		prog.record(res)

		// Completed stage with a loop_to target behind it rewinds, bounded
		// by max_recursion.
		if res.Status == run.StatusCompleted && s.LoopTo != "" {
			target, ok := index[s.LoopTo]
			if ok && target < i && e.runCtx.RecursionCount < maxLoops {
				e.runCtx.RecursionCount++
				e.logger.Info("looping",
					"stage", s.ID, "target", s.LoopTo,
					"iteration", e.runCtx.RecursionCount, "bound", maxLoops)
				for _, id := range order[target:i] {
					prog.forget(id)
				}
				prog.forget(s.ID)
				i = target - 1
				continue
			}
		}

		if res.Status == run.StatusFailed && !e.continueOnFailure {
			break
		}
	}

	return e.finishRun(&prog, stopped)
}

// ExecuteParallel runs the factory level by level: stages within a level run
// concurrently, results commit at the level boundary. Loop rewinds operate
// at level granularity.
func (e *Executor) ExecuteParallel(ctx context.Context) (*run.State, error) {
	g, err := schedule.BuildGraph(e.f.Stages)
	if err != nil {
		return nil, err
	}
	levels, err := g.ParallelGroups()
	if err != nil {
		return nil, err
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	levelOf := make(map[string]int, len(order))
	for li, level := range levels {
		for _, id := range level {
			levelOf[id] = li
		}
	}

	var prog progress
	maxLoops := e.f.MaxRecursion()
	stopped := false

levels:
	for li := 0; li < len(levels); li++ {
		if ctx.Err() != nil {
			stopped = true
			break
		}

		var (
			mu      sync.Mutex
			results []*run.StageResult
		)
		grp, grpCtx := errgroup.WithContext(ctx)
		for _, id := range levels[li] {
			s := e.f.StageByID(id)

			if _, blocked := prog.depsSatisfied(s); blocked {
				res := &run.StageResult{
					StageID:     s.ID,
					Status:      run.StatusSkipped,
					Error:       "dependency_failed",
					StartedAt:   time.Now(),
					CompletedAt: time.Now(),
				}
				e.emit(EventStageSkipped, s.ID, "dependency failed", nil)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				continue
			}

			grp.Go(func() error {
				res := e.ExecuteStageWithRetries(grpCtx, s)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				return nil
			})
		}
		if err := grp.Wait(); err != nil {
			return nil, err
		}

		// Commit in stage-ID order so reruns produce identical artifacts.
		sort.Slice(results, func(a, b int) bool { return results[a].StageID < results[b].StageID })
		anyFailed := false
		for _, res := range results {
			if err := e.commitAndCheckpoint(res); err != nil {
				return nil, err
			}
			prog.record(res)
			if res.Status == run.StatusFailed {
				anyFailed = true
			}
		}

		for _, res := range results {
			s := e.f.StageByID(res.StageID)
			if res.Status != run.StatusCompleted || s.LoopTo == "" {
				continue
			}
			target, ok := levelOf[s.LoopTo]
			if ok && target <= li && e.runCtx.RecursionCount < maxLoops {
				e.runCtx.RecursionCount++
				e.logger.Info("looping",
					"stage", s.ID, "target", s.LoopTo,
					"iteration", e.runCtx.RecursionCount, "bound", maxLoops)
				for _, level := range levels[target : li+1] {
					for _, id := range level {
						prog.forget(id)
					}
				}
				li = target - 1
				continue levels
			}
		}

		if anyFailed && !e.continueOnFailure {
			break
		}
	}

	return e.finishRun(&prog, stopped)
}

// DefinitionOrder produces a dependency-respecting order that keeps the
// document's stage order among independent stages. Both drivers iterate
// stages in this order so a run produces the same sequence regardless of the
// driver.
func DefinitionOrder(f *factory.Factory) ([]string, error) {
	emitted := make(map[string]bool, len(f.Stages))
	order := make([]string, 0, len(f.Stages))
	for len(order) < len(f.Stages) {
		progressed := false
		for _, s := range f.Stages {
			if emitted[s.ID] {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if !emitted[dep] {
					ready = false
					break
				}
			}
			if ready {
				emitted[s.ID] = true
				order = append(order, s.ID)
				progressed = true
			}
		}
		if !progressed {
			return nil, schedule.ErrCycle
		}
	}
	return order, nil
}

// commitAndCheckpoint commits a terminal stage result and advances the
// checkpoint. A checkpoint write failure costs resumability, not the run, so
// it is logged rather than propagated.
func (e *Executor) commitAndCheckpoint(res *run.StageResult) error {
	if err := e.Commit(res); err != nil {
		return err
	}
	if e.runCtx.RunDir == "" {
		return nil
	}
	if err := checkpoint.UpdateAfterStage(e.runCtx.RunDir, res.StageID, res.Status, e.runCtx, e.f.Name, e.f.StageIDs()); err != nil {
		e.logger.Warn("checkpoint save failed", "stage", res.StageID, "err", err)
	}
	return nil
}

// finishRun assembles the run summary, persists it, and emits the terminal
// factory event.
func (e *Executor) finishRun(prog *progress, stopped bool) (*run.State, error) {
	st := &run.State{
		RunID:           e.runCtx.RunID,
		Factory:         e.f.Name,
		StartedAt:       e.runCtx.StartedAt,
		EndedAt:         time.Now(),
		CompletedStages: append([]string{}, prog.completed...),
		FailedStages:    append([]string{}, prog.failed...),
		SkippedStages:   append([]string{}, prog.skipped...),
		RecursionCount:  e.runCtx.RecursionCount,
	}
	switch {
	case stopped:
		st.Status = "stopped"
	case len(prog.failed) > 0:
		st.Status = "failed"
		st.Error = fmt.Sprintf("stages failed: %s", strings.Join(prog.failed, ", "))
	default:
		st.Status = "completed"
	}

	if e.runCtx.RunDir != "" {
		if err := run.SaveState(e.runCtx.RunDir, st); err != nil {
			return st, err
		}
	}

	if st.Status == "completed" {
		e.logger.Info("factory completed",
			"factory", e.f.Name, "stages", len(prog.completed), "skipped", len(prog.skipped))
		e.emit(EventFactoryDone, "", "", map[string]any{"completed": prog.completed})
	} else {
		e.logger.Error("factory did not complete",
			"factory", e.f.Name, "status", st.Status, "failed", prog.failed)
		e.emit(EventFactoryFailed, "", st.Error, map[string]any{"failed": prog.failed})
	}
	return st, nil
}

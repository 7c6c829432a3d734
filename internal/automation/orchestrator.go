package automation

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Run meta keys.
const (
	metaTraceID        = "trace_id"
	metaActor          = "actor"
	metaDurationMS     = "duration_ms"
	metaStepsContinued = "steps_continued"
	metaStepsSkipped   = "steps_skipped"
)

// processAutomation runs one automation for one signal.
//
// A failed run is reported through the RunResult; the returned error is
// reserved for problems that prevented the automation from being evaluated
// at all (for example an unreachable dedup store).
func (e *Engine) processAutomation(ctx context.Context, a Automation, sig Signal) (RunResult, error) {
	exists, err := e.dedup.exists(ctx, sig.ID, a.Key)
	if err != nil {
		return RunResult{}, fmt.Errorf("checking dedup: %w", err)
	}
	if exists {
		e.logger.Debug("automation already processed for signal",
			"automation_key", a.Key,
			"signal_id", sig.ID,
		)
		return RunResult{
			OK:            true,
			AutomationKey: a.Key,
			Status:        StatusSkipped,
			Reason:        ReasonDedupe,
		}, nil
	}

	run := &Run{
		ID:            GenerateID(),
		AutomationID:  a.ID,
		AutomationKey: a.Key,
		SignalID:      sig.ID,
		SignalType:    sig.Type,
		Status:        StatusRunning,
		StartedAt:     time.Now().UTC(),
		Meta: map[string]any{
			metaTraceID: sig.Metadata[metaTraceID],
			metaActor:   sig.Metadata[metaActor],
		},
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		e.logger.Error("failed to create automation run",
			"automation_key", a.Key,
			"signal_id", sig.ID,
			"error", err,
		)
		return RunResult{
			OK:            false,
			AutomationKey: a.Key,
			Status:        StatusFailed,
			Error:         fmt.Sprintf("creating run: %v", err),
		}, nil
	}

	e.logger.Info("automation run started",
		"run_id", run.ID,
		"automation_key", a.Key,
		"signal_id", sig.ID,
		"steps", len(a.Definition.Steps),
		"parallel", len(a.Definition.ParallelGroups) > 0,
	)
	e.observers.runStarted(*run)

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.runTimeout)
	defer cancel()

	var tally stepTally
	var execErr error
	if len(a.Definition.ParallelGroups) > 0 {
		execErr = e.runParallel(runCtx, run.ID, a.Definition, sig, &tally)
	} else {
		execErr = e.runSequential(runCtx, run.ID, a.Definition.Steps, sig, &tally)
	}

	finished := time.Now().UTC()
	duration := finished.Sub(run.StartedAt).Milliseconds()
	run.FinishedAt = &finished
	run.Meta = finishMeta(run.Meta, duration, tally.continued.Load(), tally.skipped.Load())

	result := RunResult{AutomationKey: a.Key, RunID: run.ID}
	if execErr != nil {
		run.Status = StatusFailed
		run.Error = stringPtr(execErr.Error())
		result.Status = StatusFailed
		result.Error = execErr.Error()
	} else {
		run.Status = StatusSuccess
		result.OK = true
		result.Status = StatusSuccess
	}

	// The run row must reach a terminal state even when ctx was cancelled.
	persistCtx := context.WithoutCancel(ctx)
	if err := e.runs.UpdateRun(persistCtx, run); err != nil {
		e.logger.Error("failed to update automation run",
			"run_id", run.ID,
			"automation_key", a.Key,
			"status", run.Status,
			"error", err,
		)
	}

	if result.OK {
		if err := e.dedup.register(persistCtx, sig.ID, a.Key); err != nil {
			e.logger.Error("failed to register dedup key",
				"run_id", run.ID,
				"automation_key", a.Key,
				"signal_id", sig.ID,
				"error", err,
			)
		}
	}

	logArgs := []any{
		"run_id", run.ID,
		"automation_key", a.Key,
		"signal_id", sig.ID,
		"status", run.Status,
		"duration_ms", duration,
	}
	if execErr != nil {
		e.logger.Warn("automation run failed", append(logArgs, "error", execErr)...)
	} else {
		e.logger.Info("automation run complete", logArgs...)
	}
	e.observers.runFinished(*run)

	return result, nil
}

// runSequential executes steps in array order, stopping at the first error.
func (e *Engine) runSequential(ctx context.Context, runID string, steps []Step, sig Signal, tally *stepTally) error {
	for i, step := range steps {
		if ctx.Err() != nil {
			return runContextErr(ctx)
		}
		if err := e.exec.executeStep(ctx, runID, i, step, sig, tally); err != nil {
			return err
		}
	}
	return nil
}

// runParallel launches every group concurrently and every step of a group
// concurrently, then waits for all of them. Steps not referenced by any
// group are not executed. A per-run semaphore bounds how many steps hold an
// execution slot at once; group goroutines never hold a slot.
//
// The first error to be returned wins; no step is cancelled because a
// sibling failed.
func (e *Engine) runParallel(ctx context.Context, runID string, def Definition, sig Signal, tally *stepTally) error {
	slots := semaphore.NewWeighted(int64(e.cfg.maxConcurrency))

	var groups errgroup.Group
	for _, group := range def.ParallelGroups {
		groups.Go(func() error {
			var steps errgroup.Group
			for _, idx := range group.Steps {
				steps.Go(func() error {
					if idx < 0 || idx >= len(def.Steps) {
						return fmt.Errorf("%w: %d", ErrStepIndexOutOfRange, idx)
					}
					if err := slots.Acquire(ctx, 1); err != nil {
						return runContextErr(ctx)
					}
					defer slots.Release(1)
					return e.exec.executeStep(ctx, runID, idx, def.Steps[idx], sig, tally)
				})
			}
			return steps.Wait()
		})
	}
	return groups.Wait()
}

// finishMeta returns a new meta map so observers holding the start-time map
// never see it change.
func finishMeta(start map[string]any, durationMS, continued, skipped int64) map[string]any {
	meta := make(map[string]any, len(start)+3)
	for k, v := range start {
		meta[k] = v
	}
	meta[metaDurationMS] = durationMS
	meta[metaStepsContinued] = continued
	meta[metaStepsSkipped] = skipped
	return meta
}

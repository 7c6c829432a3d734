package automation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// stepTally counts steps that failed without failing the run.
type stepTally struct {
	continued atomic.Int64
	skipped   atomic.Int64
}

// executor runs a single step: lookup, resolve, validate, persist, invoke.
type executor struct {
	actions     *ActionRegistry
	runs        RunRepository
	stepTimeout time.Duration
	observers   observerSet
	logger      Logger
}

// executeStep executes one step of a run.
//
// It returns nil when the step succeeded or its failure was absorbed by an
// onError policy of continue or skip. Definition errors (unknown action,
// invalid input) and step-creation failures are always returned.
func (x *executor) executeStep(ctx context.Context, runID string, index int, step Step, sig Signal, tally *stepTally) error {
	action, ok := x.actions.Get(step.ActionKey)
	if !ok {
		return fmt.Errorf("step %d: %w: %q", index, ErrActionNotRegistered, step.ActionKey)
	}

	input := ResolveTemplate(step.InputTemplate, sig)
	if err := action.Validate(input); err != nil {
		if !errors.Is(err, ErrInvalidInput) {
			err = fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return fmt.Errorf("step %d (%s): %w", index, step.ActionKey, err)
	}

	row := &RunStep{
		ID:        GenerateID(),
		RunID:     runID,
		StepIndex: index,
		ActionKey: step.ActionKey,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
		Input:     input,
	}
	if err := x.runs.CreateStep(ctx, row); err != nil {
		if ctx.Err() != nil {
			err = runContextErr(ctx)
		}
		return fmt.Errorf("creating step %d: %w", index, err)
	}

	output, handlerErr := x.invoke(ctx, action, deepCopyMap(input))

	finished := time.Now().UTC()
	row.FinishedAt = &finished

	var result error
	switch {
	case handlerErr == nil:
		row.Status = StatusSuccess
		row.Output = output
	case step.Policy() == OnErrorSkip:
		row.Status = StatusSkipped
		row.Error = stringPtr(handlerErr.Error())
		row.Meta = map[string]any{"reason": ReasonOnErrorSkip}
		tally.skipped.Add(1)
	case step.Policy() == OnErrorContinue:
		row.Status = StatusFailed
		row.Error = stringPtr(handlerErr.Error())
		tally.continued.Add(1)
	default:
		row.Status = StatusFailed
		row.Error = stringPtr(handlerErr.Error())
		result = fmt.Errorf("step %d (%s): %w", index, step.ActionKey, handlerErr)
	}

	// Persist the terminal status even when the run deadline has passed.
	if err := x.runs.UpdateStep(context.WithoutCancel(ctx), row); err != nil {
		x.logger.Error("failed to update run step",
			"run_id", runID,
			"step_index", index,
			"action_key", step.ActionKey,
			"error", err,
		)
	}

	x.logger.Debug("automation step finished",
		"run_id", runID,
		"step_index", index,
		"action_key", step.ActionKey,
		"status", row.Status,
		"duration_ms", finished.Sub(row.StartedAt).Milliseconds(),
	)
	x.observers.stepFinished(*row)

	return result
}

type handlerResult struct {
	output any
	err    error
}

// invoke runs the handler under the step timeout, recovering panics.
// A handler that ignores cancellation is abandoned once the deadline passes.
func (x *executor) invoke(ctx context.Context, action Action, input map[string]any) (any, error) {
	stepCtx, cancel := context.WithTimeout(ctx, x.stepTimeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("action panicked: %v", r)}
			}
		}()
		out, err := action.Handle(stepCtx, input)
		done <- handlerResult{output: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && stepCtx.Err() != nil && errors.Is(res.err, context.DeadlineExceeded) {
			return nil, deadlineError(ctx, x.stepTimeout)
		}
		return res.output, res.err
	case <-stepCtx.Done():
		return nil, deadlineError(ctx, x.stepTimeout)
	}
}

// deadlineError distinguishes the step timeout from the enclosing run deadline.
func deadlineError(runCtx context.Context, stepTimeout time.Duration) error {
	if runCtx.Err() != nil {
		return runContextErr(runCtx)
	}
	return fmt.Errorf("%w after %s", ErrStepTimeout, stepTimeout)
}

// runContextErr maps a finished run context to ErrRunTimeout or the cancellation cause.
func runContextErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrRunTimeout
	}
	return ctx.Err()
}

package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/gradeoor/pkg/attachments"
	"github.com/ethpandaops/gradeoor/pkg/grading"
	"github.com/ethpandaops/gradeoor/pkg/steps"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// owned holds the rows a runner write is checked against.
type owned struct {
	run    *store.Run
	result *store.Result
}

// withResult runs fn in a transaction after locking the result's run and
// checking that ref still owns the running result.
func (c *controller) withResult(
	ctx context.Context, ref ResultRef, fn func(tx store.Store, o *owned) error,
) error {
	return c.store.Transaction(ctx, func(tx store.Store) error {
		result, err := tx.GetResult(ctx, ref.ResultID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: result %d no longer exists", ErrStaleResult, ref.ResultID)
		}

		if err != nil {
			return err
		}

		run, err := tx.LockRun(ctx, result.RunID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: run %d no longer exists", ErrStaleResult, result.RunID)
		}

		if err != nil {
			return err
		}

		// Re-read under the run lock; a restart may have committed since.
		result, err = tx.GetResult(ctx, ref.ResultID)
		if err != nil {
			return err
		}

		if result.State != store.ResultStateRunning ||
			result.RunnerID == nil || *result.RunnerID != ref.RunnerID ||
			result.Attempt != ref.Attempt {
			return fmt.Errorf("%w: result %d attempt %d", ErrStaleResult, ref.ResultID, ref.Attempt)
		}

		return fn(tx, &owned{run: run, result: result})
	})
}

func (c *controller) StartStep(ctx context.Context, ref ResultRef, stepID uint) error {
	return c.withResult(ctx, ref, func(tx store.Store, _ *owned) error {
		sr, err := tx.GetStepResult(ctx, ref.ResultID, stepID)
		if err != nil {
			return err
		}

		if err := sr.Transition(store.StepStateRunning, c.now()); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidState, err)
		}

		return tx.UpdateStepResult(ctx, sr)
	})
}

// FinishStep records the terminal state, log and attachment of a step. The
// achieved points are recomputed from the log rather than trusted.
func (c *controller) FinishStep(
	ctx context.Context, ref ResultRef, stepID uint, out *steps.Outcome,
) error {
	if !out.State.IsFinished() {
		return fmt.Errorf("%w: step state %q is not final", ErrInvalidState, out.State)
	}

	return c.withResult(ctx, ref, func(tx store.Store, o *owned) error {
		step, err := c.findStep(ctx, tx, o.run.AutoTestID, stepID)
		if err != nil {
			return err
		}

		sr, err := tx.GetStepResult(ctx, ref.ResultID, stepID)
		if err != nil {
			return err
		}

		if err := sr.Transition(out.State, c.now()); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidState, err)
		}

		sr.Log = []byte(out.Log)
		if len(sr.Log) == 0 {
			sr.Log = []byte("{}")
		}

		comments, err := tx.ListQualityComments(ctx, ref.ResultID)
		if err != nil {
			return err
		}

		sr.AchievedPoints = grading.StepPoints(c.log, step, sr, commentsOf(comments, stepID))

		if len(out.Attachment) > 0 {
			key := attachments.StepAttachmentKey(ref.ResultID, stepID)
			if err := c.blobs.Put(ctx, key, out.Attachment); err != nil {
				return fmt.Errorf("storing step attachment: %w", err)
			}

			sr.AttachmentKey = &key
		}

		return tx.UpdateStepResult(ctx, sr)
	})
}

func (c *controller) SkipSteps(
	ctx context.Context, ref ResultRef, state store.StepState, stepIDs []uint,
) error {
	if state != store.StepStateSkipped && state != store.StepStateFailed {
		return fmt.Errorf("%w: steps cannot be skipped as %q", ErrInvalidState, state)
	}

	return c.withResult(ctx, ref, func(tx store.Store, _ *owned) error {
		for _, id := range stepIDs {
			sr, err := tx.GetStepResult(ctx, ref.ResultID, id)
			if err != nil {
				return err
			}

			if err := sr.Transition(state, c.now()); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidState, err)
			}

			sr.Log = []byte("{}")
			sr.AchievedPoints = 0

			if err := tx.UpdateStepResult(ctx, sr); err != nil {
				return err
			}
		}

		return nil
	})
}

// IngestComments replaces the quality comments of a step and recomputes
// its points when the step has already finished.
func (c *controller) IngestComments(
	ctx context.Context, ref ResultRef, stepID uint, comments []steps.Comment,
) error {
	return c.withResult(ctx, ref, func(tx store.Store, o *owned) error {
		step, err := c.findStep(ctx, tx, o.run.AutoTestID, stepID)
		if err != nil {
			return err
		}

		if err := tx.ReplaceQualityComments(
			ctx, ref.ResultID, stepID, steps.ToQualityComments(comments),
		); err != nil {
			return err
		}

		sr, err := tx.GetStepResult(ctx, ref.ResultID, stepID)
		if err != nil {
			return err
		}

		if !sr.State.IsFinished() {
			return nil
		}

		stored, err := tx.ListQualityComments(ctx, ref.ResultID)
		if err != nil {
			return err
		}

		sr.AchievedPoints = grading.StepPoints(c.log, step, sr, commentsOf(stored, stepID))

		return tx.UpdateStepResult(ctx, sr)
	})
}

// FinishResult records the final state of a result, writes its rubric
// selections and completes the run once no work is left.
func (c *controller) FinishResult(ctx context.Context, ref ResultRef, report *ResultReport) error {
	if !report.State.IsFinished() {
		return fmt.Errorf("%w: result state %q is not final", ErrInvalidState, report.State)
	}

	var (
		completed bool
		run       *store.Run
	)

	err := c.withResult(ctx, ref, func(tx store.Store, o *owned) error {
		run = o.run
		result := o.result

		result.State = report.State
		result.SetupStdout = report.SetupStdout
		result.SetupStderr = report.SetupStderr

		if err := tx.UpdateResult(ctx, result); err != nil {
			return err
		}

		if result.State != store.ResultStateCrashed {
			at, err := tx.GetAutoTest(ctx, run.AutoTestID)
			if err != nil {
				return err
			}

			if _, err := c.aggregator.Aggregate(ctx, tx, at, result); err != nil {
				return fmt.Errorf("aggregating result %d: %w", result.ID, err)
			}
		}

		unfinished, err := tx.CountResults(
			ctx, run.ID, store.ResultStateNotStarted, store.ResultStateRunning,
		)
		if err != nil {
			return err
		}

		// A run waiting for its batch run stays active so the sweep can
		// pick it up after the deadline.
		if unfinished > 0 || !run.BatchRunDone {
			return nil
		}

		if err := run.Transition(store.RunStateCompleted); err != nil {
			return err
		}

		completed = true

		return tx.UpdateRun(ctx, run)
	})
	if err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{
		"result": ref.ResultID,
		"state":  report.State,
	}).Info("Result finished")

	if completed {
		c.log.WithField("run", run.ID).Info("Run completed")

		return c.enqueueEndJob(ctx, run.JobID)
	}

	return c.enqueueAdjust(ctx, run.ID)
}

// findStep returns the configuration of a step of the AutoTest.
func (c *controller) findStep(
	ctx context.Context, tx store.Store, autoTestID, stepID uint,
) (*store.Step, error) {
	at, err := tx.GetAutoTest(ctx, autoTestID)
	if err != nil {
		return nil, err
	}

	for si := range at.Sets {
		for ui := range at.Sets[si].Suites {
			suite := &at.Sets[si].Suites[ui]
			for i := range suite.Steps {
				if suite.Steps[i].ID == stepID {
					return &suite.Steps[i], nil
				}
			}
		}
	}

	return nil, fmt.Errorf("step %d: %w", stepID, store.ErrNotFound)
}

func commentsOf(comments []store.QualityComment, stepID uint) []store.QualityComment {
	var out []store.QualityComment

	for _, cm := range comments {
		if cm.StepID == stepID {
			out = append(out, cm)
		}
	}

	return out
}

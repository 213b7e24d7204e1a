package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/gradeoor/pkg/steps"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// StartRun creates an active run with one result per current submission
// and asks for runners once the run is committed.
func (c *controller) StartRun(ctx context.Context, autoTestID uint) (*store.Run, error) {
	var run *store.Run

	err := c.store.Transaction(ctx, func(tx store.Store) error {
		if err := c.ensureNoRuns(ctx, tx, autoTestID); err != nil {
			return err
		}

		at, err := tx.GetAutoTest(ctx, autoTestID)
		if err != nil {
			return err
		}

		if err := ValidateAutoTest(at); err != nil {
			return err
		}

		run = &store.Run{
			AutoTestID:   at.ID,
			State:        store.RunStateCreated,
			JobID:        uuid.NewString(),
			BatchRunDone: !c.batchPending(at),
		}

		if err := run.Transition(store.RunStateActive); err != nil {
			return err
		}

		if err := tx.CreateRun(ctx, run); err != nil {
			return err
		}

		subs, err := tx.ListCurrentSubmissions(ctx, at.AssignmentID)
		if err != nil {
			return err
		}

		results := make([]store.Result, 0, len(subs))
		for _, sub := range subs {
			results = append(results, store.Result{
				RunID:        run.ID,
				SubmissionID: sub.ID,
				State:        store.ResultStateNotStarted,
			})
		}

		return tx.CreateResults(ctx, results)
	})
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"run":            run.ID,
		"auto_test":      autoTestID,
		"job":            run.JobID,
		"batch_run_done": run.BatchRunDone,
	}).Info("Started run")

	if err := c.enqueueAdjust(ctx, run.ID); err != nil {
		return run, err
	}

	return run, nil
}

// batchPending reports whether hidden steps still have to run after the
// assignment deadline.
func (c *controller) batchPending(at *store.AutoTest) bool {
	if !HasHiddenSteps(at) {
		return false
	}

	deadline := at.Assignment.Deadline

	return deadline == nil || deadline.After(c.now())
}

// HasHiddenSteps reports whether any step of the AutoTest is hidden.
func HasHiddenSteps(at *store.AutoTest) bool {
	for _, set := range at.Sets {
		for _, suite := range set.Suites {
			for _, step := range suite.Steps {
				if step.Hidden {
					return true
				}
			}
		}
	}

	return false
}

// ValidateAutoTest checks that the AutoTest can be run: it must have steps,
// every suite needs a rubric row and every step a valid configuration.
func ValidateAutoTest(at *store.AutoTest) error {
	var count int

	for _, set := range at.Sets {
		if set.StopPoints < 0 || set.StopPoints > 1 {
			return fmt.Errorf("%w: set %d stop points must be within [0, 1]", ErrInvalidState, set.ID)
		}

		for _, suite := range set.Suites {
			if suite.RubricRowID == nil {
				return fmt.Errorf("%w: suite %q has no rubric row", ErrInvalidState, suite.Name)
			}

			for _, step := range suite.Steps {
				count++

				if _, err := steps.ParseAndValidate(
					steps.Kind(step.TestTypeName), step.Data, step.Weight,
				); err != nil {
					return fmt.Errorf("%w: step %q: %w", ErrInvalidState, step.Name, err)
				}
			}
		}
	}

	if count == 0 {
		return fmt.Errorf("%w: the AutoTest has no steps", ErrInvalidState)
	}

	return nil
}

func (c *controller) EnsureNoRuns(ctx context.Context, autoTestID uint) error {
	return c.ensureNoRuns(ctx, c.store, autoTestID)
}

func (c *controller) ensureNoRuns(ctx context.Context, st store.Store, autoTestID uint) error {
	runs, err := st.ListNonTerminalRuns(ctx, autoTestID)
	if err != nil {
		return err
	}

	if len(runs) > 0 {
		return fmt.Errorf("%w: run %d of AutoTest %d is %s",
			ErrInvalidState, runs[0].ID, autoTestID, runs[0].State)
	}

	return nil
}

// StopRun stops the run, clears everything it wrote and deletes it. The
// broker job is ended after the deletion is committed.
func (c *controller) StopRun(ctx context.Context, runID uint) error {
	var jobID string

	err := c.store.Transaction(ctx, func(tx store.Store) error {
		run, err := tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}

		jobID = run.JobID

		if !run.State.IsTerminal() {
			if err := run.Transition(store.RunStateStopped); err != nil {
				return err
			}

			if err := tx.UpdateRun(ctx, run); err != nil {
				return err
			}
		}

		running, err := tx.ListResults(ctx, run.ID, store.ResultStateRunning)
		if err != nil {
			return err
		}

		for i := range running {
			if err := tx.ResetResult(ctx, &running[i]); err != nil {
				return err
			}
		}

		runners, err := tx.ListRunnersForRun(ctx, run.ID)
		if err != nil {
			return err
		}

		for i := range runners {
			runners[i].RunID = nil

			if err := tx.UpdateRunner(ctx, &runners[i]); err != nil {
				return err
			}
		}

		if err := tx.DeleteRubricSelectionsForRun(ctx, run.ID); err != nil {
			return err
		}

		return tx.DeleteRun(ctx, run.ID)
	})
	if err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{"run": runID, "job": jobID}).Info("Stopped run")

	return c.enqueueEndJob(ctx, jobID)
}

// RunBatchSweep starts the batch runs of runs whose assignment deadline has
// passed, nearest deadline first and at most max_concurrent_batch_runs per
// sweep. A run that fails to start is marked crashed without affecting the
// others. It returns the ids of the started runs.
func (c *controller) RunBatchSweep(ctx context.Context) ([]uint, error) {
	var started []uint

	err := c.store.Transaction(ctx, func(tx store.Store) error {
		runs, err := tx.LockBatchCandidates(ctx, c.now(), c.cfg.MaxConcurrentBatchRuns)
		if err != nil {
			return err
		}

		for i := range runs {
			run := &runs[i]
			log := c.log.WithField("run", run.ID)

			err := tx.Transaction(ctx, func(sp store.Store) error {
				return startBatchRun(ctx, sp, run)
			})
			if err == nil {
				log.Info("Started batch run")

				started = append(started, run.ID)

				continue
			}

			log.WithError(err).Error("Failed to start batch run")

			if err := markCrashed(ctx, tx, run.ID); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sweeping batch runs: %w", err)
	}

	var errs []error

	for _, id := range started {
		if err := c.enqueueAdjust(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	return started, errors.Join(errs...)
}

// startBatchRun marks the batch run started and resets every result so
// that hidden steps are executed.
func startBatchRun(ctx context.Context, tx store.Store, run *store.Run) error {
	run.BatchRunDone = true

	if err := tx.UpdateRun(ctx, run); err != nil {
		return err
	}

	results, err := tx.ListResults(ctx, run.ID)
	if err != nil {
		return err
	}

	for i := range results {
		if err := tx.ResetResult(ctx, &results[i]); err != nil {
			return err
		}
	}

	return nil
}

// markCrashed re-reads the run, since a failed savepoint may have left the
// in-memory copy modified, and moves it to crashed.
func markCrashed(ctx context.Context, tx store.Store, runID uint) error {
	run, err := tx.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if run.State.IsTerminal() {
		return nil
	}

	if err := run.Transition(store.RunStateCrashed); err != nil {
		return err
	}

	return tx.UpdateRun(ctx, run)
}

// RestartResult resets a result of the author's current submission. A
// completed run is reopened. A runner still working on the old attempt no
// longer finds it in its heartbeat response and gets ErrStaleResult on its
// next write.
func (c *controller) RestartResult(ctx context.Context, resultID uint) error {
	result, err := c.store.GetResult(ctx, resultID)
	if err != nil {
		return err
	}

	current, err := c.store.IsCurrentSubmission(ctx, &result.Submission)
	if err != nil {
		return err
	}

	if !current {
		return ErrNotNewestSubmission
	}

	var reopened bool

	err = c.store.Transaction(ctx, func(tx store.Store) error {
		run, err := tx.LockRun(ctx, result.RunID)
		if err != nil {
			return err
		}

		if reopened, err = ReopenCompleted(ctx, tx, run); err != nil {
			return err
		}

		locked, err := tx.GetResult(ctx, resultID)
		if err != nil {
			return err
		}

		return tx.ResetResult(ctx, locked)
	})
	if err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{
		"result":       resultID,
		"run_reopened": reopened,
	}).Info("Restarted result")

	return c.enqueueAdjust(ctx, result.RunID)
}

// ReopenCompleted puts a locked, completed run back to active under a new
// broker job. Stopped and crashed runs cannot take new work.
func ReopenCompleted(ctx context.Context, tx store.Store, run *store.Run) (bool, error) {
	switch run.State {
	case store.RunStateCompleted:
	case store.RunStateStopped, store.RunStateCrashed:
		return false, fmt.Errorf("%w: run %d is %s", ErrInvalidState, run.ID, run.State)
	default:
		return false, nil
	}

	if err := tx.ReopenRun(ctx, run, uuid.NewString()); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}

	return true, nil
}

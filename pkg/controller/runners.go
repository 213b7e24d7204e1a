package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethpandaops/gradeoor/pkg/executor"
	"github.com/ethpandaops/gradeoor/pkg/steps"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RegisterRunner records a runner started by the broker for jobID and
// schedules its first heartbeat check.
func (c *controller) RegisterRunner(ctx context.Context, jobID, ipaddr string) (*store.Runner, error) {
	run, err := c.store.GetRunByJobID(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no run for job %s", ErrRunnerDetached, jobID)
	}

	if err != nil {
		return nil, err
	}

	if run.State.IsTerminal() {
		return nil, fmt.Errorf("%w: run %d is %s", ErrRunnerDetached, run.ID, run.State)
	}

	runner := &store.Runner{
		ID:            uuid.NewString(),
		JobID:         jobID,
		IPAddr:        ipaddr,
		LastHeartbeat: c.now(),
		RunID:         &run.ID,
	}

	if err := c.store.CreateRunner(ctx, runner); err != nil {
		return nil, err
	}

	if err := c.monitor.ScheduleFirst(ctx, runner); err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"runner": runner.ID,
		"run":    run.ID,
		"ipaddr": ipaddr,
	}).Info("Registered runner")

	return runner, nil
}

// Heartbeat records that the runner is alive and returns the attempts it
// still owns. Runners detached from their run are told so.
func (c *controller) Heartbeat(ctx context.Context, runnerID string) (*HeartbeatResponse, error) {
	if err := c.store.TouchRunner(ctx, runnerID, c.now()); err != nil {
		return nil, err
	}

	runner, err := c.store.GetRunner(ctx, runnerID)
	if err != nil {
		return nil, err
	}

	if runner.RunID == nil {
		return nil, ErrRunnerDetached
	}

	owned, err := c.store.ListResultsByRunner(ctx, runnerID)
	if err != nil {
		return nil, err
	}

	resp := &HeartbeatResponse{Results: make([]ResultRef, 0, len(owned))}
	for _, res := range owned {
		resp.Results = append(resp.Results, ResultRef{
			RunnerID: runnerID,
			ResultID: res.ID,
			Attempt:  res.Attempt,
		})
	}

	return resp, nil
}

// ClaimResult assigns the oldest not-started result of the runner's run to
// the runner and returns its execution plan. Hidden steps and fixtures are
// only part of the plan once the batch run has started.
func (c *controller) ClaimResult(ctx context.Context, runnerID string) (*executor.Plan, error) {
	var plan *executor.Plan

	err := c.store.Transaction(ctx, func(tx store.Store) error {
		runner, err := tx.GetRunner(ctx, runnerID)
		if err != nil {
			return err
		}

		if runner.RunID == nil {
			return ErrRunnerDetached
		}

		run, err := tx.LockRun(ctx, *runner.RunID)
		if err != nil {
			return err
		}

		// Runners of a job ended before the run was reopened keep their
		// run id but must not take work of the new job.
		if run.State.IsTerminal() || run.JobID != runner.JobID {
			return ErrRunnerDetached
		}

		result, err := tx.ClaimNextResult(ctx, run.ID)
		if err != nil || result == nil {
			return err
		}

		at, err := tx.GetAutoTest(ctx, run.AutoTestID)
		if err != nil {
			return err
		}

		sub, err := tx.GetSubmission(ctx, result.SubmissionID)
		if err != nil {
			return err
		}

		started := c.now()
		result.State = store.ResultStateRunning
		result.RunnerID = &runner.ID
		result.StartedAt = &started

		if err := tx.UpdateResult(ctx, result); err != nil {
			return err
		}

		plan = BuildPlan(at, result, sub, run.BatchRunDone)

		stepResults := make([]store.StepResult, 0)
		for _, set := range plan.Sets {
			for _, id := range set.StepIDs() {
				stepResults = append(stepResults, store.StepResult{
					ResultID: result.ID,
					StepID:   id,
					State:    store.StepStateNotStarted,
				})
			}
		}

		return tx.CreateStepResults(ctx, stepResults)
	})
	if err != nil {
		return nil, err
	}

	if plan != nil {
		c.log.WithFields(logrus.Fields{
			"runner":  runnerID,
			"result":  plan.ResultID,
			"attempt": plan.Attempt,
		}).Debug("Runner claimed result")
	}

	return plan, nil
}

// BuildPlan turns the AutoTest configuration into the plan for one result.
// Suites whose steps are all hidden are left out before the batch run, as
// are sets left empty by that.
func BuildPlan(
	at *store.AutoTest, result *store.Result, sub *store.Submission, includeHidden bool,
) *executor.Plan {
	plan := &executor.Plan{
		ResultID:             result.ID,
		Attempt:              result.Attempt,
		SubmissionArchiveKey: sub.ArchiveKey,
		SetupScript:          at.SetupScript,
		RunSetupScript:       at.RunSetupScript,
	}

	for _, f := range at.Fixtures {
		if f.Hidden && !includeHidden {
			continue
		}

		plan.Fixtures = append(plan.Fixtures, executor.Fixture{
			ID:         f.ID,
			Name:       f.Name,
			StorageKey: f.StorageKey,
		})
	}

	for _, set := range at.Sets {
		ps := executor.Set{ID: set.ID, StopPoints: set.StopPoints}

		for _, suite := range set.Suites {
			pu := executor.Suite{
				ID:               suite.ID,
				NetworkDisabled:  suite.NetworkDisabled,
				CommandTimeLimit: suite.CommandTimeLimit,
			}

			for _, step := range suite.Steps {
				if step.Hidden && !includeHidden {
					continue
				}

				pu.Steps = append(pu.Steps, steps.Instructions{
					ID:           step.ID,
					Name:         step.Name,
					Weight:       step.Weight,
					TestTypeName: steps.Kind(step.TestTypeName),
					Data:         json.RawMessage(step.Data),
				})
			}

			if len(pu.Steps) > 0 {
				ps.Suites = append(ps.Suites, pu)
			}
		}

		if len(ps.Suites) > 0 {
			plan.Sets = append(plan.Sets, ps)
		}
	}

	return plan
}

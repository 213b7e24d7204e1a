package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/gradeoor/pkg/container"
	"github.com/ethpandaops/gradeoor/pkg/steps"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// Reporter persists step transitions as they happen.
type Reporter interface {
	StartStep(ctx context.Context, stepID uint) error
	FinishStep(ctx context.Context, stepID uint, out *steps.Outcome) error
	// SkipSteps finishes steps that were never executed with state.
	SkipSteps(ctx context.Context, state store.StepState, stepIDs []uint) error
	IngestComments(ctx context.Context, stepID uint, comments []steps.Comment) error
}

// Executor runs the steps of a plan inside a container.
type Executor interface {
	Execute(
		ctx context.Context, plan *Plan, c container.Container, reporter Reporter,
	) (*Summary, error)
}

// Summary is the outcome of executing a plan.
type Summary struct {
	AchievedPoints float64
	PossiblePoints float64
	// StoppedAtSet is the index of the set after which the stop points gate
	// halted execution, or -1.
	StoppedAtSet int
}

// NewExecutor creates a new executor.
func NewExecutor(log logrus.FieldLogger) Executor {
	return &executor{
		log: log.WithField("component", "executor"),
	}
}

type executor struct {
	log logrus.FieldLogger
}

// Ensure interface compliance.
var _ Executor = (*executor)(nil)

// Execute runs every set in order. Within a set, a check_points miss fails
// all remaining steps of the set. After each set the stop points gate may
// skip all later sets. Any other step error aborts execution.
func (e *executor) Execute(
	ctx context.Context, plan *Plan, c container.Container, reporter Reporter,
) (*Summary, error) {
	log := e.log.WithFields(logrus.Fields{
		"result":  plan.ResultID,
		"attempt": plan.Attempt,
	})

	summary := &Summary{StoppedAtSet: -1}

	for si := range plan.Sets {
		set := &plan.Sets[si]

		if summary.StoppedAtSet >= 0 {
			if err := skipSteps(ctx, reporter, store.StepStateSkipped, set.StepIDs()); err != nil {
				return nil, fmt.Errorf("skipping set %d: %w", set.ID, err)
			}

			continue
		}

		if err := e.executeSet(ctx, log, set, c, reporter, summary); err != nil {
			return nil, err
		}

		if set.StopPoints > 0 && fraction(summary.AchievedPoints, summary.PossiblePoints) < set.StopPoints {
			log.WithFields(logrus.Fields{
				"set":         set.ID,
				"stop_points": set.StopPoints,
			}).Info("Stop points not reached, skipping remaining sets")

			summary.StoppedAtSet = si
		}
	}

	return summary, nil
}

func (e *executor) executeSet(
	ctx context.Context,
	log logrus.FieldLogger,
	set *Set,
	c container.Container,
	reporter Reporter,
	summary *Summary,
) error {
	aborted := false

	for i := range set.Suites {
		suite := &set.Suites[i]
		summary.PossiblePoints += suite.Weight()

		if aborted {
			if err := skipSteps(ctx, reporter, store.StepStateFailed, suite.StepIDs(0)); err != nil {
				return fmt.Errorf("failing suite %d: %w", suite.ID, err)
			}

			continue
		}

		achieved, stop, err := e.executeSuite(ctx, log, suite, c, reporter)
		summary.AchievedPoints += achieved

		if err != nil {
			return err
		}

		aborted = stop
	}

	return nil
}

// executeSuite runs the steps of one suite and returns the points achieved
// and whether the remaining steps of the set must be failed.
func (e *executor) executeSuite(
	ctx context.Context,
	log logrus.FieldLogger,
	suite *Suite,
	c container.Container,
	reporter Reporter,
) (float64, bool, error) {
	if err := c.SetNetwork(ctx, !suite.NetworkDisabled); err != nil {
		return 0, false, fmt.Errorf("configuring network for suite %d: %w", suite.ID, err)
	}

	var (
		achieved float64
		weight   = suite.Weight()
	)

	for i := range suite.Steps {
		ins := suite.Steps[i]
		if ins.CommandTimeLimit <= 0 {
			ins.CommandTimeLimit = suite.CommandTimeLimit
		}

		stepLog := log.WithFields(logrus.Fields{
			"step": ins.ID,
			"type": ins.TestTypeName,
		})

		if err := reporter.StartStep(ctx, ins.ID); err != nil {
			return achieved, false, fmt.Errorf("starting step %d: %w", ins.ID, err)
		}

		out, err := steps.Execute(ctx, &steps.Env{
			Container:        c,
			Log:              stepLog,
			AchievedFraction: fraction(achieved, weight),
		}, &ins)

		stop := errors.Is(err, steps.ErrStopSteps)
		if err != nil && !stop {
			return achieved, false, fmt.Errorf("executing step %d: %w", ins.ID, err)
		}

		if err := reporter.FinishStep(ctx, ins.ID, out); err != nil {
			return achieved, false, fmt.Errorf("finishing step %d: %w", ins.ID, err)
		}

		if len(out.Comments) > 0 {
			if err := reporter.IngestComments(ctx, ins.ID, out.Comments); err != nil {
				return achieved, false, fmt.Errorf("ingesting comments of step %d: %w", ins.ID, err)
			}
		}

		achieved += out.AchievedPoints

		stepLog.WithFields(logrus.Fields{
			"state":  out.State,
			"points": out.AchievedPoints,
		}).Debug("Step finished")

		if stop {
			if err := skipSteps(ctx, reporter, store.StepStateFailed, suite.StepIDs(i+1)); err != nil {
				return achieved, true, fmt.Errorf("failing remaining steps: %w", err)
			}

			return achieved, true, nil
		}
	}

	return achieved, false, nil
}

func skipSteps(ctx context.Context, reporter Reporter, state store.StepState, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}

	return reporter.SkipSteps(ctx, state, ids)
}

// fraction returns achieved/possible, treating an empty total as complete.
func fraction(achieved, possible float64) float64 {
	if possible <= 0 {
		return 1
	}

	return achieved / possible
}

// Package controller drives AutoTest runs: it creates and stops runs, starts
// batch runs after deadlines, restarts results and records what runners
// report while executing them.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/attachments"
	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/ethpandaops/gradeoor/pkg/executor"
	"github.com/ethpandaops/gradeoor/pkg/grading"
	"github.com/ethpandaops/gradeoor/pkg/heartbeat"
	"github.com/ethpandaops/gradeoor/pkg/retry"
	"github.com/ethpandaops/gradeoor/pkg/runnerpool"
	"github.com/ethpandaops/gradeoor/pkg/steps"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/ethpandaops/gradeoor/pkg/taskqueue"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidState is returned when an operation does not fit the
	// current state of a run or its configuration.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotNewestSubmission is returned when restarting a result of a
	// submission that is no longer its author's current one.
	ErrNotNewestSubmission = errors.New("submission is not the newest of its author")

	// ErrStaleResult is returned to a runner writing to a result it no
	// longer owns, or for an attempt that was reset.
	ErrStaleResult = errors.New("stale result")

	// ErrRunnerDetached is returned to a runner that no longer belongs to a
	// non-terminal run.
	ErrRunnerDetached = errors.New("runner is not attached to a run")
)

// Task names.
const (
	TaskAdjustRunnerCount = "adjust_runner_count"
	TaskEndJob            = "end_job"
)

// RunPayload is the payload of adjust_runner_count.
type RunPayload struct {
	RunID uint `json:"run_id"`
}

// JobPayload is the payload of end_job.
type JobPayload struct {
	JobID string `json:"job_id"`
}

// ResultRef identifies the attempt of a result a runner is working on.
type ResultRef struct {
	RunnerID string `json:"runner_id"`
	ResultID uint   `json:"result_id"`
	Attempt  int    `json:"attempt"`
}

// Controller is the AutoTest run controller.
type Controller interface {
	// Definitions returns the task registrations owned by the controller.
	Definitions() []taskqueue.Definition

	StartRun(ctx context.Context, autoTestID uint) (*store.Run, error)
	StopRun(ctx context.Context, runID uint) error
	RunBatchSweep(ctx context.Context) ([]uint, error)
	RestartResult(ctx context.Context, resultID uint) error
	EnsureNoRuns(ctx context.Context, autoTestID uint) error

	RegisterRunner(ctx context.Context, jobID, ipaddr string) (*store.Runner, error)
	// Heartbeat returns the attempts the runner still owns.
	Heartbeat(ctx context.Context, runnerID string) (*HeartbeatResponse, error)
	// ClaimResult returns the plan of the next result for the runner, or
	// nil when there is no work left.
	ClaimResult(ctx context.Context, runnerID string) (*executor.Plan, error)
	StartStep(ctx context.Context, ref ResultRef, stepID uint) error
	FinishStep(ctx context.Context, ref ResultRef, stepID uint, out *steps.Outcome) error
	SkipSteps(ctx context.Context, ref ResultRef, state store.StepState, stepIDs []uint) error
	IngestComments(ctx context.Context, ref ResultRef, stepID uint, comments []steps.Comment) error
	FinishResult(ctx context.Context, ref ResultRef, report *ResultReport) error
}

// HeartbeatResponse lists the attempts a runner may keep working on. An
// attempt missing from it was reset and must be abandoned.
type HeartbeatResponse struct {
	Results []ResultRef `json:"results"`
}

// ResultReport is what a runner sends when it is done with a result.
type ResultReport struct {
	State       store.ResultState `json:"state"`
	SetupStdout string            `json:"setup_stdout"`
	SetupStderr string            `json:"setup_stderr"`
}

// Ensure interface compliance.
var _ Controller = (*controller)(nil)

type controller struct {
	log        logrus.FieldLogger
	store      store.Store
	pool       runnerpool.Manager
	queue      taskqueue.Queue
	monitor    *heartbeat.Monitor
	aggregator *grading.Aggregator
	blobs      attachments.Store
	cfg        *config.AutoTestConfig
	now        func() time.Time
}

// Option configures a Controller.
type Option func(*controller)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *controller) { c.now = now }
}

// New creates a run controller.
func New(
	log logrus.FieldLogger,
	st store.Store,
	pool runnerpool.Manager,
	queue taskqueue.Queue,
	monitor *heartbeat.Monitor,
	aggregator *grading.Aggregator,
	blobs attachments.Store,
	cfg *config.AutoTestConfig,
	opts ...Option,
) Controller {
	c := &controller{
		log:        log.WithField("component", "controller"),
		store:      st,
		pool:       pool,
		queue:      queue,
		monitor:    monitor,
		aggregator: aggregator,
		blobs:      blobs,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *controller) Definitions() []taskqueue.Definition {
	return []taskqueue.Definition{
		{
			Name: TaskAdjustRunnerCount,
			Handler: func(ctx context.Context, payload json.RawMessage) error {
				var p RunPayload
				if err := json.Unmarshal(payload, &p); err != nil {
					return fmt.Errorf("decoding payload: %w", err)
				}

				return c.pool.AdjustRunnerCount(ctx, p.RunID)
			},
			Policy: retry.Exponential(5, 2*time.Second, time.Minute),
			OnGiveUp: func(ctx context.Context, payload json.RawMessage, err error) {
				var p RunPayload
				if json.Unmarshal(payload, &p) != nil {
					return
				}

				c.crashRun(ctx, p.RunID, err)
			},
		},
		{
			Name: TaskEndJob,
			Handler: func(ctx context.Context, payload json.RawMessage) error {
				var p JobPayload
				if err := json.Unmarshal(payload, &p); err != nil {
					return fmt.Errorf("decoding payload: %w", err)
				}

				return c.pool.EndJob(ctx, p.JobID)
			},
			Policy: retry.Exponential(5, 2*time.Second, time.Minute),
		},
	}
}

func (c *controller) enqueueAdjust(ctx context.Context, runID uint) error {
	if err := c.queue.Enqueue(ctx, TaskAdjustRunnerCount, RunPayload{RunID: runID}); err != nil {
		return fmt.Errorf("enqueuing runner adjustment for run %d: %w", runID, err)
	}

	return nil
}

func (c *controller) enqueueEndJob(ctx context.Context, jobID string) error {
	if err := c.queue.Enqueue(ctx, TaskEndJob, JobPayload{JobID: jobID}); err != nil {
		return fmt.Errorf("enqueuing end of job %s: %w", jobID, err)
	}

	return nil
}

// crashRun marks the run crashed after its runner requests kept failing.
func (c *controller) crashRun(ctx context.Context, runID uint, cause error) {
	var jobID string

	err := c.store.Transaction(ctx, func(tx store.Store) error {
		run, err := tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}

		if run.State.IsTerminal() {
			return nil
		}

		if err := run.Transition(store.RunStateCrashed); err != nil {
			return err
		}

		jobID = run.JobID

		return tx.UpdateRun(ctx, run)
	})
	if err != nil {
		c.log.WithError(err).WithField("run", runID).Error("Failed to mark run crashed")

		return
	}

	if jobID == "" {
		return
	}

	c.log.WithError(cause).WithField("run", runID).Error("Run crashed")

	if err := c.enqueueEndJob(ctx, jobID); err != nil {
		c.log.WithError(err).Warn("Failed to end job of crashed run")
	}
}

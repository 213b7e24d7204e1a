// Package runnerpool keeps the number of broker runners of a run in line
// with the work left to do.
package runnerpool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/broker"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// Manager requests and releases runners for runs.
type Manager interface {
	// RequestRunners asks the broker for wanted runners and stores the
	// accepted count on run. The caller persists run.
	RequestRunners(ctx context.Context, run *store.Run, wanted int) error
	// AdjustRunnerCount requests as many runners as the not-started results
	// of the run need. It is idempotent.
	AdjustRunnerCount(ctx context.Context, runID uint) error
	// KillRunner releases one runner and hands its results back to the run.
	KillRunner(ctx context.Context, runID uint, runnerID string) error
	// StopRunners releases the runners and then adjusts the runner count.
	StopRunners(ctx context.Context, runID uint, runnerIDs []string) error
	// KillStaleRunner kills the runner only if it is still attached to the
	// run and its last heartbeat is before deadline, checked under the run
	// and runner locks. It reports whether the runner was killed.
	KillStaleRunner(ctx context.Context, runID uint, runnerID string, deadline time.Time) (bool, error)
	// EndJob releases every runner of a broker job.
	EndJob(ctx context.Context, jobID string) error
}

// Ensure interface compliance.
var _ Manager = (*manager)(nil)

type manager struct {
	log              logrus.FieldLogger
	store            store.Store
	broker           broker.Client
	maxJobsPerRunner int
	instanceID       string
}

// NewManager creates a runner pool manager.
func NewManager(
	log logrus.FieldLogger,
	st store.Store,
	bc broker.Client,
	maxJobsPerRunner int,
	instanceID string,
) Manager {
	return &manager{
		log:              log.WithField("component", "runnerpool"),
		store:            st,
		broker:           bc,
		maxJobsPerRunner: max(maxJobsPerRunner, 1),
		instanceID:       instanceID,
	}
}

// NeededRunners returns how many runners notStarted results need.
func NeededRunners(notStarted int64, maxJobsPerRunner int) int {
	per := int64(max(maxJobsPerRunner, 1))

	return int((notStarted + per - 1) / per)
}

func (m *manager) RequestRunners(ctx context.Context, run *store.Run, wanted int) error {
	resp, err := m.broker.RequestRunners(ctx, &broker.JobRequest{
		JobID:         run.JobID,
		WantedRunners: wanted,
		Metadata: map[string]any{
			"instance":     m.instanceID,
			"run_id":       strconv.FormatUint(uint64(run.ID), 10),
			"auto_test_id": strconv.FormatUint(uint64(run.AutoTestID), 10),
		},
	})
	if err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"run":       run.ID,
		"wanted":    wanted,
		"requested": resp.WantedRunners,
	}).Info("Updated runner request")

	run.RunnersRequested = resp.WantedRunners

	return nil
}

func (m *manager) AdjustRunnerCount(ctx context.Context, runID uint) error {
	return m.store.Transaction(ctx, func(tx store.Store) error {
		run, err := tx.LockRun(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if run.State.IsTerminal() {
			return nil
		}

		return m.adjust(ctx, tx, run)
	})
}

// adjust reconciles the runner request of a locked run.
func (m *manager) adjust(ctx context.Context, tx store.Store, run *store.Run) error {
	notStarted, err := tx.CountResults(ctx, run.ID, store.ResultStateNotStarted)
	if err != nil {
		return err
	}

	needed := NeededRunners(notStarted, m.maxJobsPerRunner)

	if needed == run.RunnersRequested || (needed == 0 && run.RunnersRequested < 2) {
		return nil
	}

	if err := m.RequestRunners(ctx, run, needed); err != nil {
		return fmt.Errorf("adjusting runners of run %d: %w", run.ID, err)
	}

	return tx.UpdateRun(ctx, run)
}

func (m *manager) KillRunner(ctx context.Context, runID uint, runnerID string) error {
	return m.StopRunners(ctx, runID, []string{runnerID})
}

func (m *manager) StopRunners(ctx context.Context, runID uint, runnerIDs []string) error {
	if err := m.store.Transaction(ctx, func(tx store.Store) error {
		run, err := tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}

		for _, id := range runnerIDs {
			if err := m.kill(ctx, tx, run, id); err != nil {
				return err
			}
		}

		return tx.UpdateRun(ctx, run)
	}); err != nil {
		return err
	}

	return m.AdjustRunnerCount(ctx, runID)
}

func (m *manager) KillStaleRunner(
	ctx context.Context, runID uint, runnerID string, deadline time.Time,
) (bool, error) {
	var killed bool

	if err := m.store.Transaction(ctx, func(tx store.Store) error {
		run, err := tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}

		runner, err := tx.LockRunner(ctx, runnerID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if runner.RunID == nil || *runner.RunID != run.ID || !runner.LastHeartbeat.Before(deadline) {
			return nil
		}

		if err := m.release(ctx, tx, run, runner); err != nil {
			return err
		}

		killed = true

		return tx.UpdateRun(ctx, run)
	}); err != nil {
		return false, err
	}

	if !killed {
		return false, nil
	}

	return true, m.AdjustRunnerCount(ctx, runID)
}

// kill releases a runner of a locked run.
func (m *manager) kill(ctx context.Context, tx store.Store, run *store.Run, runnerID string) error {
	runner, err := tx.LockRunner(ctx, runnerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	return m.release(ctx, tx, run, runner)
}

// release deletes a locked runner at the broker and resets its results.
func (m *manager) release(ctx context.Context, tx store.Store, run *store.Run, runner *store.Runner) error {
	log := m.log.WithFields(logrus.Fields{"run": run.ID, "runner": runner.ID})

	if err := m.broker.DeleteRunner(ctx, run.JobID, runner.IPAddr); err != nil {
		return fmt.Errorf("releasing runner %s: %w", runner.ID, err)
	}

	run.RunnersRequested = max(run.RunnersRequested-1, 0)

	if runner.RunID != nil && *runner.RunID == run.ID {
		runner.RunID = nil

		if err := tx.UpdateRunner(ctx, runner); err != nil {
			return err
		}
	}

	owned, err := tx.ListResultsByRunner(ctx, runner.ID)
	if err != nil {
		return err
	}

	for i := range owned {
		if err := tx.ResetResult(ctx, &owned[i]); err != nil {
			return fmt.Errorf("resetting result %d: %w", owned[i].ID, err)
		}
	}

	log.WithField("reset_results", len(owned)).Info("Killed runner")

	return nil
}

func (m *manager) EndJob(ctx context.Context, jobID string) error {
	if err := m.broker.EndJob(ctx, jobID, true); err != nil {
		return err
	}

	m.log.WithField("job", jobID).Info("Ended broker job")

	return nil
}

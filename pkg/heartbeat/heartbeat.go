// Package heartbeat detects runners that stopped sending heartbeats and
// hands their work back to the run.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/retry"
	"github.com/ethpandaops/gradeoor/pkg/runnerpool"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/ethpandaops/gradeoor/pkg/taskqueue"
	"github.com/sirupsen/logrus"
)

// TaskCheckHeartbeat is the task that checks one runner.
const TaskCheckHeartbeat = "check_heartbeat"

// Payload identifies the runner to check.
type Payload struct {
	RunnerID string `json:"runner_id"`
}

// Monitor schedules and runs heartbeat checks.
type Monitor struct {
	log     logrus.FieldLogger
	store   store.Store
	pool    runnerpool.Manager
	queue   taskqueue.Queue
	timeout time.Duration
	now     func() time.Time
}

// NewMonitor creates a monitor that considers a runner dead once timeout
// has passed since its last heartbeat.
func NewMonitor(
	log logrus.FieldLogger,
	st store.Store,
	pool runnerpool.Manager,
	queue taskqueue.Queue,
	timeout time.Duration,
) *Monitor {
	return &Monitor{
		log:     log.WithField("component", "heartbeat"),
		store:   st,
		pool:    pool,
		queue:   queue,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Definition returns the check_heartbeat task registration.
func (m *Monitor) Definition() taskqueue.Definition {
	return taskqueue.Definition{
		Name: TaskCheckHeartbeat,
		Handler: func(ctx context.Context, payload json.RawMessage) error {
			var p Payload
			if err := json.Unmarshal(payload, &p); err != nil {
				return fmt.Errorf("decoding payload: %w", err)
			}

			return m.Check(ctx, p.RunnerID)
		},
		Policy: retry.Exponential(5, time.Second, 30*time.Second),
	}
}

// Schedule enqueues a check of the runner at the given time.
func (m *Monitor) Schedule(ctx context.Context, runnerID string, at time.Time) error {
	if err := m.queue.Enqueue(
		ctx, TaskCheckHeartbeat, Payload{RunnerID: runnerID}, taskqueue.WithETA(at),
	); err != nil {
		return fmt.Errorf("scheduling heartbeat check: %w", err)
	}

	return nil
}

// ScheduleFirst enqueues the first check of a newly registered runner.
func (m *Monitor) ScheduleFirst(ctx context.Context, runner *store.Runner) error {
	return m.Schedule(ctx, runner.ID, runner.LastHeartbeat.Add(m.timeout))
}

// Check verifies the runner is alive. A live runner gets its next check
// scheduled; a dead one is killed and no further check is scheduled.
func (m *Monitor) Check(ctx context.Context, runnerID string) error {
	runner, err := m.store.GetRunner(ctx, runnerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	if runner.RunID == nil {
		return nil
	}

	deadline := m.now().Add(-m.timeout)

	if !runner.LastHeartbeat.Before(deadline) {
		return m.Schedule(ctx, runner.ID, runner.LastHeartbeat.Add(m.timeout))
	}

	log := m.log.WithFields(logrus.Fields{
		"runner":         runner.ID,
		"run":            *runner.RunID,
		"last_heartbeat": runner.LastHeartbeat,
	})

	killed, err := m.pool.KillStaleRunner(ctx, *runner.RunID, runner.ID, deadline)
	if err != nil {
		return err
	}

	if killed {
		log.Warn("Runner missed its heartbeats, killed it")

		return nil
	}

	// The runner sent a heartbeat or was detached before it was locked.
	log.Debug("Runner changed while being checked, checking again")

	return m.Check(ctx, runnerID)
}

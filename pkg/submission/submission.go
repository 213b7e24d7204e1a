// Package submission creates submissions while enforcing the per-author
// submission limits of an assignment.
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/controller"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/ethpandaops/gradeoor/pkg/taskqueue"
	"github.com/sirupsen/logrus"
)

// ErrMaxSubmissionsReached is returned when the author already has the
// maximum number of submissions.
var ErrMaxSubmissionsReached = errors.New("maximum amount of submissions reached")

// CoolOffError is returned when the author submitted too often within the
// cool-off period.
type CoolOffError struct {
	Wait time.Duration
}

func (e *CoolOffError) Error() string {
	return fmt.Sprintf("cool-off period active, retry in %s", e.Wait.Round(time.Second))
}

// Guard creates submissions.
type Guard interface {
	CreateSubmission(
		ctx context.Context, assignmentID, authorID uint, archiveKey string,
	) (*store.Submission, error)
}

// Ensure interface compliance.
var _ Guard = (*guard)(nil)

type guard struct {
	log   logrus.FieldLogger
	store store.Store
	queue taskqueue.Queue
	now   func() time.Time
}

// NewGuard creates a submission guard.
func NewGuard(log logrus.FieldLogger, st store.Store, queue taskqueue.Queue) Guard {
	return &guard{
		log:   log.WithField("component", "submission"),
		store: st,
		queue: queue,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateSubmission checks the limits of the assignment and creates the
// submission while holding the author's lock. When the assignment has an
// active run the submission is queued in it.
func (g *guard) CreateSubmission(
	ctx context.Context, assignmentID, authorID uint, archiveKey string,
) (*store.Submission, error) {
	var (
		sub   *store.Submission
		runID uint
	)

	err := g.store.WithAuthorLock(ctx, assignmentID, authorID, func(tx store.Store) error {
		assignment, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}

		now := g.now()

		if err := g.checkLimits(ctx, tx, assignment, authorID, now); err != nil {
			return err
		}

		sub = &store.Submission{
			AssignmentID: assignmentID,
			AuthorID:     authorID,
			ArchiveKey:   archiveKey,
			CreatedAt:    now,
		}

		if err := tx.CreateSubmission(ctx, sub); err != nil {
			return err
		}

		runID, err = addToActiveRun(ctx, tx, assignmentID, sub)

		return err
	})
	if err != nil {
		return nil, err
	}

	g.log.WithFields(logrus.Fields{
		"assignment": assignmentID,
		"author":     authorID,
		"submission": sub.ID,
	}).Debug("Created submission")

	if runID != 0 {
		if err := g.queue.Enqueue(
			ctx, controller.TaskAdjustRunnerCount, controller.RunPayload{RunID: runID},
		); err != nil {
			return sub, fmt.Errorf("enqueuing runner adjustment: %w", err)
		}
	}

	return sub, nil
}

func (g *guard) checkLimits(
	ctx context.Context,
	tx store.Store,
	assignment *store.Assignment,
	authorID uint,
	now time.Time,
) error {
	if assignment.MaxSubmissions != nil {
		count, err := tx.CountSubmissions(ctx, assignment.ID, authorID)
		if err != nil {
			return err
		}

		if count >= int64(*assignment.MaxSubmissions) {
			return ErrMaxSubmissionsReached
		}
	}

	period := assignment.CoolOffPeriod
	if period <= 0 {
		return nil
	}

	recent, err := tx.ListSubmissionsSince(ctx, assignment.ID, authorID, now.Add(-period))
	if err != nil {
		return err
	}

	if len(recent) == 0 || len(recent) < max(assignment.AmountInCoolOffPeriod, 1) {
		return nil
	}

	return &CoolOffError{Wait: recent[0].CreatedAt.Add(period).Sub(now)}
}

// addToActiveRun adds a not-started result for sub to the newest run of the
// assignment's AutoTest and returns the run id, or 0 if there is none. A
// completed run is reopened; stopped and crashed runs take no new work.
func addToActiveRun(
	ctx context.Context, tx store.Store, assignmentID uint, sub *store.Submission,
) (uint, error) {
	at, err := tx.GetAutoTestByAssignment(ctx, assignmentID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	latest, err := tx.GetLatestRun(ctx, at.ID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	run, err := tx.LockRun(ctx, latest.ID)
	if err != nil {
		return 0, err
	}

	switch run.State {
	case store.RunStateActive:
	case store.RunStateCompleted:
		if _, err := controller.ReopenCompleted(ctx, tx, run); err != nil {
			return 0, err
		}
	default:
		return 0, nil
	}

	if err := tx.CreateResults(ctx, []store.Result{{
		RunID:        run.ID,
		SubmissionID: sub.ID,
		State:        store.ResultStateNotStarted,
	}}); err != nil {
		return 0, err
	}

	return run.ID, nil
}

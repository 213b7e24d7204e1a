package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"
)

func (s *store) CreateRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

func (s *store) GetRun(ctx context.Context, id uint) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		return nil, notFound(err, "run")
	}

	return &run, nil
}

func (s *store) GetRunByJobID(ctx context.Context, jobID string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&run).Error; err != nil {
		return nil, notFound(err, "run")
	}

	return &run, nil
}

// LockRun reads the run with SELECT ... FOR UPDATE. It must be called
// inside a transaction.
func (s *store) LockRun(ctx context.Context, id uint) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&run, id).Error; err != nil {
		return nil, notFound(err, "run")
	}

	return &run, nil
}

func (s *store) UpdateRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Save(run).Error; err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	return nil
}

// DeleteRun deletes the run together with its results, step results and
// quality comments, and detaches any runner still pointing at it.
func (s *store) DeleteRun(ctx context.Context, id uint) error {
	db := s.db.WithContext(ctx)

	resultIDs := db.Model(&Result{}).Select("id").Where("run_id = ?", id)

	if err := db.Where("result_id IN (?)", resultIDs).
		Delete(&QualityComment{}).Error; err != nil {
		return fmt.Errorf("deleting quality comments: %w", err)
	}

	if err := db.Where("result_id IN (?)", resultIDs).
		Delete(&StepResult{}).Error; err != nil {
		return fmt.Errorf("deleting step results: %w", err)
	}

	if err := db.Where("run_id = ?", id).Delete(&Result{}).Error; err != nil {
		return fmt.Errorf("deleting results: %w", err)
	}

	if err := db.Model(&Runner{}).Where("run_id = ?", id).
		Update("run_id", nil).Error; err != nil {
		return fmt.Errorf("detaching runners: %w", err)
	}

	if err := db.Delete(&Run{}, id).Error; err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}

	return nil
}

func (s *store) ListNonTerminalRuns(ctx context.Context, autoTestID uint) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("auto_test_id = ? AND state IN ?", autoTestID, nonTerminalRunStates).
		Order("id ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

func (s *store) GetLatestRun(ctx context.Context, autoTestID uint) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("auto_test_id = ?", autoTestID).
		Order("id DESC").
		First(&run).Error; err != nil {
		return nil, notFound(err, "run")
	}

	return &run, nil
}

func (s *store) ReopenRun(ctx context.Context, run *Run, jobID string) error {
	var newer int64
	if err := s.db.WithContext(ctx).Model(&Run{}).
		Where("auto_test_id = ? AND id > ?", run.AutoTestID, run.ID).
		Count(&newer).Error; err != nil {
		return fmt.Errorf("counting newer runs: %w", err)
	}

	if newer > 0 {
		return fmt.Errorf("run %d was superseded: %w", run.ID, ErrInvalidTransition)
	}

	if err := run.Reopen(jobID); err != nil {
		return err
	}

	return s.UpdateRun(ctx, run)
}

// LockBatchCandidates locks up to limit runs whose batch run is pending and
// whose assignment deadline has passed, nearest-expired deadline first.
// Rows locked by a concurrent sweep are skipped.
func (s *store) LockBatchCandidates(
	ctx context.Context, now time.Time, limit int,
) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Select("runs.*").
		Joins("JOIN auto_tests ON auto_tests.id = runs.auto_test_id").
		Joins("JOIN assignments ON assignments.id = auto_tests.assignment_id").
		Where("runs.batch_run_done = ? AND runs.state IN ?", false, nonTerminalRunStates).
		Where("assignments.deadline IS NOT NULL AND assignments.deadline < ?", now).
		Order("assignments.deadline ASC").
		Order("runs.id ASC").
		Limit(limit).
		Clauses(clause.Locking{
			Strength: "UPDATE",
			Table:    clause.Table{Name: "runs"},
			Options:  "SKIP LOCKED",
		}).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("locking batch candidates: %w", err)
	}

	return runs, nil
}

func (s *store) CreateRunner(ctx context.Context, runner *Runner) error {
	if err := s.db.WithContext(ctx).Create(runner).Error; err != nil {
		return fmt.Errorf("creating runner: %w", err)
	}

	return nil
}

func (s *store) GetRunner(ctx context.Context, id string) (*Runner, error) {
	var runner Runner
	if err := s.db.WithContext(ctx).First(&runner, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "runner")
	}

	return &runner, nil
}

// LockRunner reads the runner with SELECT ... FOR UPDATE, so heartbeats
// wait until the transaction ends. It must be called inside a transaction.
func (s *store) LockRunner(ctx context.Context, id string) (*Runner, error) {
	var runner Runner
	if err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&runner, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "runner")
	}

	return &runner, nil
}

func (s *store) UpdateRunner(ctx context.Context, runner *Runner) error {
	if err := s.db.WithContext(ctx).Save(runner).Error; err != nil {
		return fmt.Errorf("updating runner: %w", err)
	}

	return nil
}

// TouchRunner records a heartbeat.
func (s *store) TouchRunner(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&Runner{}).
		Where("id = ?", id).
		Update("last_heartbeat", at)
	if res.Error != nil {
		return fmt.Errorf("updating heartbeat: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("runner %s: %w", id, ErrNotFound)
	}

	return nil
}

func (s *store) ListRunnersForRun(ctx context.Context, runID uint) ([]Runner, error) {
	var runners []Runner
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&runners).Error; err != nil {
		return nil, fmt.Errorf("listing runners: %w", err)
	}

	return runners, nil
}

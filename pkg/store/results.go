package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *store) CreateResults(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Omit(clause.Associations).
		Create(&results).Error; err != nil {
		return fmt.Errorf("creating results: %w", err)
	}

	return nil
}

func (s *store) GetResult(ctx context.Context, id uint) (*Result, error) {
	var result Result
	if err := s.db.WithContext(ctx).
		Preload("Submission").
		First(&result, id).Error; err != nil {
		return nil, notFound(err, "result")
	}

	return &result, nil
}

func (s *store) UpdateResult(ctx context.Context, result *Result) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).
		Save(result).Error; err != nil {
		return fmt.Errorf("updating result: %w", err)
	}

	return nil
}

// ResetResult clears all execution state of the result and makes it
// claimable again. The attempt counter is bumped so that writes from a
// runner still working on the previous attempt are rejected.
func (s *store) ResetResult(ctx context.Context, result *Result) error {
	db := s.db.WithContext(ctx)

	if err := db.Where("result_id = ?", result.ID).
		Delete(&QualityComment{}).Error; err != nil {
		return fmt.Errorf("deleting quality comments: %w", err)
	}

	if err := db.Where("result_id = ?", result.ID).
		Delete(&StepResult{}).Error; err != nil {
		return fmt.Errorf("deleting step results: %w", err)
	}

	result.State = ResultStateNotStarted
	result.RunnerID = nil
	result.StartedAt = nil
	result.SetupStdout = ""
	result.SetupStderr = ""
	result.StepResults = nil
	result.Attempt++

	return s.UpdateResult(ctx, result)
}

// ClaimNextResult locks the oldest not-started result of the run, skipping
// rows locked by concurrent claims. It returns (nil, nil) when there is no
// work left.
func (s *store) ClaimNextResult(ctx context.Context, runID uint) (*Result, error) {
	var result Result

	err := s.db.WithContext(ctx).
		Where("run_id = ? AND state = ?", runID, ResultStateNotStarted).
		Order("id ASC").
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("claiming result: %w", err)
	}

	return &result, nil
}

func (s *store) ListResults(
	ctx context.Context, runID uint, states ...ResultState,
) ([]Result, error) {
	q := s.db.WithContext(ctx).Where("run_id = ?", runID)
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}

	var results []Result
	if err := q.Order("id ASC").Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}

	return results, nil
}

func (s *store) CountResults(
	ctx context.Context, runID uint, states ...ResultState,
) (int64, error) {
	q := s.db.WithContext(ctx).Model(&Result{}).Where("run_id = ?", runID)
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting results: %w", err)
	}

	return count, nil
}

// ListResultsByRunner returns the results the runner currently owns.
func (s *store) ListResultsByRunner(ctx context.Context, runnerID string) ([]Result, error) {
	var results []Result
	if err := s.db.WithContext(ctx).
		Where("runner_id = ? AND state = ?", runnerID, ResultStateRunning).
		Order("id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing runner results: %w", err)
	}

	return results, nil
}

func (s *store) CreateStepResults(ctx context.Context, stepResults []StepResult) error {
	if len(stepResults) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Create(&stepResults).Error; err != nil {
		return fmt.Errorf("creating step results: %w", err)
	}

	return nil
}

func (s *store) GetStepResult(ctx context.Context, resultID, stepID uint) (*StepResult, error) {
	var sr StepResult
	if err := s.db.WithContext(ctx).
		Where("result_id = ? AND step_id = ?", resultID, stepID).
		First(&sr).Error; err != nil {
		return nil, notFound(err, "step result")
	}

	return &sr, nil
}

func (s *store) UpdateStepResult(ctx context.Context, sr *StepResult) error {
	if err := s.db.WithContext(ctx).Save(sr).Error; err != nil {
		return fmt.Errorf("updating step result: %w", err)
	}

	return nil
}

func (s *store) ListStepResults(ctx context.Context, resultID uint) ([]StepResult, error) {
	var srs []StepResult
	if err := s.db.WithContext(ctx).
		Where("result_id = ?", resultID).
		Order("id ASC").
		Find(&srs).Error; err != nil {
		return nil, fmt.Errorf("listing step results: %w", err)
	}

	return srs, nil
}

// ReplaceQualityComments swaps the comments recorded for a step of a result.
func (s *store) ReplaceQualityComments(
	ctx context.Context, resultID, stepID uint, comments []QualityComment,
) error {
	db := s.db.WithContext(ctx)

	if err := db.Where("result_id = ? AND step_id = ?", resultID, stepID).
		Delete(&QualityComment{}).Error; err != nil {
		return fmt.Errorf("deleting quality comments: %w", err)
	}

	if len(comments) == 0 {
		return nil
	}

	for i := range comments {
		comments[i].ID = 0
		comments[i].ResultID = resultID
		comments[i].StepID = stepID
	}

	if err := db.Create(&comments).Error; err != nil {
		return fmt.Errorf("creating quality comments: %w", err)
	}

	return nil
}

func (s *store) ListQualityComments(
	ctx context.Context, resultID uint,
) ([]QualityComment, error) {
	var comments []QualityComment
	if err := s.db.WithContext(ctx).
		Where("result_id = ?", resultID).
		Order("id ASC").
		Find(&comments).Error; err != nil {
		return nil, fmt.Errorf("listing quality comments: %w", err)
	}

	return comments, nil
}

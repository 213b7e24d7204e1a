package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *store) CreateAssignment(ctx context.Context, a *Assignment) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("creating assignment: %w", err)
	}

	return nil
}

func (s *store) GetAssignment(ctx context.Context, id uint) (*Assignment, error) {
	var a Assignment
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, notFound(err, "assignment")
	}

	return &a, nil
}

func (s *store) CreateSubmission(ctx context.Context, sub *Submission) error {
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("creating submission: %w", err)
	}

	return nil
}

func (s *store) GetSubmission(ctx context.Context, id uint) (*Submission, error) {
	var sub Submission
	if err := s.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		return nil, notFound(err, "submission")
	}

	return &sub, nil
}

// CountSubmissions counts the non-deleted submissions of an author.
func (s *store) CountSubmissions(
	ctx context.Context, assignmentID, authorID uint,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Submission{}).
		Where("assignment_id = ? AND author_id = ? AND deleted = ?",
			assignmentID, authorID, false).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting submissions: %w", err)
	}

	return count, nil
}

// ListSubmissionsSince returns the non-deleted submissions of an author
// created at or after since, oldest first.
func (s *store) ListSubmissionsSince(
	ctx context.Context, assignmentID, authorID uint, since time.Time,
) ([]Submission, error) {
	var subs []Submission
	if err := s.db.WithContext(ctx).
		Where("assignment_id = ? AND author_id = ? AND deleted = ? AND created_at >= ?",
			assignmentID, authorID, false, since).
		Order("created_at ASC").Order("id ASC").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}

	return subs, nil
}

// ListCurrentSubmissions returns the newest non-deleted submission of every
// author of the assignment.
func (s *store) ListCurrentSubmissions(
	ctx context.Context, assignmentID uint,
) ([]Submission, error) {
	latest := s.db.Model(&Submission{}).
		Select("MAX(id)").
		Where("assignment_id = ? AND deleted = ?", assignmentID, false).
		Group("author_id")

	var subs []Submission
	if err := s.db.WithContext(ctx).
		Where("id IN (?)", latest).
		Order("id ASC").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("listing current submissions: %w", err)
	}

	return subs, nil
}

// IsCurrentSubmission reports whether sub is its author's newest
// non-deleted submission.
func (s *store) IsCurrentSubmission(ctx context.Context, sub *Submission) (bool, error) {
	if sub.Deleted {
		return false, nil
	}

	var newer int64
	if err := s.db.WithContext(ctx).Model(&Submission{}).
		Where("assignment_id = ? AND author_id = ? AND deleted = ? AND id > ?",
			sub.AssignmentID, sub.AuthorID, false, sub.ID).
		Count(&newer).Error; err != nil {
		return false, fmt.Errorf("checking newer submissions: %w", err)
	}

	return newer == 0, nil
}

func (s *store) CreateRubricRow(ctx context.Context, row *RubricRow) error {
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("creating rubric row: %w", err)
	}

	return nil
}

func (s *store) ListRubricRows(ctx context.Context, assignmentID uint) ([]RubricRow, error) {
	var rows []RubricRow
	if err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("points ASC") }).
		Where("assignment_id = ?", assignmentID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing rubric rows: %w", err)
	}

	return rows, nil
}

// UpsertRubricSelection replaces the selection of the row for the submission.
func (s *store) UpsertRubricSelection(ctx context.Context, sel *RubricSelection) error {
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "submission_id"}, {Name: "rubric_row_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"rubric_item_id", "multiplier", "auto_test_run_id",
		}),
	}).Create(sel).Error; err != nil {
		return fmt.Errorf("upserting rubric selection: %w", err)
	}

	return nil
}

func (s *store) ListRubricSelections(
	ctx context.Context, submissionID uint,
) ([]RubricSelection, error) {
	var sels []RubricSelection
	if err := s.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("rubric_row_id ASC").
		Find(&sels).Error; err != nil {
		return nil, fmt.Errorf("listing rubric selections: %w", err)
	}

	return sels, nil
}

// DeleteRubricSelectionsForRun removes every selection written by the run.
func (s *store) DeleteRubricSelectionsForRun(ctx context.Context, runID uint) error {
	if err := s.db.WithContext(ctx).
		Where("auto_test_run_id = ?", runID).
		Delete(&RubricSelection{}).Error; err != nil {
		return fmt.Errorf("deleting rubric selections: %w", err)
	}

	return nil
}

package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// preloadConfig loads sets, suites and steps in position order.
func preloadConfig(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Sets", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Sets.Suites", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Sets.Suites.Steps", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Fixtures").
		Preload("Assignment")
}

func (s *store) CreateAutoTest(ctx context.Context, at *AutoTest) error {
	if err := s.db.WithContext(ctx).Omit("Assignment").Create(at).Error; err != nil {
		return fmt.Errorf("creating autotest: %w", err)
	}

	return nil
}

func (s *store) GetAutoTest(ctx context.Context, id uint) (*AutoTest, error) {
	var at AutoTest
	if err := preloadConfig(s.db.WithContext(ctx)).First(&at, id).Error; err != nil {
		return nil, notFound(err, "autotest")
	}

	return &at, nil
}

func (s *store) GetAutoTestByAssignment(
	ctx context.Context, assignmentID uint,
) (*AutoTest, error) {
	var at AutoTest
	if err := preloadConfig(s.db.WithContext(ctx)).
		Where("assignment_id = ?", assignmentID).
		First(&at).Error; err != nil {
		return nil, notFound(err, "autotest")
	}

	return &at, nil
}

// UpdateAutoTest saves the scalar fields of the AutoTest.
func (s *store) UpdateAutoTest(ctx context.Context, at *AutoTest) error {
	if err := s.db.WithContext(ctx).Model(&AutoTest{ID: at.ID}).
		Select("setup_script", "run_setup_script", "grade_calculator").
		Updates(at).Error; err != nil {
		return fmt.Errorf("updating autotest: %w", err)
	}

	return nil
}

// ReplaceAutoTestSets deletes the existing sets, suites and steps of the
// AutoTest and creates the given ones in their place.
func (s *store) ReplaceAutoTestSets(ctx context.Context, autoTestID uint, sets []Set) error {
	db := s.db.WithContext(ctx)

	setIDs := db.Model(&Set{}).Select("id").Where("auto_test_id = ?", autoTestID)
	suiteIDs := db.Model(&Suite{}).Select("id").Where("set_id IN (?)", setIDs)

	if err := db.Where("suite_id IN (?)", suiteIDs).Delete(&Step{}).Error; err != nil {
		return fmt.Errorf("deleting steps: %w", err)
	}

	if err := db.Where("set_id IN (?)", setIDs).Delete(&Suite{}).Error; err != nil {
		return fmt.Errorf("deleting suites: %w", err)
	}

	if err := db.Where("auto_test_id = ?", autoTestID).Delete(&Set{}).Error; err != nil {
		return fmt.Errorf("deleting sets: %w", err)
	}

	for i := range sets {
		sets[i].ID = 0
		sets[i].AutoTestID = autoTestID

		if err := db.Create(&sets[i]).Error; err != nil {
			return fmt.Errorf("creating set %d: %w", i, err)
		}
	}

	return nil
}

// ReplaceFixtures swaps the fixtures of the AutoTest.
func (s *store) ReplaceFixtures(ctx context.Context, autoTestID uint, fixtures []Fixture) error {
	db := s.db.WithContext(ctx)

	if err := db.Where("auto_test_id = ?", autoTestID).Delete(&Fixture{}).Error; err != nil {
		return fmt.Errorf("deleting fixtures: %w", err)
	}

	if len(fixtures) == 0 {
		return nil
	}

	for i := range fixtures {
		fixtures[i].ID = 0
		fixtures[i].AutoTestID = autoTestID
	}

	if err := db.Create(&fixtures).Error; err != nil {
		return fmt.Errorf("creating fixtures: %w", err)
	}

	return nil
}

func (s *store) GetFixture(ctx context.Context, autoTestID, fixtureID uint) (*Fixture, error) {
	var f Fixture
	if err := s.db.WithContext(ctx).
		Where("auto_test_id = ?", autoTestID).
		First(&f, fixtureID).Error; err != nil {
		return nil, notFound(err, "fixture")
	}

	return &f, nil
}

package grading

import (
	"context"
	"fmt"

	"github.com/ethpandaops/gradeoor/pkg/steps"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// RowScore is the points of one rubric row. Suites sharing a row are
// combined.
type RowScore struct {
	RubricRowID uint    `json:"rubric_row_id"`
	Achieved    float64 `json:"achieved"`
	Possible    float64 `json:"possible"`
}

// Fraction returns the achieved share of the row, 0 for an empty row.
func (r *RowScore) Fraction() float64 {
	if r.Possible <= 0 {
		return 0
	}

	return clampFraction(r.Achieved / r.Possible)
}

// Score is the points of one result.
type Score struct {
	Achieved float64    `json:"achieved"`
	Possible float64    `json:"possible"`
	Rows     []RowScore `json:"rows"`
}

// ScoreResult computes the points of a result from its stored step results
// and quality comments. Steps without a step result, such as hidden steps
// that were not part of the plan, count towards neither total.
func ScoreResult(
	log logrus.FieldLogger,
	at *store.AutoTest,
	stepResults []store.StepResult,
	comments []store.QualityComment,
) *Score {
	byStep := make(map[uint]*store.StepResult, len(stepResults))
	for i := range stepResults {
		byStep[stepResults[i].StepID] = &stepResults[i]
	}

	commentsByStep := make(map[uint][]store.QualityComment)
	for _, c := range comments {
		commentsByStep[c.StepID] = append(commentsByStep[c.StepID], c)
	}

	var (
		score = &Score{}
		rows  = make(map[uint]*RowScore)
		order []uint
	)

	for _, set := range at.Sets {
		for _, suite := range set.Suites {
			var achieved, possible float64

			for i := range suite.Steps {
				step := &suite.Steps[i]

				sr, ok := byStep[step.ID]
				if !ok {
					continue
				}

				possible += step.Weight
				achieved += StepPoints(log, step, sr, commentsByStep[step.ID])
			}

			score.Achieved += achieved
			score.Possible += possible

			if suite.RubricRowID == nil {
				continue
			}

			row, ok := rows[*suite.RubricRowID]
			if !ok {
				row = &RowScore{RubricRowID: *suite.RubricRowID}
				rows[*suite.RubricRowID] = row
				order = append(order, *suite.RubricRowID)
			}

			row.Achieved += achieved
			row.Possible += possible
		}
	}

	for _, id := range order {
		score.Rows = append(score.Rows, *rows[id])
	}

	return score
}

// StepPoints returns the points of a single step result.
func StepPoints(
	log logrus.FieldLogger,
	step *store.Step,
	sr *store.StepResult,
	comments []store.QualityComment,
) float64 {
	cfg, err := steps.Parse(steps.Kind(step.TestTypeName), step.Data)
	if err != nil {
		log.WithError(err).WithField("step", step.ID).Warn("Failed to parse step configuration")

		return 0
	}

	return steps.AchievedPoints(cfg, step.Weight, sr.State, sr.Log, comments)
}

// Aggregator writes rubric selections for finished results.
type Aggregator struct {
	log      logrus.FieldLogger
	registry *Registry
}

// NewAggregator creates an aggregator using the calculators of registry.
func NewAggregator(log logrus.FieldLogger, registry *Registry) *Aggregator {
	return &Aggregator{
		log:      log.WithField("component", "grading"),
		registry: registry,
	}
}

// Aggregate scores the result and writes one rubric selection per rubric
// row that had steps, tagged with the run so that they can be cleared when
// the run is deleted.
func (a *Aggregator) Aggregate(
	ctx context.Context,
	tx store.Store,
	at *store.AutoTest,
	result *store.Result,
) (*Score, error) {
	calc, err := a.registry.Get(at.GradeCalculator)
	if err != nil {
		return nil, err
	}

	stepResults, err := tx.ListStepResults(ctx, result.ID)
	if err != nil {
		return nil, err
	}

	comments, err := tx.ListQualityComments(ctx, result.ID)
	if err != nil {
		return nil, err
	}

	rubric, err := tx.ListRubricRows(ctx, at.AssignmentID)
	if err != nil {
		return nil, err
	}

	rowsByID := make(map[uint]*store.RubricRow, len(rubric))
	for i := range rubric {
		rowsByID[rubric[i].ID] = &rubric[i]
	}

	score := ScoreResult(a.log, at, stepResults, comments)
	runID := result.RunID

	for _, rs := range score.Rows {
		if rs.Possible <= 0 {
			continue
		}

		row, ok := rowsByID[rs.RubricRowID]
		if !ok {
			a.log.WithField("rubric_row", rs.RubricRowID).Warn("Suite refers to a missing rubric row")

			continue
		}

		item, multiplier := calc.Select(row, rs.Fraction())
		if item == nil {
			continue
		}

		if err := tx.UpsertRubricSelection(ctx, &store.RubricSelection{
			SubmissionID:  result.SubmissionID,
			RubricRowID:   row.ID,
			RubricItemID:  item.ID,
			Multiplier:    multiplier,
			AutoTestRunID: &runID,
		}); err != nil {
			return nil, fmt.Errorf("selecting rubric item: %w", err)
		}
	}

	a.log.WithFields(logrus.Fields{
		"result":   result.ID,
		"achieved": score.Achieved,
		"possible": score.Possible,
	}).Debug("Aggregated result")

	return score, nil
}

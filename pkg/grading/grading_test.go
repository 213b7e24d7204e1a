package grading

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/ethpandaops/gradeoor/pkg/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func testRow() *store.RubricRow {
	return &store.RubricRow{
		ID: 1,
		Items: []store.RubricItem{
			{ID: 12, Points: 10},
			{ID: 10, Points: 0},
			{ID: 11, Points: 4},
		},
	}
}

func TestFull(t *testing.T) {
	tests := []struct {
		name     string
		fraction float64
		wantItem uint
	}{
		{name: "nothing", fraction: 0, wantItem: 10},
		{name: "below second item", fraction: 0.39, wantItem: 10},
		{name: "exactly second item", fraction: 0.4, wantItem: 11},
		{name: "between", fraction: 0.9, wantItem: 11},
		{name: "everything", fraction: 1, wantItem: 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, multiplier := Full(testRow(), tt.fraction)
			require.NotNil(t, item)
			assert.Equal(t, tt.wantItem, item.ID)
			assert.Equal(t, 1.0, multiplier)
		})
	}
}

func TestFull_LowestItemFallback(t *testing.T) {
	row := &store.RubricRow{Items: []store.RubricItem{{ID: 1, Points: 2}, {ID: 2, Points: 5}}}

	item, _ := Full(row, 0)
	require.NotNil(t, item)
	assert.Equal(t, uint(1), item.ID)
}

func TestPartial(t *testing.T) {
	item, multiplier := Partial(testRow(), 0.25)
	require.NotNil(t, item)
	assert.Equal(t, uint(12), item.ID)
	assert.InDelta(t, 0.25, multiplier, 1e-9)

	_, multiplier = Partial(testRow(), 1.5)
	assert.Equal(t, 1.0, multiplier)

	item, _ = Partial(&store.RubricRow{}, 0.5)
	assert.Nil(t, item)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"full", "partial"}, r.Names())

	_, err := r.Get("median")
	require.ErrorIs(t, err, ErrUnknownCalculator)

	r.Register("zero", CalculatorFunc(func(row *store.RubricRow, _ float64) (*store.RubricItem, float64) {
		return &row.Items[0], 0
	}))

	c, err := r.Get("zero")
	require.NoError(t, err)

	item, _ := c.Select(testRow(), 1)
	assert.Equal(t, uint(12), item.ID)
}

func runProgramStep(weight float64) store.Step {
	return store.Step{
		Name:         "step",
		Weight:       weight,
		TestTypeName: "run_program",
		Data:         datatypes.JSON(`{"program":"make"}`),
	}
}

func TestScoreResult_CombinesSuitesOfOneRow(t *testing.T) {
	rowID := uint(7)
	other := uint(8)

	at := &store.AutoTest{Sets: []store.Set{
		{Suites: []store.Suite{
			{RubricRowID: &rowID, Steps: []store.Step{
				withID(runProgramStep(2), 1),
				withID(runProgramStep(2), 2),
			}},
			{RubricRowID: &other, Steps: []store.Step{withID(runProgramStep(1), 3)}},
		}},
		{Suites: []store.Suite{
			{RubricRowID: &rowID, Steps: []store.Step{
				withID(runProgramStep(4), 4),
				// Hidden step without a result.
				withID(runProgramStep(10), 5),
			}},
		}},
	}}

	stepResults := []store.StepResult{
		{StepID: 1, State: store.StepStatePassed},
		{StepID: 2, State: store.StepStateFailed},
		{StepID: 3, State: store.StepStatePassed},
		{StepID: 4, State: store.StepStatePassed},
	}

	score := ScoreResult(storetest.Logger(), at, stepResults, nil)

	assert.Equal(t, 7.0, score.Achieved)
	assert.Equal(t, 9.0, score.Possible)
	require.Len(t, score.Rows, 2)
	assert.Equal(t, RowScore{RubricRowID: 7, Achieved: 6, Possible: 8}, score.Rows[0])
	assert.Equal(t, RowScore{RubricRowID: 8, Achieved: 1, Possible: 1}, score.Rows[1])
	assert.InDelta(t, 0.75, score.Rows[0].Fraction(), 1e-9)
}

func withID(step store.Step, id uint) store.Step {
	step.ID = id

	return step
}

func TestAggregator_Aggregate(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	fx := storetest.NewFixture(t, s, runProgramStep(1), runProgramStep(1))
	sub := fx.Submit(t, s, 1)

	run := &store.Run{AutoTestID: fx.AutoTest.ID, State: store.RunStateActive, JobID: "job"}
	require.NoError(t, s.CreateRun(ctx, run))

	results := []store.Result{{RunID: run.ID, SubmissionID: sub.ID, State: store.ResultStateRunning}}
	require.NoError(t, s.CreateResults(ctx, results))

	stepsCfg := fx.AutoTest.Sets[0].Suites[0].Steps
	log, err := json.Marshal(map[string]any{"stdout": "ok"})
	require.NoError(t, err)

	require.NoError(t, s.CreateStepResults(ctx, []store.StepResult{
		{ResultID: results[0].ID, StepID: stepsCfg[0].ID, State: store.StepStatePassed, Log: log},
		{ResultID: results[0].ID, StepID: stepsCfg[1].ID, State: store.StepStateFailed, Log: log},
	}))

	agg := NewAggregator(storetest.Logger(), NewRegistry())

	score, err := agg.Aggregate(ctx, s, fx.AutoTest, &results[0])
	require.NoError(t, err)
	assert.Equal(t, 1.0, score.Achieved)

	sels, err := s.ListRubricSelections(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, sels, 1)

	// Half the points selects the 5 point item.
	var half uint

	for _, item := range fx.Row.Items {
		if item.Points == 5 {
			half = item.ID
		}
	}

	assert.Equal(t, half, sels[0].RubricItemID)
	require.NotNil(t, sels[0].AutoTestRunID)
	assert.Equal(t, run.ID, *sels[0].AutoTestRunID)

	fx.AutoTest.GradeCalculator = "nonexistent"
	_, err = agg.Aggregate(ctx, s, fx.AutoTest, &results[0])
	require.ErrorIs(t, err, ErrUnknownCalculator)
}

// Package storetest provides in-memory stores for tests.
package storetest

import (
	"context"
	"testing"

	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// New starts a store backed by an in-memory SQLite database that is closed
// when the test ends.
func New(t testing.TB) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	s := store.NewStore(Logger(), cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

// Logger returns a logger that only prints errors.
func Logger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// Fixture is a minimal assignment with an AutoTest of one set and one
// suite bound to a three item rubric row.
type Fixture struct {
	Assignment *store.Assignment
	Row        *store.RubricRow
	AutoTest   *store.AutoTest
}

// NewFixture creates a Fixture whose suite holds the given steps.
func NewFixture(t testing.TB, s store.Store, steps ...store.Step) *Fixture {
	t.Helper()

	ctx := context.Background()

	a := &store.Assignment{Name: "assignment"}
	require.NoError(t, s.CreateAssignment(ctx, a))

	for i := range steps {
		steps[i].Position = i
	}

	row := &store.RubricRow{
		AssignmentID: a.ID,
		Header:       "tests",
		Items: []store.RubricItem{
			{Header: "none", Points: 0},
			{Header: "half", Points: 5},
			{Header: "all", Points: 10},
		},
	}
	require.NoError(t, s.CreateRubricRow(ctx, row))

	at := &store.AutoTest{
		AssignmentID:    a.ID,
		GradeCalculator: "full",
		Sets: []store.Set{{
			Suites: []store.Suite{{
				Name:             "suite",
				RubricRowID:      &row.ID,
				CommandTimeLimit: 10,
				Steps:            steps,
			}},
		}},
	}
	require.NoError(t, s.CreateAutoTest(ctx, at))

	got, err := s.GetAutoTest(ctx, at.ID)
	require.NoError(t, err)

	return &Fixture{Assignment: a, Row: row, AutoTest: got}
}

// Submit creates a submission for author.
func (f *Fixture) Submit(t testing.TB, s store.Store, authorID uint) *store.Submission {
	t.Helper()

	sub := &store.Submission{AssignmentID: f.Assignment.ID, AuthorID: authorID}
	require.NoError(t, s.CreateSubmission(context.Background(), sub))

	return sub
}

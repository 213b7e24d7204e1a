package submission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/controller"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/ethpandaops/gradeoor/pkg/store/storetest"
	"github.com/ethpandaops/gradeoor/pkg/taskqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []controller.RunPayload
}

var _ taskqueue.Queue = (*fakeQueue)(nil)

func (q *fakeQueue) Register(taskqueue.Definition) {}
func (q *fakeQueue) Start(context.Context) error   { return nil }
func (q *fakeQueue) Stop() error                   { return nil }

func (q *fakeQueue) Enqueue(
	_ context.Context, name string, payload any, _ ...taskqueue.EnqueueOption,
) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if name == controller.TaskAdjustRunnerCount {
		q.tasks = append(q.tasks, payload.(controller.RunPayload))
	}

	return nil
}

func newTestGuard(t *testing.T, s store.Store, now *time.Time) (*guard, *fakeQueue) {
	t.Helper()

	q := &fakeQueue{}

	g, ok := NewGuard(storetest.Logger(), s, q).(*guard)
	require.True(t, ok)

	g.now = func() time.Time { return *now }

	return g, q
}

func createAssignment(t *testing.T, s store.Store, a *store.Assignment) *store.Assignment {
	t.Helper()

	a.Name = "assignment"
	require.NoError(t, s.CreateAssignment(context.Background(), a))

	return a
}

func TestCreateSubmission_MaxSubmissions(t *testing.T) {
	s := storetest.New(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestGuard(t, s, &now)
	ctx := context.Background()

	limit := 2
	a := createAssignment(t, s, &store.Assignment{MaxSubmissions: &limit})

	for i := 0; i < limit; i++ {
		_, err := g.CreateSubmission(ctx, a.ID, 1, "archive")
		require.NoError(t, err)
	}

	_, err := g.CreateSubmission(ctx, a.ID, 1, "archive")
	require.ErrorIs(t, err, ErrMaxSubmissionsReached)

	// Limits are per author.
	_, err = g.CreateSubmission(ctx, a.ID, 2, "archive")
	require.NoError(t, err)
}

func TestCreateSubmission_CoolOff(t *testing.T) {
	s := storetest.New(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestGuard(t, s, &now)
	ctx := context.Background()

	a := createAssignment(t, s, &store.Assignment{
		CoolOffPeriod:         10 * time.Minute,
		AmountInCoolOffPeriod: 2,
	})

	_, err := g.CreateSubmission(ctx, a.ID, 1, "first")
	require.NoError(t, err)

	now = now.Add(3 * time.Minute)

	_, err = g.CreateSubmission(ctx, a.ID, 1, "second")
	require.NoError(t, err)

	now = now.Add(time.Minute)

	_, err = g.CreateSubmission(ctx, a.ID, 1, "third")

	var coolOff *CoolOffError
	require.ErrorAs(t, err, &coolOff)
	assert.Equal(t, 6*time.Minute, coolOff.Wait)

	now = now.Add(6*time.Minute + time.Second)

	_, err = g.CreateSubmission(ctx, a.ID, 1, "third")
	require.NoError(t, err)
}

func TestCreateSubmission_ConcurrentMaxOne(t *testing.T) {
	s := storetest.New(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestGuard(t, s, &now)
	ctx := context.Background()

	limit := 1
	a := createAssignment(t, s, &store.Assignment{MaxSubmissions: &limit})

	const attempts = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		refused int
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := g.CreateSubmission(ctx, a.ID, 1, "archive")

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrMaxSubmissionsReached):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, attempts-1, refused)

	count, err := s.CountSubmissions(ctx, a.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCreateSubmission_JoinsActiveRun(t *testing.T) {
	s := storetest.New(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g, q := newTestGuard(t, s, &now)
	ctx := context.Background()

	f := storetest.NewFixture(t, s, store.Step{
		Name:         "build",
		Weight:       1,
		TestTypeName: "run_program",
		Data:         datatypes.JSON(`{"program":"make"}`),
	})

	run := &store.Run{AutoTestID: f.AutoTest.ID, State: store.RunStateActive, JobID: "job", BatchRunDone: true}
	require.NoError(t, s.CreateRun(ctx, run))

	sub, err := g.CreateSubmission(ctx, f.Assignment.ID, 1, "archive")
	require.NoError(t, err)

	results, err := s.ListResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, sub.ID, results[0].SubmissionID)
	assert.Equal(t, store.ResultStateNotStarted, results[0].State)

	assert.Equal(t, []controller.RunPayload{{RunID: run.ID}}, q.tasks)
}

func TestCreateSubmission_WithoutRun(t *testing.T) {
	s := storetest.New(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g, q := newTestGuard(t, s, &now)

	a := createAssignment(t, s, &store.Assignment{})

	_, err := g.CreateSubmission(context.Background(), a.ID, 1, "archive")
	require.NoError(t, err)
	assert.Empty(t, q.tasks)
}

func TestCreateSubmission_ReopensCompletedRun(t *testing.T) {
	s := storetest.New(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g, q := newTestGuard(t, s, &now)
	ctx := context.Background()

	f := storetest.NewFixture(t, s, store.Step{
		Name:         "build",
		Weight:       1,
		TestTypeName: "run_program",
		Data:         datatypes.JSON(`{"program":"make"}`),
	})

	run := &store.Run{
		AutoTestID:       f.AutoTest.ID,
		State:            store.RunStateCompleted,
		JobID:            "ended-job",
		RunnersRequested: 2,
		BatchRunDone:     true,
	}
	require.NoError(t, s.CreateRun(ctx, run))

	sub, err := g.CreateSubmission(ctx, f.Assignment.ID, 1, "archive")
	require.NoError(t, err)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStateActive, got.State)
	assert.NotEqual(t, "ended-job", got.JobID)
	assert.Zero(t, got.RunnersRequested)

	results, err := s.ListResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, sub.ID, results[0].SubmissionID)

	assert.Equal(t, []controller.RunPayload{{RunID: run.ID}}, q.tasks)
}

func TestCreateSubmission_SkipsCrashedRun(t *testing.T) {
	s := storetest.New(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g, q := newTestGuard(t, s, &now)
	ctx := context.Background()

	f := storetest.NewFixture(t, s, store.Step{
		Name:         "build",
		Weight:       1,
		TestTypeName: "run_program",
		Data:         datatypes.JSON(`{"program":"make"}`),
	})

	run := &store.Run{AutoTestID: f.AutoTest.ID, State: store.RunStateCrashed, JobID: "job"}
	require.NoError(t, s.CreateRun(ctx, run))

	_, err := g.CreateSubmission(ctx, f.Assignment.ID, 1, "archive")
	require.NoError(t, err)

	results, err := s.ListResults(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, q.tasks)
}

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepResult_Transition(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name    string
		from    StepState
		to      StepState
		wantErr bool
	}{
		{name: "start", from: StepStateNotStarted, to: StepStateRunning},
		{name: "pass", from: StepStateRunning, to: StepStatePassed},
		{name: "fail", from: StepStateRunning, to: StepStateFailed},
		{name: "time out", from: StepStateRunning, to: StepStateTimedOut},
		{name: "skip running", from: StepStateRunning, to: StepStateSkipped},
		{name: "fail without running", from: StepStateNotStarted, to: StepStateFailed},
		{name: "skip without running", from: StepStateNotStarted, to: StepStateSkipped},
		{name: "pass without running", from: StepStateNotStarted, to: StepStatePassed, wantErr: true},
		{name: "timed out without running", from: StepStateNotStarted, to: StepStateTimedOut, wantErr: true},
		{name: "restart finished", from: StepStatePassed, to: StepStateRunning, wantErr: true},
		{name: "change finished", from: StepStateFailed, to: StepStatePassed, wantErr: true},
		{name: "running again", from: StepStateRunning, to: StepStateRunning, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr := &StepResult{State: tt.from}
			if tt.from == StepStateRunning {
				started := now.Add(-time.Minute)
				sr.StartedAt = &started
			}

			err := sr.Transition(tt.to, now)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, sr.State)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.to, sr.State)

			// started_at is set iff the step is running.
			if tt.to == StepStateRunning {
				require.NotNil(t, sr.StartedAt)
				assert.True(t, now.Equal(*sr.StartedAt))
			} else {
				assert.Nil(t, sr.StartedAt)
			}
		})
	}
}

func TestRun_Transition(t *testing.T) {
	run := &Run{State: RunStateCreated}

	require.NoError(t, run.Transition(RunStateActive))
	require.NoError(t, run.Transition(RunStateActive))
	require.ErrorIs(t, run.Transition(RunStateCreated), ErrInvalidTransition)
	require.NoError(t, run.Transition(RunStateCompleted))

	for _, next := range []RunState{RunStateActive, RunStateStopped, RunStateCrashed} {
		require.ErrorIs(t, run.Transition(next), ErrInvalidTransition)
	}

	assert.True(t, RunStateCrashed.IsTerminal())
	assert.False(t, RunStateActive.IsTerminal())
}

func TestRun_Reopen(t *testing.T) {
	run := &Run{ID: 3, State: RunStateCompleted, JobID: "old", RunnersRequested: 2}

	require.NoError(t, run.Reopen("new"))
	assert.Equal(t, RunStateActive, run.State)
	assert.Equal(t, "new", run.JobID)
	assert.Zero(t, run.RunnersRequested)

	require.NoError(t, run.Reopen("other"))
	assert.Equal(t, "new", run.JobID, "an active run keeps its job")

	for _, state := range []RunState{RunStateStopped, RunStateCrashed} {
		final := &Run{State: state, JobID: "old"}
		require.ErrorIs(t, final.Reopen("new"), ErrInvalidTransition)
		assert.Equal(t, state, final.State)
	}
}

func TestStates_Finished(t *testing.T) {
	assert.False(t, StepStateNotStarted.IsFinished())
	assert.False(t, StepStateRunning.IsFinished())
	assert.True(t, StepStateSkipped.IsFinished())
	assert.False(t, StepState("bogus").Valid())

	assert.False(t, ResultStateRunning.IsFinished())
	assert.True(t, ResultStateCrashed.IsFinished())
}

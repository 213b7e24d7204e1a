package store

import (
	"fmt"
	"time"
)

// RunState is the lifecycle state of a run.
type RunState string

// Run states.
const (
	RunStateCreated   RunState = "created"
	RunStateActive    RunState = "active"
	RunStateCompleted RunState = "completed"
	RunStateStopped   RunState = "stopped"
	RunStateCrashed   RunState = "crashed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateCompleted, RunStateStopped, RunStateCrashed:
		return true
	default:
		return false
	}
}

// nonTerminalRunStates are the states in which a run still owns work.
var nonTerminalRunStates = []RunState{RunStateCreated, RunStateActive}

// Transition moves the run to next, rejecting transitions out of a
// terminal state and transitions back to created.
func (r *Run) Transition(next RunState) error {
	if r.State == next {
		return nil
	}

	if r.State.IsTerminal() {
		return fmt.Errorf("run %d is %s: %w", r.ID, r.State, ErrInvalidTransition)
	}

	if next == RunStateCreated {
		return fmt.Errorf("run %d cannot return to created: %w", r.ID, ErrInvalidTransition)
	}

	r.State = next

	return nil
}

// Reopen puts a completed run back to active so restarted results and new
// submissions are executed. The previous broker job was ended on
// completion, so the run continues under jobID with no runners requested.
// Stopped and crashed runs cannot be reopened.
func (r *Run) Reopen(jobID string) error {
	switch r.State {
	case RunStateActive:
		return nil
	case RunStateCompleted:
		r.State = RunStateActive
		r.JobID = jobID
		r.RunnersRequested = 0

		return nil
	default:
		return fmt.Errorf("run %d is %s: %w", r.ID, r.State, ErrInvalidTransition)
	}
}

// ResultState is the state of a result.
type ResultState string

// Result states.
const (
	ResultStateNotStarted ResultState = "not_started"
	ResultStateRunning    ResultState = "running"
	ResultStateDone       ResultState = "done"
	ResultStateFailed     ResultState = "failed"
	ResultStateTimedOut   ResultState = "timed_out"
	ResultStateCrashed    ResultState = "crashed"
)

// IsFinished reports whether the result has reached a final state.
func (s ResultState) IsFinished() bool {
	return s != ResultStateNotStarted && s != ResultStateRunning
}

// StepState is the state of a step result.
type StepState string

// Step states.
const (
	StepStateNotStarted StepState = "not_started"
	StepStateRunning    StepState = "running"
	StepStatePassed     StepState = "passed"
	StepStateFailed     StepState = "failed"
	StepStateTimedOut   StepState = "timed_out"
	StepStateSkipped    StepState = "skipped"
)

// IsFinished reports whether the state is terminal.
func (s StepState) IsFinished() bool {
	switch s {
	case StepStatePassed, StepStateFailed, StepStateTimedOut, StepStateSkipped:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known step state.
func (s StepState) Valid() bool {
	return s == StepStateNotStarted || s == StepStateRunning || s.IsFinished()
}

// canTransition encodes the step state machine. Steps that never execute
// may be finished straight from not_started as failed or skipped.
func canTransition(from, to StepState) bool {
	switch from {
	case StepStateNotStarted:
		return to == StepStateRunning || to == StepStateFailed || to == StepStateSkipped
	case StepStateRunning:
		return to.IsFinished()
	default:
		return false
	}
}

// Transition moves the step result to next. started_at is set when entering
// running and cleared on every other state.
func (sr *StepResult) Transition(next StepState, now time.Time) error {
	if !canTransition(sr.State, next) {
		return fmt.Errorf(
			"step result %d: %s -> %s: %w", sr.ID, sr.State, next, ErrInvalidTransition,
		)
	}

	sr.State = next

	if next == StepStateRunning {
		started := now
		sr.StartedAt = &started
	} else {
		sr.StartedAt = nil
	}

	return nil
}

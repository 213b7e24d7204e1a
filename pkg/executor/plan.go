package executor

import (
	"github.com/ethpandaops/gradeoor/pkg/steps"
)

// Plan is everything a runner needs to execute one result.
type Plan struct {
	ResultID             uint      `json:"result_id"`
	Attempt              int       `json:"attempt"`
	SubmissionArchiveKey string    `json:"submission_archive_key"`
	SetupScript          string    `json:"setup_script"`
	RunSetupScript       string    `json:"run_setup_script"`
	Fixtures             []Fixture `json:"fixtures"`
	Sets                 []Set     `json:"sets"`
}

// Fixture is a file copied into the container before the steps run.
type Fixture struct {
	ID         uint   `json:"id"`
	Name       string `json:"name"`
	StorageKey string `json:"storage_key"`
}

// Set is an ordered stage of suites.
type Set struct {
	ID         uint    `json:"id"`
	StopPoints float64 `json:"stop_points"`
	Suites     []Suite `json:"suites"`
}

// Suite is a group of steps sharing network and time limit settings.
type Suite struct {
	ID               uint                 `json:"id"`
	NetworkDisabled  bool                 `json:"network_disabled"`
	CommandTimeLimit float64              `json:"command_time_limit"`
	Steps            []steps.Instructions `json:"steps"`
}

// Weight returns the sum of the step weights of the suite.
func (s *Suite) Weight() float64 {
	var total float64

	for _, step := range s.Steps {
		total += step.Weight
	}

	return total
}

// StepIDs returns the ids of the steps starting at index from.
func (s *Suite) StepIDs(from int) []uint {
	if from >= len(s.Steps) {
		return nil
	}

	ids := make([]uint, 0, len(s.Steps)-from)
	for _, step := range s.Steps[from:] {
		ids = append(ids, step.ID)
	}

	return ids
}

// StepIDs returns the ids of every step of the set.
func (s *Set) StepIDs() []uint {
	var ids []uint

	for i := range s.Suites {
		ids = append(ids, s.Suites[i].StepIDs(0)...)
	}

	return ids
}

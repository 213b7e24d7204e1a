package store

import (
	"time"

	"gorm.io/datatypes"
)

// Assignment is the unit students submit work to.
type Assignment struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Name           string     `gorm:"not null" json:"name"`
	Deadline       *time.Time `gorm:"index" json:"deadline"`
	MaxSubmissions *int       `json:"max_submissions"`
	// CoolOffPeriod is stored in nanoseconds; zero disables the cool-off.
	CoolOffPeriod         time.Duration `json:"cool_off_period"`
	AmountInCoolOffPeriod int           `gorm:"not null;default:1" json:"amount_in_cool_off_period"`
	CreatedAt             time.Time     `json:"created_at"`
}

// Submission is one upload by an author for an assignment.
type Submission struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AssignmentID uint      `gorm:"not null;index:idx_submission_author" json:"assignment_id"`
	AuthorID     uint      `gorm:"not null;index:idx_submission_author" json:"author_id"`
	ArchiveKey   string    `json:"archive_key"`
	Deleted      bool      `gorm:"not null;default:false" json:"deleted"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

// RubricRow is a graded category of an assignment.
type RubricRow struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	AssignmentID uint         `gorm:"not null;index" json:"assignment_id"`
	Header       string       `json:"header"`
	Items        []RubricItem `gorm:"constraint:OnDelete:CASCADE" json:"items"`
}

// MaxPoints returns the highest item value of the row.
func (r *RubricRow) MaxPoints() float64 {
	var highest float64

	for _, item := range r.Items {
		if item.Points > highest {
			highest = item.Points
		}
	}

	return highest
}

// RubricItem is one selectable level of a rubric row.
type RubricItem struct {
	ID          uint    `gorm:"primaryKey" json:"id"`
	RubricRowID uint    `gorm:"not null;index" json:"rubric_row_id"`
	Header      string  `json:"header"`
	Points      float64 `json:"points"`
}

// RubricSelection is the item chosen for a submission in a rubric row.
// Selections written by an AutoTest run carry its ID so that they can be
// cleared when the run is deleted.
type RubricSelection struct {
	ID            uint    `gorm:"primaryKey" json:"id"`
	SubmissionID  uint    `gorm:"not null;uniqueIndex:idx_selection_row" json:"submission_id"`
	RubricRowID   uint    `gorm:"not null;uniqueIndex:idx_selection_row" json:"rubric_row_id"`
	RubricItemID  uint    `gorm:"not null" json:"rubric_item_id"`
	Multiplier    float64 `gorm:"not null" json:"multiplier"`
	AutoTestRunID *uint   `gorm:"index" json:"auto_test_run_id"`
}

// AutoTest is the test configuration of an assignment.
type AutoTest struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	AssignmentID    uint      `gorm:"not null;uniqueIndex" json:"assignment_id"`
	SetupScript     string    `json:"setup_script"`
	RunSetupScript  string    `json:"run_setup_script"`
	GradeCalculator string    `gorm:"not null;default:full" json:"grade_calculator"`
	Sets            []Set     `gorm:"constraint:OnDelete:CASCADE" json:"sets"`
	Fixtures        []Fixture `gorm:"constraint:OnDelete:CASCADE" json:"fixtures"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	Assignment Assignment `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Fixture is a file made available inside the test container.
type Fixture struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	AutoTestID uint   `gorm:"not null;index" json:"auto_test_id"`
	Name       string `gorm:"not null" json:"name"`
	StorageKey string `gorm:"not null" json:"storage_key"`
	Hidden     bool   `json:"hidden"`
}

// Set is an ordered stage of suites.
type Set struct {
	ID         uint    `gorm:"primaryKey" json:"id"`
	AutoTestID uint    `gorm:"not null;index" json:"auto_test_id"`
	Position   int     `gorm:"not null" json:"position"`
	StopPoints float64 `json:"stop_points"`
	Suites     []Suite `gorm:"constraint:OnDelete:CASCADE" json:"suites"`
}

// Suite is a group of steps bound to one rubric row.
type Suite struct {
	ID              uint    `gorm:"primaryKey" json:"id"`
	SetID           uint    `gorm:"not null;index" json:"set_id"`
	Position        int     `gorm:"not null" json:"position"`
	Name            string  `json:"name"`
	RubricRowID     *uint   `json:"rubric_row_id"`
	NetworkDisabled bool    `gorm:"not null" json:"network_disabled"`
	// CommandTimeLimit is in seconds.
	CommandTimeLimit float64 `json:"command_time_limit"`
	Steps            []Step  `gorm:"constraint:OnDelete:CASCADE" json:"steps"`
}

// Step is a single unit of test configuration.
type Step struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	SuiteID      uint           `gorm:"not null;index" json:"suite_id"`
	Position     int            `gorm:"not null" json:"position"`
	Name         string         `json:"name"`
	Weight       float64        `gorm:"not null" json:"weight"`
	TestTypeName string         `gorm:"not null" json:"test_type_name"`
	Data         datatypes.JSON `json:"data"`
	Hidden       bool           `json:"hidden"`
}

// Run is one execution attempt of an AutoTest.
type Run struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	AutoTestID       uint      `gorm:"not null;index" json:"auto_test_id"`
	State            RunState  `gorm:"not null;index" json:"state"`
	JobID            string    `gorm:"not null;uniqueIndex" json:"job_id"`
	RunnersRequested int       `gorm:"not null;default:0" json:"runners_requested"`
	BatchRunDone     bool      `gorm:"not null;default:false;index" json:"batch_run_done"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`

	AutoTest AutoTest `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Runner is the registration of an ephemeral broker-provisioned worker.
type Runner struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	JobID         string    `gorm:"not null;index" json:"job_id"`
	IPAddr        string    `gorm:"not null" json:"ipaddr"`
	LastHeartbeat time.Time `gorm:"not null" json:"last_heartbeat"`
	RunID         *uint     `gorm:"index" json:"run_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Result is the outcome of a run for one submission.
type Result struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	RunID        uint        `gorm:"not null;index" json:"run_id"`
	SubmissionID uint        `gorm:"not null;index" json:"submission_id"`
	State        ResultState `gorm:"not null;index" json:"state"`
	RunnerID     *string     `gorm:"index;size:36" json:"runner_id"`
	// Attempt is bumped every time the result is reset; writes carrying an
	// older attempt are rejected.
	Attempt     int          `gorm:"not null;default:0" json:"attempt"`
	StartedAt   *time.Time   `json:"started_at"`
	SetupStdout string       `json:"-"`
	SetupStderr string       `json:"-"`
	StepResults []StepResult `gorm:"constraint:OnDelete:CASCADE" json:"step_results"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`

	Run        Run        `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Submission Submission `json:"-"`
}

// StepResult is the outcome of one step for one result.
type StepResult struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	ResultID       uint           `gorm:"not null;uniqueIndex:idx_step_result" json:"result_id"`
	StepID         uint           `gorm:"not null;uniqueIndex:idx_step_result" json:"step_id"`
	State          StepState      `gorm:"not null" json:"state"`
	StartedAt      *time.Time     `json:"started_at"`
	AchievedPoints float64        `json:"achieved_points"`
	Log            datatypes.JSON `json:"log"`
	AttachmentKey  *string        `json:"attachment_key"`
}

// QualityComment is a linter finding recorded for a code quality step.
type QualityComment struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	ResultID uint   `gorm:"not null;index:idx_comment_step" json:"result_id"`
	StepID   uint   `gorm:"not null;index:idx_comment_step" json:"step_id"`
	Severity string `gorm:"not null" json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Filename string `json:"filename"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

// allModels lists every model for migrations.
func allModels() []any {
	return []any{
		&Assignment{},
		&Submission{},
		&RubricRow{},
		&RubricItem{},
		&RubricSelection{},
		&AutoTest{},
		&Fixture{},
		&Set{},
		&Suite{},
		&Step{},
		&Run{},
		&Runner{},
		&Result{},
		&StepResult{},
		&QualityComment{},
	}
}

// Package steps implements the closed set of AutoTest step types. Every
// behavior (parse, validate, execute, achieved points, redaction) is an
// explicit switch over Kind; adding a type means extending each switch.
package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/container"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

// Kind is the discriminator of a step type.
type Kind string

// Step kinds.
const (
	KindIOTest       Kind = "io_test"
	KindRunProgram   Kind = "run_program"
	KindCustomOutput Kind = "custom_output"
	KindCheckPoints  Kind = "check_points"
	KindJUnitTest    Kind = "junit_test"
	KindCodeQuality  Kind = "code_quality"
)

// Kinds lists every known step kind.
var Kinds = []Kind{
	KindIOTest, KindRunProgram, KindCustomOutput,
	KindCheckPoints, KindJUnitTest, KindCodeQuality,
}

// regexTimeout bounds every regular expression evaluated against output.
const regexTimeout = 2 * time.Second

var (
	// ErrInvalidConfig is returned for step configurations that cannot run.
	ErrInvalidConfig = errors.New("invalid step configuration")

	// ErrStopSteps is returned together with an Outcome when the remaining
	// steps must be failed without being executed.
	ErrStopSteps = errors.New("stop remaining steps")
)

// Config is the type-specific configuration of a step. The set of
// implementations is closed.
type Config interface {
	kind() Kind
}

// Instructions is the payload a runner receives for one step.
type Instructions struct {
	ID               uint            `json:"id"`
	Name             string          `json:"name,omitempty"`
	Weight           float64         `json:"weight"`
	TestTypeName     Kind            `json:"test_type_name"`
	Data             json.RawMessage `json:"data"`
	CommandTimeLimit float64         `json:"command_time_limit"`
}

// Timeout returns the per-command time limit.
func (i *Instructions) Timeout() time.Duration {
	return time.Duration(i.CommandTimeLimit * float64(time.Second))
}

// Env is what a step executes against.
type Env struct {
	Container container.Container
	Log       logrus.FieldLogger
	// AchievedFraction is the achieved points of the current suite so far
	// divided by the total weight of the suite.
	AchievedFraction float64
}

// Comment is a code quality finding produced by a step.
type Comment struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Filename string `json:"filename"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

// Outcome is the result of executing one step.
type Outcome struct {
	State          store.StepState `json:"state"`
	AchievedPoints float64         `json:"achieved_points"`
	Log            json.RawMessage `json:"log"`
	// Attachment is an output file kept alongside the step result.
	Attachment []byte    `json:"attachment,omitempty"`
	Comments   []Comment `json:"comments,omitempty"`
}

// commandLog is the part of a log describing one command execution.
type commandLog struct {
	Stdout    string  `json:"stdout"`
	Stderr    string  `json:"stderr"`
	ExitCode  int     `json:"exit_code"`
	TimeSpent float64 `json:"time_spent"`
}

func newCommandLog(res *container.Result) commandLog {
	return commandLog{
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		TimeSpent: res.Elapsed.Seconds(),
	}
}

// Parse decodes step data into the configuration of kind. Unknown fields
// are rejected.
func Parse(kind Kind, data []byte) (Config, error) {
	var cfg Config

	switch kind {
	case KindIOTest:
		cfg = &IOTest{}
	case KindRunProgram:
		cfg = &RunProgram{}
	case KindCustomOutput:
		cfg = &CustomOutput{}
	case KindCheckPoints:
		cfg = &CheckPoints{}
	case KindJUnitTest:
		cfg = &JUnitTest{}
	case KindCodeQuality:
		cfg = &CodeQuality{}
	default:
		return nil, fmt.Errorf("unknown step type %q: %w", kind, ErrInvalidConfig)
	}

	raw := map[string]any{}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decoding %s data: %w: %w", kind, ErrInvalidConfig, err)
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      cfg,
		TagName:     "json",
		ErrorUnused: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decoding %s data: %w: %w", kind, ErrInvalidConfig, err)
	}

	return cfg, nil
}

// Validate checks a configuration against the weight of its step.
func Validate(cfg Config, weight float64) error {
	if weight < 0 || math.IsNaN(weight) {
		return invalid("weight must be >= 0")
	}

	switch c := cfg.(type) {
	case *IOTest:
		return c.validate(weight)
	case *RunProgram:
		return requireProgram(c.Program)
	case *CustomOutput:
		return c.validate()
	case *CheckPoints:
		return c.validate(weight)
	case *JUnitTest:
		return requireProgram(c.Program)
	case *CodeQuality:
		return c.validate()
	default:
		return invalid(fmt.Sprintf("unsupported configuration %T", cfg))
	}
}

// ParseAndValidate is Parse followed by Validate.
func ParseAndValidate(kind Kind, data []byte, weight float64) (Config, error) {
	cfg, err := Parse(kind, data)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg, weight); err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}

	return cfg, nil
}

// Warnings returns non-fatal configuration problems.
func Warnings(cfg Config) []string {
	if c, ok := cfg.(*CustomOutput); ok {
		if n := placeholderCount(c.Regex); n > 1 {
			return []string{fmt.Sprintf(
				"regex contains %d %s placeholders, only the first group is used",
				n, placeholder,
			)}
		}
	}

	return nil
}

// Execute runs the step described by ins. Command failures are reported
// through the Outcome; an error means the step could not be executed at
// all, except for ErrStopSteps which comes with a valid Outcome.
func Execute(ctx context.Context, env *Env, ins *Instructions) (*Outcome, error) {
	cfg, err := Parse(ins.TestTypeName, ins.Data)
	if err != nil {
		return nil, err
	}

	switch c := cfg.(type) {
	case *IOTest:
		return c.execute(ctx, env, ins)
	case *RunProgram:
		return c.execute(ctx, env, ins)
	case *CustomOutput:
		return c.execute(ctx, env, ins)
	case *CheckPoints:
		return c.execute(env, ins)
	case *JUnitTest:
		return c.execute(ctx, env, ins)
	case *CodeQuality:
		return c.execute(ctx, env, ins)
	default:
		return nil, invalid(fmt.Sprintf("unsupported configuration %T", cfg))
	}
}

// AchievedPoints returns the points a step result is worth. The result is
// always within [0, weight].
func AchievedPoints(
	cfg Config,
	weight float64,
	state store.StepState,
	log []byte,
	comments []store.QualityComment,
) float64 {
	var points float64

	switch c := cfg.(type) {
	case *IOTest:
		points = ioTestPoints(log)
	case *RunProgram:
		if state == store.StepStatePassed {
			points = weight
		}
	case *CustomOutput, *JUnitTest:
		points = loggedPoints(log)
	case *CheckPoints:
		points = 0
	case *CodeQuality:
		if state == store.StepStatePassed || state == store.StepStateFailed {
			points = c.points(weight, comments)
		}
	}

	return clamp(points, 0, weight)
}

func loggedPoints(log []byte) float64 {
	var l struct {
		AchievedPoints float64 `json:"achieved_points"`
	}

	if len(log) == 0 || json.Unmarshal(log, &l) != nil {
		return 0
	}

	return l.AchievedPoints
}

func runCommand(
	ctx context.Context,
	env *Env,
	argv []string,
	stdin string,
	vars map[string]string,
	timeout time.Duration,
) (*container.Result, error) {
	res, err := env.Container.RunCommand(ctx, &container.Command{
		Argv:    argv,
		Stdin:   stdin,
		Env:     vars,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}

	return res, nil
}

// commandState maps a finished command onto a step state.
func commandState(res *container.Result) store.StepState {
	switch {
	case res.TimedOut:
		return store.StepStateTimedOut
	case res.ExitCode == 0:
		return store.StepStatePassed
	default:
		return store.StepStateFailed
	}
}

func marshalLog(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding step log: %w", err)
	}

	return data, nil
}

func requireProgram(program string) error {
	if program == "" {
		return invalid("program must not be empty")
	}

	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrInvalidConfig)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}

	return math.Max(lo, math.Min(hi, v))
}

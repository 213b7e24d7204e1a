package steps

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/container"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeContainer answers commands from a callback and serves one report
// file for every CopyFrom.
type fakeContainer struct {
	run    func(cmd *container.Command) *container.Result
	report []byte
	cmds   []*container.Command
	copied []string
}

func (f *fakeContainer) RunCommand(_ context.Context, cmd *container.Command) (*container.Result, error) {
	f.cmds = append(f.cmds, cmd)

	res := f.run(cmd)
	if res == nil {
		return nil, container.ErrCrashed
	}

	return res, nil
}

func (f *fakeContainer) CopyFrom(_ context.Context, p string) ([]byte, error) {
	f.copied = append(f.copied, p)

	if f.report == nil {
		return nil, errors.New("no such file")
	}

	return f.report, nil
}

func (f *fakeContainer) CopyTo(context.Context, string, string, []byte) error { return nil }
func (f *fakeContainer) SetNetwork(context.Context, bool) error               { return nil }
func (f *fakeContainer) Close(context.Context) error                          { return nil }

func stdout(out string, exitCode int) func(*container.Command) *container.Result {
	return func(*container.Command) *container.Result {
		return &container.Result{ExitCode: exitCode, Stdout: out, StdoutTail: out}
	}
}

func newEnv(c container.Container) *Env {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return &Env{Container: c, Log: log}
}

func instructions(t *testing.T, kind Kind, weight float64, data any) *Instructions {
	t.Helper()

	raw, err := json.Marshal(data)
	require.NoError(t, err)

	return &Instructions{
		ID:               1,
		Weight:           weight,
		TestTypeName:     kind,
		Data:             raw,
		CommandTimeLimit: 10,
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse(KindRunProgram, []byte(`{"program":"make test"}`))
	require.NoError(t, err)
	assert.Equal(t, &RunProgram{Program: "make test"}, cfg)

	_, err = Parse(KindRunProgram, []byte(`{"program":"make","bogus":1}`))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Parse(Kind("shell"), []byte(`{}`))
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg, err = Parse(KindIOTest, []byte(`{
		"program": "python main.py",
		"inputs": [{"name": "a", "stdin": "1", "output": "2", "weight": 1, "options": ["case"]}]
	}`))
	require.NoError(t, err)

	io, ok := cfg.(*IOTest)
	require.True(t, ok)
	assert.Equal(t, []string{OptionCase}, io.Inputs[0].Options)
}

func TestValidate(t *testing.T) {
	penalties := map[string]float64{"fatal": 100, "error": 10, "warning": 5, "info": 1}

	tests := []struct {
		name    string
		cfg     Config
		weight  float64
		wantErr bool
	}{
		{
			name:   "io test valid",
			cfg:    &IOTest{Program: "p", Inputs: []IOCase{{Weight: 1}, {Weight: 2}}},
			weight: 3,
		},
		{
			name:    "io test weight mismatch",
			cfg:     &IOTest{Program: "p", Inputs: []IOCase{{Weight: 1}, {Weight: 1}}},
			weight:  3,
			wantErr: true,
		},
		{
			name:    "io test without inputs",
			cfg:     &IOTest{Program: "p"},
			weight:  0,
			wantErr: true,
		},
		{
			name:    "io test unknown option",
			cfg:     &IOTest{Program: "p", Inputs: []IOCase{{Weight: 1, Options: []string{"fuzzy"}}}},
			weight:  1,
			wantErr: true,
		},
		{
			name: "io test duplicate option",
			cfg: &IOTest{Program: "p", Inputs: []IOCase{
				{Weight: 1, Options: []string{OptionCase, OptionCase}},
			}},
			weight:  1,
			wantErr: true,
		},
		{
			name: "io test all whitespace with regex",
			cfg: &IOTest{Program: "p", Inputs: []IOCase{
				{Weight: 1, Options: []string{OptionAllWhitespace, OptionRegex}},
			}},
			weight:  1,
			wantErr: true,
		},
		{
			name: "io test broken regex",
			cfg: &IOTest{Program: "p", Inputs: []IOCase{
				{Weight: 1, Output: "(", Options: []string{OptionRegex}},
			}},
			weight:  1,
			wantErr: true,
		},
		{
			name:    "negative weight",
			cfg:     &RunProgram{Program: "p"},
			weight:  -1,
			wantErr: true,
		},
		{
			name:    "run program without program",
			cfg:     &RunProgram{},
			weight:  1,
			wantErr: true,
		},
		{
			name:   "custom output valid",
			cfg:    &CustomOutput{Program: "p", Regex: `score: \f`},
			weight: 1,
		},
		{
			name:    "custom output without placeholder",
			cfg:     &CustomOutput{Program: "p", Regex: `score`},
			weight:  1,
			wantErr: true,
		},
		{
			name:    "custom output broken regex",
			cfg:     &CustomOutput{Program: "p", Regex: `(\f`},
			weight:  1,
			wantErr: true,
		},
		{
			name:   "check points valid",
			cfg:    &CheckPoints{MinPoints: 0.5},
			weight: 0,
		},
		{
			name:    "check points with weight",
			cfg:     &CheckPoints{MinPoints: 0.5},
			weight:  1,
			wantErr: true,
		},
		{
			name:    "check points out of range",
			cfg:     &CheckPoints{MinPoints: 1.5},
			weight:  0,
			wantErr: true,
		},
		{
			name:    "junit without program",
			cfg:     &JUnitTest{},
			weight:  1,
			wantErr: true,
		},
		{
			name:   "code quality builtin",
			cfg:    &CodeQuality{Wrapper: "flake8", Penalties: penalties},
			weight: 1,
		},
		{
			name:    "code quality custom without program",
			cfg:     &CodeQuality{Wrapper: WrapperCustom, Penalties: penalties},
			weight:  1,
			wantErr: true,
		},
		{
			name:    "code quality unknown wrapper",
			cfg:     &CodeQuality{Wrapper: "golint", Penalties: penalties},
			weight:  1,
			wantErr: true,
		},
		{
			name: "code quality missing severity",
			cfg: &CodeQuality{Wrapper: "pylint", Penalties: map[string]float64{
				"fatal": 1, "error": 1, "warning": 1, "debug": 1,
			}},
			weight:  1,
			wantErr: true,
		},
		{
			name: "code quality penalty out of range",
			cfg: &CodeQuality{Wrapper: "pylint", Penalties: map[string]float64{
				"fatal": 101, "error": 1, "warning": 1, "info": 1,
			}},
			weight:  1,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg, tt.weight)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfig)

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestWarnings(t *testing.T) {
	assert.Empty(t, Warnings(&CustomOutput{Regex: `\f`}))
	assert.Len(t, Warnings(&CustomOutput{Regex: `\f / \f`}), 1)
	assert.Empty(t, Warnings(&RunProgram{}))
}

func TestIOCase_Matches(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		actual   string
		options  []string
		want     bool
	}{
		{name: "exact", expected: "hello\n", actual: "hello\n", want: true},
		{name: "exact mismatch", expected: "hello", actual: "hello\n", want: false},
		{name: "case", expected: "HELLO", actual: "hello", options: []string{OptionCase}, want: true},
		{
			name: "trailing whitespace", expected: "a\nb", actual: "a  \nb\t\n\n",
			options: []string{OptionTrailingWhitespace}, want: true,
		},
		{
			name: "leading whitespace is kept", expected: "a", actual: " a",
			options: []string{OptionTrailingWhitespace}, want: false,
		},
		{
			name: "all whitespace", expected: "1 2 3", actual: "1\n2\n3\n",
			options: []string{OptionAllWhitespace}, want: true,
		},
		{
			name: "substring", expected: "needle", actual: "hay needle hay",
			options: []string{OptionSubstring}, want: true,
		},
		{
			name: "regex full match", expected: `[0-9]+`, actual: "123",
			options: []string{OptionRegex}, want: true,
		},
		{
			name: "regex must match everything", expected: `[0-9]+`, actual: "x123",
			options: []string{OptionRegex}, want: false,
		},
		{
			name: "regex substring", expected: `[0-9]+`, actual: "x123",
			options: []string{OptionRegex, OptionSubstring}, want: true,
		},
		{
			name: "regex ignore case", expected: `abc`, actual: "ABC",
			options: []string{OptionRegex, OptionCase}, want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &IOCase{Output: tt.expected, Options: tt.options}
			assert.Equal(t, tt.want, c.matches(tt.actual))
		})
	}
}

func TestExecute_IOTest(t *testing.T) {
	fc := &fakeContainer{run: func(cmd *container.Command) *container.Result {
		switch cmd.Stdin {
		case "1":
			return &container.Result{Stdout: "2\n"}
		case "2":
			return &container.Result{Stdout: "5\n"}
		default:
			return &container.Result{ExitCode: 124, TimedOut: true, Elapsed: 10 * time.Second}
		}
	}}

	ins := instructions(t, KindIOTest, 6, IOTest{
		Program: "./double",
		Inputs: []IOCase{
			{Name: "one", Args: "-v", Stdin: "1", Output: "2\n", Weight: 1},
			{Name: "two", Stdin: "2", Output: "4\n", Weight: 2},
			{Name: "slow", Stdin: "3", Output: "6\n", Weight: 3},
		},
	})

	out, err := Execute(context.Background(), newEnv(fc), ins)
	require.NoError(t, err)

	assert.Equal(t, store.StepStateTimedOut, out.State)
	assert.InDelta(t, 1, out.AchievedPoints, 1e-9)
	require.Len(t, fc.cmds, 3)
	assert.Equal(t, []string{"/bin/bash", "-c", "./double -v"}, fc.cmds[0].Argv)
	assert.Equal(t, 10*time.Second, fc.cmds[0].Timeout)

	var log ioTestLog
	require.NoError(t, json.Unmarshal(out.Log, &log))
	require.Len(t, log.Steps, 3)
	assert.Equal(t, store.StepStatePassed, log.Steps[0].State)
	assert.Equal(t, store.StepStateFailed, log.Steps[1].State)
	assert.Equal(t, store.StepStateTimedOut, log.Steps[2].State)

	cfg, err := Parse(KindIOTest, ins.Data)
	require.NoError(t, err)
	assert.InDelta(t, 1, AchievedPoints(cfg, 6, out.State, out.Log, nil), 1e-9)
}

func TestExecute_IOTestNonZeroExit(t *testing.T) {
	fc := &fakeContainer{run: stdout("2\n", 1)}

	out, err := Execute(context.Background(), newEnv(fc), instructions(t, KindIOTest, 1, IOTest{
		Program: "./p",
		Inputs:  []IOCase{{Output: "2\n", Weight: 1}},
	}))
	require.NoError(t, err)
	assert.Equal(t, store.StepStateFailed, out.State)
	assert.Zero(t, out.AchievedPoints)
}

func TestExecute_RunProgram(t *testing.T) {
	out, err := Execute(context.Background(), newEnv(&fakeContainer{run: stdout("", 0)}),
		instructions(t, KindRunProgram, 2, RunProgram{Program: "make"}))
	require.NoError(t, err)
	assert.Equal(t, store.StepStatePassed, out.State)
	assert.Equal(t, 2.0, out.AchievedPoints)

	out, err = Execute(context.Background(), newEnv(&fakeContainer{run: stdout("", 2)}),
		instructions(t, KindRunProgram, 2, RunProgram{Program: "make"}))
	require.NoError(t, err)
	assert.Equal(t, store.StepStateFailed, out.State)
	assert.Zero(t, out.AchievedPoints)
}

func TestExecute_CustomOutput(t *testing.T) {
	tests := []struct {
		name       string
		regex      string
		tail       string
		exitCode   int
		wantState  store.StepState
		wantPoints float64
	}{
		{
			name: "score", regex: `\f`, tail: "score: 0.75\n",
			wantState: store.StepStatePassed, wantPoints: 1.5,
		},
		{
			name: "non-zero exit ignores output", regex: `\f`, tail: "score: 0.75\n", exitCode: 1,
			wantState: store.StepStateFailed, wantPoints: 0,
		},
		{
			name: "last score wins", regex: `score: \f`, tail: "score: 0.1\nscore: 0.9\n",
			wantState: store.StepStatePassed, wantPoints: 1.8,
		},
		{
			name: "clamped", regex: `\f`, tail: "7\n",
			wantState: store.StepStatePassed, wantPoints: 2,
		},
		{
			name: "no match", regex: `score: \f`, tail: "nothing here\n",
			wantState: store.StepStateFailed, wantPoints: 0,
		},
		{
			name: "user group before placeholder", regex: `(score|points): \f`, tail: "score: 0.75\n",
			wantState: store.StepStatePassed, wantPoints: 1.5,
		},
		{
			name: "only first placeholder scores", regex: `\f of \f`, tail: "0.25 of 1\n",
			wantState: store.StepStatePassed, wantPoints: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeContainer{run: stdout(tt.tail, tt.exitCode)}
			ins := instructions(t, KindCustomOutput, 2, CustomOutput{Program: "./grade", Regex: tt.regex})

			out, err := Execute(context.Background(), newEnv(fc), ins)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, out.State)
			assert.InDelta(t, tt.wantPoints, out.AchievedPoints, 1e-9)

			cfg, err := Parse(KindCustomOutput, ins.Data)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantPoints, AchievedPoints(cfg, 2, out.State, out.Log, nil), 1e-9)
		})
	}
}

func TestExecute_CheckPoints(t *testing.T) {
	ins := instructions(t, KindCheckPoints, 0, CheckPoints{MinPoints: 0.5})

	env := newEnv(&fakeContainer{})
	env.AchievedFraction = 0.4

	out, err := Execute(context.Background(), env, ins)
	require.ErrorIs(t, err, ErrStopSteps)
	require.NotNil(t, out)
	assert.Equal(t, store.StepStateFailed, out.State)

	env.AchievedFraction = 0.5

	out, err = Execute(context.Background(), env, ins)
	require.NoError(t, err)
	assert.Equal(t, store.StepStatePassed, out.State)
	assert.Zero(t, out.AchievedPoints)
}

const junitReport = `<?xml version="1.0" encoding="UTF-8"?>
<testsuites>
  <testsuite name="math" tests="4">
    <testcase name="add"/>
    <testcase name="sub"/>
    <testcase name="mul"><failure message="expected 6"/></testcase>
    <testcase name="div"><skipped/></testcase>
  </testsuite>
</testsuites>`

func TestExecute_JUnit(t *testing.T) {
	fc := &fakeContainer{run: stdout("", 1), report: []byte(junitReport)}
	ins := instructions(t, KindJUnitTest, 4, JUnitTest{Program: "mvn test"})

	out, err := Execute(context.Background(), newEnv(fc), ins)
	require.NoError(t, err)

	assert.Equal(t, store.StepStateFailed, out.State)
	assert.InDelta(t, 2, out.AchievedPoints, 1e-9)
	assert.Equal(t, []byte(junitReport), out.Attachment)

	require.Len(t, fc.cmds, 1)
	location := fc.cmds[0].Env[JUnitXMLEnv]
	assert.True(t, strings.HasPrefix(location, junitDir+"/"))
	assert.Equal(t, []string{location}, fc.copied)
}

func TestExecute_JUnitBrokenReport(t *testing.T) {
	fc := &fakeContainer{run: stdout("", 0), report: []byte("this is not a report")}

	out, err := Execute(context.Background(), newEnv(fc),
		instructions(t, KindJUnitTest, 4, JUnitTest{Program: "mvn test"}))
	require.NoError(t, err)
	assert.Equal(t, store.StepStateFailed, out.State)
	assert.Zero(t, out.AchievedPoints)
}

func TestExecute_JUnitAllPassed(t *testing.T) {
	report := `<testsuite><testcase name="a"/><testcase name="b"/></testsuite>`
	fc := &fakeContainer{run: stdout("", 0), report: []byte(report)}

	out, err := Execute(context.Background(), newEnv(fc),
		instructions(t, KindJUnitTest, 3, JUnitTest{Program: "pytest"}))
	require.NoError(t, err)
	assert.Equal(t, store.StepStatePassed, out.State)
	assert.InDelta(t, 3, out.AchievedPoints, 1e-9)
}

func TestExecute_ContainerCrash(t *testing.T) {
	fc := &fakeContainer{run: func(*container.Command) *container.Result { return nil }}

	_, err := Execute(context.Background(), newEnv(fc),
		instructions(t, KindRunProgram, 1, RunProgram{Program: "make"}))
	require.ErrorIs(t, err, container.ErrCrashed)
}

func TestExecute_CodeQuality(t *testing.T) {
	report := strings.Join([]string{
		`{"severity":"warning","code":"W1","message":"unused","filename":"b.py","line":3}`,
		``,
		`{"severity":"error","code":"E1","message":"bad","filename":"a.py","line":9}`,
	}, "\n")

	fc := &fakeContainer{run: stdout("lint output", 0), report: []byte(report)}
	penalties := map[string]float64{"fatal": 100, "error": 10, "warning": 5, "info": 1}

	out, err := Execute(context.Background(), newEnv(fc), instructions(t, KindCodeQuality, 2, CodeQuality{
		Wrapper:   "flake8",
		Config:    "--max-line-length=100",
		Penalties: penalties,
	}))
	require.NoError(t, err)

	assert.Equal(t, store.StepStatePassed, out.State)
	require.Len(t, out.Comments, 2)
	assert.Equal(t, "a.py", out.Comments[0].Filename)
	assert.Contains(t, fc.cmds[0].Argv[2], "gradeoor-quality-flake8 --max-line-length=100")
	assert.Contains(t, fc.cmds[0].Env, QualityReportEnv)
}

func TestCodeQuality_Points(t *testing.T) {
	cfg := &CodeQuality{
		Wrapper:   WrapperCustom,
		Program:   "lint",
		Penalties: map[string]float64{"fatal": 100, "error": 10, "warning": 5, "info": 1},
	}

	comments := []store.QualityComment{{Severity: "error"}, {Severity: "warning"}, {Severity: "info"}}
	assert.InDelta(t, 4*0.84, AchievedPoints(cfg, 4, store.StepStatePassed, nil, comments), 1e-9)

	// Edited comments change the score.
	comments = append(comments, store.QualityComment{Severity: "fatal"})
	assert.Zero(t, AchievedPoints(cfg, 4, store.StepStatePassed, nil, comments))

	assert.Equal(t, 4.0, AchievedPoints(cfg, 4, store.StepStateFailed, nil, nil))
	assert.Zero(t, AchievedPoints(cfg, 4, store.StepStateTimedOut, nil, nil))
}

func TestParseQualityReport_UnknownSeverity(t *testing.T) {
	_, err := ParseQualityReport([]byte(`{"severity":"debug"}`))
	require.Error(t, err)
}

func TestAchievedPoints_Bounds(t *testing.T) {
	weight := 2.0
	cfgs := map[Kind]Config{
		KindIOTest:       &IOTest{},
		KindRunProgram:   &RunProgram{},
		KindCustomOutput: &CustomOutput{},
		KindCheckPoints:  &CheckPoints{},
		KindJUnitTest:    &JUnitTest{},
	}

	logs := [][]byte{
		nil,
		[]byte(`{"achieved_points": 99}`),
		[]byte(`{"achieved_points": -3}`),
		[]byte(`{"steps":[{"state":"passed","weight":5}]}`),
		[]byte(`not json`),
	}

	for kind, cfg := range cfgs {
		for _, log := range logs {
			for _, state := range []store.StepState{store.StepStatePassed, store.StepStateFailed} {
				p := AchievedPoints(cfg, weight, state, log, nil)
				assert.GreaterOrEqual(t, p, 0.0, kind)
				assert.LessOrEqual(t, p, weight, kind)
			}
		}
	}
}

func TestRemoveStepDetails(t *testing.T) {
	secret := "SECRET-OUTPUT"

	logs := map[Kind]any{
		KindIOTest: ioTestLog{Steps: []ioCaseLog{{
			commandLog:     commandLog{Stdout: secret, Stderr: secret},
			Name:           secret,
			State:          store.StepStatePassed,
			Weight:         1,
			AchievedPoints: 1,
		}}},
		KindRunProgram: runProgramLog{commandLog: commandLog{Stdout: secret}, AchievedPoints: 1},
		KindCustomOutput: customOutputLog{
			commandLog: commandLog{Stdout: secret}, MatchError: secret, AchievedPoints: 0.5,
		},
		KindCheckPoints: checkPointsLog{MinPoints: 0.5, AchievedFraction: 0.25},
		KindJUnitTest: junitLog{
			commandLog: commandLog{Stderr: secret}, ParseError: secret, Tests: 3,
		},
		KindCodeQuality: codeQualityLog{commandLog: commandLog{Stdout: secret}, Comments: 2},
	}

	for kind, log := range logs {
		t.Run(string(kind), func(t *testing.T) {
			raw, err := json.Marshal(log)
			require.NoError(t, err)

			redacted, err := RemoveStepDetails(kind, raw)
			require.NoError(t, err)
			assert.NotContains(t, string(redacted), secret)
			assert.NotContains(t, string(redacted), "stdout")
			assert.NotContains(t, string(redacted), "stderr")

			var full, small map[string]any
			require.NoError(t, json.Unmarshal(raw, &full))
			require.NoError(t, json.Unmarshal(redacted, &small))

			for key := range small {
				assert.Contains(t, full, key)
			}
		})
	}

	redacted, err := RemoveStepDetails(KindIOTest, mustJSON(t, logs[KindIOTest]))
	require.NoError(t, err)
	assert.JSONEq(t, `{"steps":[{"state":"passed","achieved_points":1}]}`, string(redacted))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()

	raw, err := json.Marshal(v)
	require.NoError(t, err)

	return raw
}

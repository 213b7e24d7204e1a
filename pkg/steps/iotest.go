package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode"

	"github.com/dlclark/regexp2"
	"github.com/ethpandaops/gradeoor/pkg/container"
	"github.com/ethpandaops/gradeoor/pkg/store"
)

// Matching options of an io_test case.
const (
	OptionCase               = "case"
	OptionTrailingWhitespace = "trailing_whitespace"
	OptionSubstring          = "substring"
	OptionRegex              = "regex"
	OptionAllWhitespace      = "all_whitespace"
)

var ioOptions = []string{
	OptionCase, OptionTrailingWhitespace, OptionSubstring, OptionRegex, OptionAllWhitespace,
}

// weightEpsilon absorbs float rounding when comparing weight sums.
const weightEpsilon = 1e-9

// IOTest runs a program once per case and compares its output.
type IOTest struct {
	Program string   `json:"program"`
	Inputs  []IOCase `json:"inputs"`
}

func (*IOTest) kind() Kind { return KindIOTest }

// IOCase is one input/output pair.
type IOCase struct {
	Name    string   `json:"name"`
	Args    string   `json:"args"`
	Stdin   string   `json:"stdin"`
	Output  string   `json:"output"`
	Weight  float64  `json:"weight"`
	Options []string `json:"options"`
}

// has reports whether opt is set on the case, taking implied options into
// account.
func (c *IOCase) has(opt string) bool {
	if slices.Contains(c.Options, opt) {
		return true
	}

	return opt == OptionTrailingWhitespace && slices.Contains(c.Options, OptionAllWhitespace)
}

func (t *IOTest) validate(weight float64) error {
	if err := requireProgram(t.Program); err != nil {
		return err
	}

	if len(t.Inputs) == 0 {
		return invalid("at least one input is required")
	}

	var sum float64

	for i := range t.Inputs {
		c := &t.Inputs[i]

		if c.Weight < 0 {
			return invalid(fmt.Sprintf("input %d: weight must be >= 0", i))
		}

		sum += c.Weight

		seen := make(map[string]struct{}, len(c.Options))

		for _, opt := range c.Options {
			if !slices.Contains(ioOptions, opt) {
				return invalid(fmt.Sprintf("input %d: unknown option %q", i, opt))
			}

			if _, dup := seen[opt]; dup {
				return invalid(fmt.Sprintf("input %d: duplicate option %q", i, opt))
			}

			seen[opt] = struct{}{}
		}

		if c.has(OptionAllWhitespace) && c.has(OptionRegex) {
			return invalid(fmt.Sprintf(
				"input %d: %s cannot be combined with %s", i, OptionAllWhitespace, OptionRegex,
			))
		}

		if c.has(OptionRegex) {
			if _, err := c.compile(); err != nil {
				return invalid(fmt.Sprintf("input %d: invalid regex: %v", i, err))
			}
		}
	}

	if math.Abs(sum-weight) > weightEpsilon {
		return invalid(fmt.Sprintf(
			"sum of input weights (%g) must equal the step weight (%g)", sum, weight,
		))
	}

	return nil
}

// ioCaseLog is the log of one executed case.
type ioCaseLog struct {
	commandLog

	Name           string          `json:"name"`
	State          store.StepState `json:"state"`
	Weight         float64         `json:"weight"`
	AchievedPoints float64         `json:"achieved_points"`
}

type ioTestLog struct {
	Steps []ioCaseLog `json:"steps"`
}

func (t *IOTest) execute(ctx context.Context, env *Env, ins *Instructions) (*Outcome, error) {
	log := ioTestLog{Steps: make([]ioCaseLog, 0, len(t.Inputs))}

	var (
		anyTimedOut bool
		allPassed   = true
	)

	for i := range t.Inputs {
		c := &t.Inputs[i]

		argv := container.Shell(joinArgs(t.Program, c.Args))

		res, err := runCommand(ctx, env, argv, c.Stdin, nil, ins.Timeout())
		if err != nil {
			return nil, err
		}

		entry := ioCaseLog{
			commandLog: newCommandLog(res),
			Name:       c.Name,
			Weight:     c.Weight,
		}

		switch {
		case res.TimedOut:
			entry.State = store.StepStateTimedOut
			anyTimedOut = true
		case res.ExitCode == 0 && c.matches(res.Stdout):
			entry.State = store.StepStatePassed
			entry.AchievedPoints = c.Weight
		default:
			entry.State = store.StepStateFailed
		}

		if entry.State != store.StepStatePassed {
			allPassed = false
		}

		log.Steps = append(log.Steps, entry)
	}

	state := store.StepStateFailed

	switch {
	case allPassed:
		state = store.StepStatePassed
	case anyTimedOut:
		state = store.StepStateTimedOut
	}

	data, err := marshalLog(log)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		State:          state,
		AchievedPoints: clamp(ioTestPoints(data), 0, ins.Weight),
		Log:            data,
	}, nil
}

func ioTestPoints(log []byte) float64 {
	var l ioTestLog
	if len(log) == 0 || json.Unmarshal(log, &l) != nil {
		return 0
	}

	var points float64

	for _, c := range l.Steps {
		if c.State == store.StepStatePassed {
			points += c.Weight
		}
	}

	return points
}

// matches compares actual output to the expected output of the case.
func (c *IOCase) matches(actual string) bool {
	expected := c.Output

	if c.has(OptionRegex) {
		if c.has(OptionTrailingWhitespace) {
			actual = trimTrailingWhitespace(actual)
		}

		re, err := c.compile()
		if err != nil {
			return false
		}

		ok, err := re.MatchString(actual)
		if err != nil {
			// A regex that runs into its timeout counts as a mismatch.
			return false
		}

		return ok
	}

	if c.has(OptionAllWhitespace) {
		actual = stripWhitespace(actual)
		expected = stripWhitespace(expected)
	} else if c.has(OptionTrailingWhitespace) {
		actual = trimTrailingWhitespace(actual)
		expected = trimTrailingWhitespace(expected)
	}

	if c.has(OptionCase) {
		actual = strings.ToLower(actual)
		expected = strings.ToLower(expected)
	}

	if c.has(OptionSubstring) {
		return strings.Contains(actual, expected)
	}

	return actual == expected
}

// compile builds the case regex. Without the substring option the whole
// output must match.
func (c *IOCase) compile() (*regexp2.Regexp, error) {
	pattern := c.Output
	if !c.has(OptionSubstring) {
		pattern = `\A(?:` + pattern + `)\z`
	}

	opts := regexp2.None
	if c.has(OptionCase) {
		opts |= regexp2.IgnoreCase
	}

	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, err
	}

	re.MatchTimeout = regexTimeout

	return re, nil
}

func joinArgs(program, args string) string {
	if args == "" {
		return program
	}

	return program + " " + args
}

// trimTrailingWhitespace strips whitespace at the end of every line and
// trailing empty lines.
func trimTrailingWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}

	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}

		return r
	}, s)
}

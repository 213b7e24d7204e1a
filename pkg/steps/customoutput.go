package steps

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/ethpandaops/gradeoor/pkg/container"
	"github.com/ethpandaops/gradeoor/pkg/store"
)

// placeholder in a custom_output regex stands for the captured score.
const placeholder = `\f`

// scoreGroup names the group the first placeholder expands to, so groups
// of the user's regex do not shift it.
const scoreGroup = "gradeoorscore"

// floatPattern matches the score a placeholder stands for.
const floatPattern = `-?(?:[0-9]+(?:\.[0-9]*)?|\.[0-9]+)(?:[eE][-+]?[0-9]+)?`

// CustomOutput runs a program and extracts a score between 0 and 1 from
// the end of its output.
type CustomOutput struct {
	Program string `json:"program"`
	Regex   string `json:"regex"`
}

func (*CustomOutput) kind() Kind { return KindCustomOutput }

func placeholderCount(regex string) int {
	return strings.Count(regex, placeholder)
}

func (c *CustomOutput) validate() error {
	if err := requireProgram(c.Program); err != nil {
		return err
	}

	if placeholderCount(c.Regex) == 0 {
		return invalid(fmt.Sprintf("regex must contain the %s placeholder", placeholder))
	}

	if _, err := c.compile(); err != nil {
		return invalid(fmt.Sprintf("invalid regex: %v", err))
	}

	return nil
}

// compile expands the placeholders and compiles a right-to-left regex, so
// the last score printed by the program wins. Only the first placeholder
// captures the score.
func (c *CustomOutput) compile() (*regexp2.Regexp, error) {
	pattern := strings.Replace(c.Regex, placeholder, "(?<"+scoreGroup+">"+floatPattern+")", 1)
	pattern = strings.ReplaceAll(pattern, placeholder, "(?:"+floatPattern+")")

	re, err := regexp2.Compile(pattern, regexp2.RightToLeft)
	if err != nil {
		return nil, err
	}

	re.MatchTimeout = regexTimeout

	return re, nil
}

type customOutputLog struct {
	commandLog

	// Value is the score extracted from the output, clamped to [0, 1].
	Value          *float64 `json:"value"`
	MatchError     string   `json:"match_error,omitempty"`
	AchievedPoints float64  `json:"achieved_points"`
}

func (c *CustomOutput) execute(ctx context.Context, env *Env, ins *Instructions) (*Outcome, error) {
	re, err := c.compile()
	if err != nil {
		return nil, invalid(fmt.Sprintf("invalid regex: %v", err))
	}

	if n := placeholderCount(c.Regex); n > 1 && env.Log != nil {
		env.Log.WithField("placeholders", n).Warn("Regex has more than one placeholder")
	}

	res, err := runCommand(ctx, env, container.Shell(c.Program), "", nil, ins.Timeout())
	if err != nil {
		return nil, err
	}

	log := customOutputLog{commandLog: newCommandLog(res)}
	state := commandState(res)

	if state == store.StepStatePassed {
		tail := res.StdoutTail
		if tail == "" {
			tail = res.Stdout
		}

		value, err := extractScore(re, tail)

		switch {
		case err != nil:
			log.MatchError = err.Error()
			state = store.StepStateFailed
		default:
			log.Value = &value
			log.AchievedPoints = value * ins.Weight
		}
	}

	data, err := marshalLog(log)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		State:          state,
		AchievedPoints: clamp(log.AchievedPoints, 0, ins.Weight),
		Log:            data,
	}, nil
}

// extractScore finds the last match of re in output and returns the score
// group as a value in [0, 1].
func extractScore(re *regexp2.Regexp, output string) (float64, error) {
	m, err := re.FindStringMatch(output)
	if err != nil {
		return 0, fmt.Errorf("matching output: %w", err)
	}

	if m == nil {
		return 0, fmt.Errorf("no score found in output")
	}

	group := m.GroupByName(scoreGroup)
	if group == nil || len(group.Captures) == 0 {
		return 0, fmt.Errorf("no score found in output")
	}

	value, err := strconv.ParseFloat(group.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing score %q: %w", group.String(), err)
	}

	return clamp(value, 0, 1), nil
}

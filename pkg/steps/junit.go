package steps

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/antchfx/xmlquery"
	"github.com/ethpandaops/gradeoor/pkg/container"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/google/uuid"
)

// JUnitXMLEnv is the environment variable telling the program where to
// write its JUnit report.
const JUnitXMLEnv = "JUNIT_XML_LOCATION"

// junitDir is where reports are written inside the container.
const junitDir = "/tmp/gradeoor-junit"

// JUnitTest runs a program that writes a JUnit XML report and awards points
// for the share of successful test cases.
type JUnitTest struct {
	Program string `json:"program"`
}

func (*JUnitTest) kind() Kind { return KindJUnitTest }

type junitLog struct {
	commandLog

	Tests          int     `json:"tests"`
	Successes      int     `json:"successes"`
	ParseError     string  `json:"parse_error,omitempty"`
	AchievedPoints float64 `json:"achieved_points"`
}

func (j *JUnitTest) execute(ctx context.Context, env *Env, ins *Instructions) (*Outcome, error) {
	location := path.Join(junitDir, uuid.NewString()+".xml")
	script := fmt.Sprintf("mkdir -p %s && %s", junitDir, j.Program)

	res, err := runCommand(ctx, env, container.Shell(script), "", map[string]string{
		JUnitXMLEnv: location,
	}, ins.Timeout())
	if err != nil {
		return nil, err
	}

	log := junitLog{commandLog: newCommandLog(res)}
	out := &Outcome{}

	if res.TimedOut {
		out.State = store.StepStateTimedOut
	} else {
		report, err := env.Container.CopyFrom(ctx, location)
		if err != nil {
			log.ParseError = fmt.Sprintf("reading report: %v", err)
		} else {
			out.Attachment = report

			summary, err := parseJUnit(report)
			if err != nil {
				log.ParseError = err.Error()
			} else {
				log.Tests = summary.tests
				log.Successes = summary.successes
				log.AchievedPoints = summary.ratio() * ins.Weight
			}
		}

		out.State = store.StepStateFailed
		if log.ParseError == "" && log.Tests > 0 && log.Successes == log.Tests {
			out.State = store.StepStatePassed
		}
	}

	data, err := marshalLog(log)
	if err != nil {
		return nil, err
	}

	out.Log = data
	out.AchievedPoints = clamp(log.AchievedPoints, 0, ins.Weight)

	return out, nil
}

type junitSummary struct {
	tests     int
	successes int
}

func (s junitSummary) ratio() float64 {
	if s.tests == 0 {
		return 0
	}

	return float64(s.successes) / float64(s.tests)
}

// parseJUnit counts test cases in a report. A case succeeds when it has no
// failure, error or skipped child.
func parseJUnit(report []byte) (junitSummary, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(report))
	if err != nil {
		return junitSummary{}, fmt.Errorf("parsing junit xml: %w", err)
	}

	if xmlquery.FindOne(doc, "//testsuite") == nil {
		return junitSummary{}, fmt.Errorf("junit xml has no testsuite element")
	}

	var summary junitSummary

	for _, tc := range xmlquery.Find(doc, "//testcase") {
		summary.tests++

		if xmlquery.FindOne(tc, "./failure|./error|./skipped") == nil {
			summary.successes++
		}
	}

	if summary.tests == 0 {
		return summary, fmt.Errorf("junit xml contains no test cases")
	}

	return summary, nil
}

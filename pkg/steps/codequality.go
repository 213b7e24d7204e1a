package steps

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/ethpandaops/gradeoor/pkg/container"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/google/uuid"
)

// Comment severities.
const (
	SeverityFatal   = "fatal"
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Severities lists the severities every penalty table must cover.
var Severities = []string{SeverityFatal, SeverityError, SeverityWarning, SeverityInfo}

// WrapperCustom runs the configured program as the linter.
const WrapperCustom = "custom"

// QualityReportEnv is the environment variable telling the linter wrapper
// where to write its findings, one JSON object per line.
const QualityReportEnv = "QUALITY_REPORT_LOCATION"

// qualityDir is where reports are written inside the container.
const qualityDir = "/tmp/gradeoor-quality"

// Wrappers lists the supported linter wrappers. Built-in wrappers are
// expected on the PATH of the test image as gradeoor-quality-<name>.
var Wrappers = []string{WrapperCustom, "pmd", "checkstyle", "eslint", "flake8", "pylint"}

// CodeQuality runs a linter. Its score is derived from the comments stored
// for the result, not from the execution log.
type CodeQuality struct {
	Wrapper   string             `json:"wrapper"`
	Program   string             `json:"program"`
	Config    string             `json:"config"`
	Penalties map[string]float64 `json:"penalties"`
}

func (*CodeQuality) kind() Kind { return KindCodeQuality }

func (c *CodeQuality) validate() error {
	if !slices.Contains(Wrappers, c.Wrapper) {
		return invalid(fmt.Sprintf("unknown wrapper %q", c.Wrapper))
	}

	if c.Wrapper == WrapperCustom {
		if err := requireProgram(c.Program); err != nil {
			return err
		}
	}

	if len(c.Penalties) != len(Severities) {
		return invalid(fmt.Sprintf("penalties must contain exactly %s", strings.Join(Severities, ", ")))
	}

	for _, sev := range Severities {
		p, ok := c.Penalties[sev]
		if !ok {
			return invalid(fmt.Sprintf("missing penalty for %s", sev))
		}

		if p < 0 || p > 100 {
			return invalid(fmt.Sprintf("penalty for %s must be within [0, 100], got %g", sev, p))
		}
	}

	return nil
}

// command returns the shell script running the linter.
func (c *CodeQuality) command() string {
	if c.Wrapper == WrapperCustom {
		return c.Program
	}

	script := "gradeoor-quality-" + c.Wrapper
	if c.Config != "" {
		script += " " + c.Config
	}

	return script
}

// points computes the score from persisted comments. Every comment costs
// the penalty of its severity in percent of the weight.
func (c *CodeQuality) points(weight float64, comments []store.QualityComment) float64 {
	var penalty float64

	for _, comment := range comments {
		penalty += c.Penalties[comment.Severity]
	}

	return weight * clamp(100-penalty, 0, 100) / 100
}

type codeQualityLog struct {
	commandLog

	Comments    int    `json:"comments"`
	ReportError string `json:"report_error,omitempty"`
}

func (c *CodeQuality) execute(ctx context.Context, env *Env, ins *Instructions) (*Outcome, error) {
	location := path.Join(qualityDir, uuid.NewString()+".jsonl")
	script := fmt.Sprintf("mkdir -p %s && %s", qualityDir, c.command())

	res, err := runCommand(ctx, env, container.Shell(script), "", map[string]string{
		QualityReportEnv: location,
	}, ins.Timeout())
	if err != nil {
		return nil, err
	}

	log := codeQualityLog{commandLog: newCommandLog(res)}
	out := &Outcome{State: commandState(res)}

	if !res.TimedOut {
		report, err := env.Container.CopyFrom(ctx, location)
		if err != nil {
			log.ReportError = fmt.Sprintf("reading report: %v", err)
		} else {
			comments, err := ParseQualityReport(report)
			if err != nil {
				log.ReportError = err.Error()
			}

			out.Comments = comments
			log.Comments = len(comments)
		}
	}

	data, err := marshalLog(log)
	if err != nil {
		return nil, err
	}

	out.Log = data

	// Provisional; the stored score is recomputed from ingested comments.
	out.AchievedPoints = AchievedPoints(c, ins.Weight, out.State, nil, ToQualityComments(out.Comments))

	return out, nil
}

// ToQualityComments converts step comments into storage models.
func ToQualityComments(comments []Comment) []store.QualityComment {
	out := make([]store.QualityComment, 0, len(comments))

	for _, c := range comments {
		out = append(out, store.QualityComment{
			Severity: c.Severity,
			Code:     c.Code,
			Message:  c.Message,
			Filename: c.Filename,
			Line:     c.Line,
			Column:   c.Column,
		})
	}

	return out
}

// ParseQualityReport reads one JSON comment per line. Comments with an
// unknown severity are rejected.
func ParseQualityReport(report []byte) ([]Comment, error) {
	var comments []Comment

	scanner := bufio.NewScanner(bytes.NewReader(report))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var comment Comment
		if err := json.Unmarshal(line, &comment); err != nil {
			return comments, fmt.Errorf("line %d: %w", lineNo, err)
		}

		if !slices.Contains(Severities, comment.Severity) {
			return comments, fmt.Errorf("line %d: unknown severity %q", lineNo, comment.Severity)
		}

		comments = append(comments, comment)
	}

	if err := scanner.Err(); err != nil {
		return comments, fmt.Errorf("reading report: %w", err)
	}

	sort.SliceStable(comments, func(i, j int) bool {
		if comments[i].Filename != comments[j].Filename {
			return comments[i].Filename < comments[j].Filename
		}

		return comments[i].Line < comments[j].Line
	})

	return comments, nil
}

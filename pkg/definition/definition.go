// Package definition imports AutoTest configurations from YAML files.
package definition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/attachments"
	"github.com/ethpandaops/gradeoor/pkg/controller"
	"github.com/ethpandaops/gradeoor/pkg/steps"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Definition is the YAML form of an AutoTest.
type Definition struct {
	SetupScript     string       `yaml:"setup_script"`
	RunSetupScript  string       `yaml:"run_setup_script"`
	GradeCalculator string       `yaml:"grade_calculator"`
	Fixtures        []FixtureDef `yaml:"fixtures"`
	Sets            []SetDef     `yaml:"sets"`
}

// FixtureDef is a file uploaded as fixture. Relative paths are resolved
// against the directory of the definition file.
type FixtureDef struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	Hidden bool   `yaml:"hidden"`
}

// SetDef is one set of suites.
type SetDef struct {
	StopPoints float64    `yaml:"stop_points"`
	Suites     []SuiteDef `yaml:"suites"`
}

// SuiteDef is one suite. RubricRow refers to a rubric row by header.
type SuiteDef struct {
	Name             string        `yaml:"name"`
	RubricRow        string        `yaml:"rubric_row"`
	NetworkDisabled  *bool         `yaml:"network_disabled"`
	CommandTimeLimit time.Duration `yaml:"command_time_limit"`
	Steps            []StepDef     `yaml:"steps"`
}

// StepDef is one step. Data is the configuration of the step type.
type StepDef struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Weight float64        `yaml:"weight"`
	Hidden bool           `yaml:"hidden"`
	Data   map[string]any `yaml:"data"`
}

// RunGuard refuses configuration changes while a run is in progress.
type RunGuard interface {
	EnsureNoRuns(ctx context.Context, autoTestID uint) error
}

// Importer writes definitions into the store.
type Importer interface {
	// ImportFile reads the definition at path and imports it.
	ImportFile(ctx context.Context, assignmentID uint, path string) (*store.AutoTest, error)
	// Import imports a definition. Fixture paths are resolved against baseDir.
	Import(
		ctx context.Context, assignmentID uint, def *Definition, baseDir string,
	) (*store.AutoTest, error)
}

// Ensure interface compliance.
var _ Importer = (*importer)(nil)

type importer struct {
	log   logrus.FieldLogger
	store store.Store
	blobs attachments.Store
	guard RunGuard
}

// NewImporter creates an importer.
func NewImporter(
	log logrus.FieldLogger, st store.Store, blobs attachments.Store, guard RunGuard,
) Importer {
	return &importer{
		log:   log.WithField("component", "definition"),
		store: st,
		blobs: blobs,
		guard: guard,
	}
}

// Parse decodes a YAML definition. Unknown keys are rejected.
func Parse(r io.Reader) (*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty definition")
		}

		return nil, fmt.Errorf("parsing definition: %w", err)
	}

	return &def, nil
}

func (i *importer) ImportFile(
	ctx context.Context, assignmentID uint, path string,
) (*store.AutoTest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition: %w", err)
	}

	def, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	return i.Import(ctx, assignmentID, def, filepath.Dir(path))
}

func (i *importer) Import(
	ctx context.Context, assignmentID uint, def *Definition, baseDir string,
) (*store.AutoTest, error) {
	rows, err := i.store.ListRubricRows(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	rowIDs := make(map[string]uint, len(rows))
	for _, row := range rows {
		rowIDs[row.Header] = row.ID
	}

	sets, err := buildSets(def, rowIDs)
	if err != nil {
		return nil, err
	}

	if err := controller.ValidateAutoTest(&store.AutoTest{Sets: sets}); err != nil {
		return nil, err
	}

	at, err := i.store.GetAutoTestByAssignment(ctx, assignmentID)

	switch {
	case errors.Is(err, store.ErrNotFound):
		at = &store.AutoTest{AssignmentID: assignmentID, GradeCalculator: "full"}
		if err := i.store.CreateAutoTest(ctx, at); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if err := i.guard.EnsureNoRuns(ctx, at.ID); err != nil {
			return nil, err
		}
	}

	at.SetupScript = def.SetupScript
	at.RunSetupScript = def.RunSetupScript
	at.Sets = sets

	if def.GradeCalculator != "" {
		at.GradeCalculator = def.GradeCalculator
	}

	fixtures, err := i.uploadFixtures(ctx, at.ID, def.Fixtures, baseDir)
	if err != nil {
		return nil, err
	}

	err = i.store.Transaction(ctx, func(tx store.Store) error {
		if err := tx.UpdateAutoTest(ctx, at); err != nil {
			return err
		}

		if err := tx.ReplaceAutoTestSets(ctx, at.ID, sets); err != nil {
			return err
		}

		return tx.ReplaceFixtures(ctx, at.ID, fixtures)
	})
	if err != nil {
		return nil, fmt.Errorf("storing definition: %w", err)
	}

	i.log.WithFields(logrus.Fields{
		"assignment": assignmentID,
		"auto_test":  at.ID,
		"sets":       len(sets),
		"fixtures":   len(fixtures),
	}).Info("Imported AutoTest definition")

	return i.store.GetAutoTest(ctx, at.ID)
}

func (i *importer) uploadFixtures(
	ctx context.Context, autoTestID uint, defs []FixtureDef, baseDir string,
) ([]store.Fixture, error) {
	fixtures := make([]store.Fixture, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))

	for _, fd := range defs {
		name := fd.Name
		if name == "" {
			name = filepath.Base(fd.Path)
		}

		if name != filepath.Base(name) || name == "." || name == ".." {
			return nil, fmt.Errorf("invalid fixture name %q", name)
		}

		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("duplicate fixture %q", name)
		}

		seen[name] = struct{}{}

		path := fd.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading fixture %q: %w", name, err)
		}

		key := attachments.FixtureKey(autoTestID, name)
		if err := i.blobs.Put(ctx, key, data); err != nil {
			return nil, fmt.Errorf("uploading fixture %q: %w", name, err)
		}

		fixtures = append(fixtures, store.Fixture{Name: name, StorageKey: key, Hidden: fd.Hidden})
	}

	return fixtures, nil
}

func buildSets(def *Definition, rowIDs map[string]uint) ([]store.Set, error) {
	sets := make([]store.Set, 0, len(def.Sets))

	for si, sd := range def.Sets {
		set := store.Set{Position: si, StopPoints: sd.StopPoints}

		for ui, ud := range sd.Suites {
			suite := store.Suite{
				Position:         ui,
				Name:             ud.Name,
				NetworkDisabled:  true,
				CommandTimeLimit: ud.CommandTimeLimit.Seconds(),
			}

			if ud.NetworkDisabled != nil {
				suite.NetworkDisabled = *ud.NetworkDisabled
			}

			if ud.RubricRow != "" {
				id, ok := rowIDs[ud.RubricRow]
				if !ok {
					return nil, fmt.Errorf("suite %q: unknown rubric row %q", ud.Name, ud.RubricRow)
				}

				suite.RubricRowID = &id
			}

			for pi, pd := range ud.Steps {
				data, err := json.Marshal(pd.Data)
				if err != nil || pd.Data == nil {
					data = []byte("{}")
				}

				if _, err := steps.ParseAndValidate(steps.Kind(pd.Type), data, pd.Weight); err != nil {
					return nil, fmt.Errorf("suite %q step %q: %w", ud.Name, pd.Name, err)
				}

				suite.Steps = append(suite.Steps, store.Step{
					Position:     pi,
					Name:         pd.Name,
					Weight:       pd.Weight,
					TestTypeName: pd.Type,
					Data:         data,
					Hidden:       pd.Hidden,
				})
			}

			set.Suites = append(set.Suites, suite)
		}

		sets = append(sets, set)
	}

	return sets, nil
}

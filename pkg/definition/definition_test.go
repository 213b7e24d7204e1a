package definition

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/attachments"
	"github.com/ethpandaops/gradeoor/pkg/controller"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/ethpandaops/gradeoor/pkg/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
setup_script: pip install -r requirements.txt
grade_calculator: partial
fixtures:
  - path: input.txt
  - name: expected.txt
    path: data/out.txt
    hidden: true
sets:
  - stop_points: 0.5
    suites:
      - name: basics
        rubric_row: tests
        network_disabled: false
        command_time_limit: 30s
        steps:
          - name: compiles
            type: run_program
            weight: 1
            data:
              program: python -m py_compile main.py
          - name: echo
            type: io_test
            weight: 2
            data:
              program: python main.py
              inputs:
                - name: hello
                  args: ""
                  stdin: hello
                  output: hello
                  weight: 2
                  options: [trailing_whitespace]
  - suites:
      - name: hidden
        rubric_row: tests
        steps:
          - name: secret
            type: run_program
            weight: 1
            hidden: true
            data:
              program: ./secret.sh
`

type fakeGuard struct {
	err error
}

func (g *fakeGuard) EnsureNoRuns(context.Context, uint) error { return g.err }

func setup(t *testing.T) (store.Store, attachments.Store, uint, string) {
	t.Helper()

	ctx := context.Background()
	s := storetest.New(t)

	a := &store.Assignment{Name: "assignment"}
	require.NoError(t, s.CreateAssignment(ctx, a))
	require.NoError(t, s.CreateRubricRow(ctx, &store.RubricRow{
		AssignmentID: a.ID,
		Header:       "tests",
		Items:        []store.RubricItem{{Header: "none"}, {Header: "all", Points: 3}},
	}))

	blobs, err := attachments.NewLocalStore(storetest.Logger(), t.TempDir())
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.txt"), []byte("in"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "out.txt"), []byte("out"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "autotest.yaml"), []byte(sample), 0o600))

	return s, blobs, a.ID, dir
}

func TestImportFile(t *testing.T) {
	s, blobs, assignmentID, dir := setup(t)
	ctx := context.Background()

	imp := NewImporter(storetest.Logger(), s, blobs, &fakeGuard{})

	at, err := imp.ImportFile(ctx, assignmentID, filepath.Join(dir, "autotest.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "pip install -r requirements.txt", at.SetupScript)
	assert.Equal(t, "partial", at.GradeCalculator)

	require.Len(t, at.Sets, 2)
	assert.InDelta(t, 0.5, at.Sets[0].StopPoints, 1e-9)

	basics := at.Sets[0].Suites[0]
	assert.Equal(t, "basics", basics.Name)
	assert.False(t, basics.NetworkDisabled)
	assert.InDelta(t, 30.0, basics.CommandTimeLimit, 1e-9)
	require.Len(t, basics.Steps, 2)
	assert.Equal(t, "compiles", basics.Steps[0].Name)
	assert.Equal(t, "io_test", basics.Steps[1].TestTypeName)

	var data map[string]any
	require.NoError(t, json.Unmarshal(basics.Steps[0].Data, &data))
	assert.Equal(t, "python -m py_compile main.py", data["program"])

	hidden := at.Sets[1].Suites[0]
	assert.True(t, hidden.NetworkDisabled)
	require.Len(t, hidden.Steps, 1)
	assert.True(t, hidden.Steps[0].Hidden)

	require.Len(t, at.Fixtures, 2)

	byName := make(map[string]store.Fixture)
	for _, f := range at.Fixtures {
		byName[f.Name] = f
	}

	require.Contains(t, byName, "input.txt")
	require.Contains(t, byName, "expected.txt")
	assert.True(t, byName["expected.txt"].Hidden)

	content, err := blobs.Get(ctx, byName["expected.txt"].StorageKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("out"), content)
}

func TestImport_ReplacesExistingConfiguration(t *testing.T) {
	s, blobs, assignmentID, dir := setup(t)
	ctx := context.Background()

	imp := NewImporter(storetest.Logger(), s, blobs, &fakeGuard{})

	first, err := imp.ImportFile(ctx, assignmentID, filepath.Join(dir, "autotest.yaml"))
	require.NoError(t, err)

	def, err := Parse(strings.NewReader(`
sets:
  - suites:
      - name: only
        rubric_row: tests
        steps:
          - name: build
            type: run_program
            weight: 1
            data: {program: make}
`))
	require.NoError(t, err)

	second, err := imp.Import(ctx, assignmentID, def, dir)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	require.Len(t, second.Sets, 1)
	require.Len(t, second.Sets[0].Suites, 1)
	assert.Equal(t, "only", second.Sets[0].Suites[0].Name)
	assert.Empty(t, second.Fixtures)
	assert.Equal(t, "partial", second.GradeCalculator)
}

func TestImport_RefusedWhileRunning(t *testing.T) {
	s, blobs, assignmentID, dir := setup(t)
	ctx := context.Background()

	_, err := NewImporter(storetest.Logger(), s, blobs, &fakeGuard{}).
		ImportFile(ctx, assignmentID, filepath.Join(dir, "autotest.yaml"))
	require.NoError(t, err)

	running := &fakeGuard{err: controller.ErrInvalidState}

	_, err = NewImporter(storetest.Logger(), s, blobs, running).
		ImportFile(ctx, assignmentID, filepath.Join(dir, "autotest.yaml"))
	require.ErrorIs(t, err, controller.ErrInvalidState)
}

func TestImport_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown key",
			yaml: "sets: []\ncolour: blue\n",
		},
		{
			name: "unknown rubric row",
			yaml: `
sets:
  - suites:
      - name: s
        rubric_row: missing
        steps:
          - {name: a, type: run_program, weight: 1, data: {program: make}}
`,
		},
		{
			name: "invalid step data",
			yaml: `
sets:
  - suites:
      - name: s
        rubric_row: tests
        steps:
          - {name: a, type: run_program, weight: 1, data: {program: ""}}
`,
		},
		{
			name: "no steps",
			yaml: "sets: []\n",
		},
		{
			name: "missing fixture",
			yaml: `
fixtures:
  - path: nowhere.txt
sets:
  - suites:
      - name: s
        rubric_row: tests
        steps:
          - {name: a, type: run_program, weight: 1, data: {program: make}}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, blobs, assignmentID, dir := setup(t)
			imp := NewImporter(storetest.Logger(), s, blobs, &fakeGuard{})

			def, err := Parse(strings.NewReader(tt.yaml))
			if err == nil {
				_, err = imp.Import(context.Background(), assignmentID, def, dir)
			}

			require.Error(t, err)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrNotExist))
}

func TestParse_Duration(t *testing.T) {
	def, err := Parse(strings.NewReader(`
sets:
  - suites:
      - name: s
        command_time_limit: 1m30s
`))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, def.Sets[0].Suites[0].CommandTimeLimit)
}

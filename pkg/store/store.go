package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition is returned when a state change is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Store provides persistence for AutoTest configuration, runs and results.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Transaction runs fn inside a database transaction. The Store passed
	// to fn is bound to the transaction; nested calls use savepoints.
	Transaction(ctx context.Context, fn func(tx Store) error) error
	// WithAuthorLock runs fn in a transaction holding an exclusive lock
	// keyed by (assignment, author). The lock is released when the
	// transaction ends.
	WithAuthorLock(
		ctx context.Context, assignmentID, authorID uint, fn func(tx Store) error,
	) error

	// Assignments, submissions and rubrics.
	CreateAssignment(ctx context.Context, a *Assignment) error
	GetAssignment(ctx context.Context, id uint) (*Assignment, error)
	CreateSubmission(ctx context.Context, sub *Submission) error
	GetSubmission(ctx context.Context, id uint) (*Submission, error)
	CountSubmissions(ctx context.Context, assignmentID, authorID uint) (int64, error)
	ListSubmissionsSince(
		ctx context.Context, assignmentID, authorID uint, since time.Time,
	) ([]Submission, error)
	ListCurrentSubmissions(ctx context.Context, assignmentID uint) ([]Submission, error)
	IsCurrentSubmission(ctx context.Context, sub *Submission) (bool, error)
	CreateRubricRow(ctx context.Context, row *RubricRow) error
	ListRubricRows(ctx context.Context, assignmentID uint) ([]RubricRow, error)
	UpsertRubricSelection(ctx context.Context, sel *RubricSelection) error
	ListRubricSelections(ctx context.Context, submissionID uint) ([]RubricSelection, error)
	DeleteRubricSelectionsForRun(ctx context.Context, runID uint) error

	// AutoTest configuration.
	CreateAutoTest(ctx context.Context, at *AutoTest) error
	GetAutoTest(ctx context.Context, id uint) (*AutoTest, error)
	GetAutoTestByAssignment(ctx context.Context, assignmentID uint) (*AutoTest, error)
	UpdateAutoTest(ctx context.Context, at *AutoTest) error
	ReplaceAutoTestSets(ctx context.Context, autoTestID uint, sets []Set) error
	ReplaceFixtures(ctx context.Context, autoTestID uint, fixtures []Fixture) error
	GetFixture(ctx context.Context, autoTestID, fixtureID uint) (*Fixture, error)

	// Runs.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uint) (*Run, error)
	GetRunByJobID(ctx context.Context, jobID string) (*Run, error)
	LockRun(ctx context.Context, id uint) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	DeleteRun(ctx context.Context, id uint) error
	ListNonTerminalRuns(ctx context.Context, autoTestID uint) ([]Run, error)
	// GetLatestRun returns the newest run of the AutoTest.
	GetLatestRun(ctx context.Context, autoTestID uint) (*Run, error)
	// ReopenRun moves a locked, completed run back to active under jobID.
	// Runs superseded by a newer run of the same AutoTest are rejected.
	ReopenRun(ctx context.Context, run *Run, jobID string) error
	LockBatchCandidates(ctx context.Context, now time.Time, limit int) ([]Run, error)

	// Runners.
	CreateRunner(ctx context.Context, runner *Runner) error
	GetRunner(ctx context.Context, id string) (*Runner, error)
	LockRunner(ctx context.Context, id string) (*Runner, error)
	UpdateRunner(ctx context.Context, runner *Runner) error
	TouchRunner(ctx context.Context, id string, at time.Time) error
	ListRunnersForRun(ctx context.Context, runID uint) ([]Runner, error)

	// Results.
	CreateResults(ctx context.Context, results []Result) error
	GetResult(ctx context.Context, id uint) (*Result, error)
	UpdateResult(ctx context.Context, result *Result) error
	ResetResult(ctx context.Context, result *Result) error
	ClaimNextResult(ctx context.Context, runID uint) (*Result, error)
	ListResults(ctx context.Context, runID uint, states ...ResultState) ([]Result, error)
	CountResults(ctx context.Context, runID uint, states ...ResultState) (int64, error)
	ListResultsByRunner(ctx context.Context, runnerID string) ([]Result, error)

	// Step results and quality comments.
	CreateStepResults(ctx context.Context, stepResults []StepResult) error
	GetStepResult(ctx context.Context, resultID, stepID uint) (*StepResult, error)
	UpdateStepResult(ctx context.Context, sr *StepResult) error
	ListStepResults(ctx context.Context, resultID uint) ([]StepResult, error)
	ReplaceQualityComments(
		ctx context.Context, resultID, stepID uint, comments []QualityComment,
	) error
	ListQualityComments(ctx context.Context, resultID uint) ([]QualityComment, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log   logrus.FieldLogger
	cfg   *config.DatabaseConfig
	db    *gorm.DB
	locks *xsync.MapOf[string, *sync.Mutex]
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log:   log.WithField("component", "store"),
		cfg:   cfg,
		locks: xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// SQLite has a single writer, and every connection to ":memory:"
		// would otherwise get its own database.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// withDB returns a copy of the store bound to db.
func (s *store) withDB(db *gorm.DB) *store {
	return &store{
		log:   s.log,
		cfg:   s.cfg,
		db:    db,
		locks: s.locks,
	}
}

// Transaction runs fn inside a database transaction.
func (s *store) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(s.withDB(gtx))
	})
}

// WithAuthorLock serializes fn per (assignment, author). PostgreSQL uses a
// transaction-scoped advisory lock; SQLite falls back to a keyed mutex held
// for the lifetime of the transaction.
func (s *store) WithAuthorLock(
	ctx context.Context, assignmentID, authorID uint, fn func(tx Store) error,
) error {
	if s.cfg.Driver == "postgres" {
		return s.Transaction(ctx, func(tx Store) error {
			txs, _ := tx.(*store)

			if err := txs.db.Exec(
				"SELECT pg_advisory_xact_lock(?::int, ?::int)", assignmentID, authorID,
			).Error; err != nil {
				return fmt.Errorf("taking advisory lock: %w", err)
			}

			return fn(tx)
		})
	}

	key := fmt.Sprintf("%d:%d", assignmentID, authorID)
	mu, _ := s.locks.LoadOrCompute(key, func() *sync.Mutex {
		return &sync.Mutex{}
	})

	mu.Lock()
	defer mu.Unlock()

	return s.Transaction(ctx, fn)
}

// notFound maps gorm's record-not-found error onto ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}

	return fmt.Errorf("getting %s: %w", what, err)
}

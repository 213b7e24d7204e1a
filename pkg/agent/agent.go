// Package agent implements the runner: it registers with the API, keeps
// its heartbeat alive and executes claimed results in containers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/ethpandaops/gradeoor/pkg/container"
	"github.com/ethpandaops/gradeoor/pkg/controller"
	"github.com/ethpandaops/gradeoor/pkg/executor"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// StudentDir is where the submission is extracted and steps run.
	StudentDir = "/home/gradeoor/student"

	// FixturesDir holds the fixtures of the AutoTest.
	FixturesDir = "/home/gradeoor/fixtures"

	archivePath  = "/tmp/submission.tar"
	setupTimeout = 15 * time.Minute
)

// Agent is a runner process.
type Agent interface {
	// Run blocks until ctx is done or the runner is detached from its run.
	Run(ctx context.Context) error
}

// Ensure interface compliance.
var _ Agent = (*agent)(nil)

type agent struct {
	log       logrus.FieldLogger
	cfg       *config.RunnerConfig
	client    Client
	runtime   container.Runtime
	exec      executor.Executor
	memory    int64
	tailBytes int

	mu       sync.Mutex
	inflight map[controller.ResultRef]*attempt
}

// attempt is a result being executed by this runner.
type attempt struct {
	cancel  context.CancelCauseFunc
	claimed time.Time
}

// errAttemptReset cancels an attempt the server no longer assigns to the
// runner.
var errAttemptReset = errors.New("attempt was reset")

// New creates an agent.
func New(
	log logrus.FieldLogger,
	cfg *config.RunnerConfig,
	client Client,
	runtime container.Runtime,
	exec executor.Executor,
) (Agent, error) {
	memory, err := cfg.MemoryBytes()
	if err != nil {
		return nil, err
	}

	tail, err := cfg.StdoutTailBytes()
	if err != nil {
		return nil, err
	}

	return &agent{
		log:       log.WithField("component", "agent"),
		cfg:       cfg,
		client:    client,
		runtime:   runtime,
		exec:      exec,
		memory:    memory,
		tailBytes: int(tail),
		inflight:  make(map[controller.ResultRef]*attempt),
	}, nil
}

func (a *agent) Run(ctx context.Context) error {
	if err := a.runtime.PullImage(ctx, a.cfg.Image, a.cfg.PullPolicy); err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}

	runner, err := a.client.Register(ctx, a.cfg.JobID, a.cfg.IPAddr)
	if errors.Is(err, ErrDetached) {
		a.log.WithField("job", a.cfg.JobID).Info("Job has no live run, exiting")

		return nil
	}

	if err != nil {
		return err
	}

	log := a.log.WithField("runner", runner.ID)
	log.WithField("concurrency", a.cfg.Concurrency).Info("Runner registered")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.heartbeatLoop(gctx, log, runner.ID)
	})

	for i := 0; i < a.cfg.Concurrency; i++ {
		g.Go(func() error {
			return a.workLoop(gctx, log.WithField("worker", i), runner.ID)
		})
	}

	err = g.Wait()

	switch {
	case errors.Is(err, ErrDetached):
		log.Info("Runner detached from run, exiting")

		return nil
	case err != nil && ctx.Err() != nil:
		return nil
	default:
		return err
	}
}

func (a *agent) heartbeatLoop(ctx context.Context, log logrus.FieldLogger, runnerID string) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sent := time.Now()

			resp, err := a.client.Heartbeat(ctx, runnerID)
			if errors.Is(err, ErrDetached) {
				return err
			}

			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Warn("Heartbeat failed")
				}

				continue
			}

			a.abandonReset(log, resp, sent)
		}
	}
}

// abandonReset cancels attempts claimed before the heartbeat was sent that
// the server no longer lists as owned by the runner. A response without a
// result list cancels nothing.
func (a *agent) abandonReset(log logrus.FieldLogger, resp *controller.HeartbeatResponse, sent time.Time) {
	if resp == nil || resp.Results == nil {
		return
	}

	owned := make(map[controller.ResultRef]struct{}, len(resp.Results))
	for _, ref := range resp.Results {
		owned[ref] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for ref, at := range a.inflight {
		if _, ok := owned[ref]; ok || !at.claimed.Before(sent) {
			continue
		}

		log.WithFields(logrus.Fields{
			"result":  ref.ResultID,
			"attempt": ref.Attempt,
		}).Info("Result was reset, cancelling attempt")

		at.cancel(errAttemptReset)
	}
}

// track registers an attempt and returns its context and a release func.
func (a *agent) track(ctx context.Context, ref controller.ResultRef) (context.Context, func()) {
	actx, cancel := context.WithCancelCause(ctx)

	a.mu.Lock()
	a.inflight[ref] = &attempt{cancel: cancel, claimed: time.Now()}
	a.mu.Unlock()

	return actx, func() {
		a.mu.Lock()
		delete(a.inflight, ref)
		a.mu.Unlock()

		cancel(nil)
	}
}

func (a *agent) workLoop(ctx context.Context, log logrus.FieldLogger, runnerID string) error {
	for {
		plan, err := a.client.Claim(ctx, runnerID)

		switch {
		case errors.Is(err, ErrDetached):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.WithError(err).Warn("Claiming result failed")
		case plan != nil:
			if err := a.runResult(ctx, log, runnerID, plan); err != nil {
				return err
			}

			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.PollInterval):
		}
	}
}

// runResult executes one claimed result. Only ErrDetached and context
// errors are returned; everything else ends up in the reported state.
func (a *agent) runResult(
	ctx context.Context, log logrus.FieldLogger, runnerID string, plan *executor.Plan,
) error {
	ref := controller.ResultRef{RunnerID: runnerID, ResultID: plan.ResultID, Attempt: plan.Attempt}

	log = log.WithFields(logrus.Fields{
		"result":  plan.ResultID,
		"attempt": plan.Attempt,
	})
	log.Info("Executing result")

	actx, release := a.track(ctx, ref)
	defer release()

	start := time.Now()
	report := a.execute(actx, log, ref, plan)

	switch {
	case errors.Is(report.err, ErrStale):
		log.Info("Result was reset, abandoning attempt")

		return nil
	case errors.Is(report.err, ErrDetached):
		return report.err
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(context.Cause(actx), errAttemptReset):
		log.Info("Result was reset during execution, abandoning attempt")

		return nil
	case report.err != nil:
		log.WithError(report.err).Warn("Result execution failed")
	}

	err := a.client.FinishResult(ctx, ref, &controller.ResultReport{
		State:       report.state,
		SetupStdout: report.stdout,
		SetupStderr: report.stderr,
	})

	switch {
	case errors.Is(err, ErrStale):
		log.Info("Result was reset before it was finished")

		return nil
	case errors.Is(err, ErrDetached):
		return err
	case err != nil:
		log.WithError(err).Error("Reporting result failed")

		return nil
	}

	log.WithFields(logrus.Fields{
		"state":    report.state,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Result finished")

	return nil
}

type resultReport struct {
	state  store.ResultState
	stdout string
	stderr string
	err    error
}

func (a *agent) execute(
	ctx context.Context, log logrus.FieldLogger, ref controller.ResultRef, plan *executor.Plan,
) *resultReport {
	c, err := a.runtime.CreateContainer(ctx, &container.Spec{
		Name:        fmt.Sprintf("gradeoor-%d-%d-%s", plan.ResultID, plan.Attempt, shortID(ref.RunnerID)),
		Image:       a.cfg.Image,
		NetworkName: a.cfg.Network,
		Labels: map[string]string{
			"gradeoor.result":     fmt.Sprint(plan.ResultID),
			"gradeoor.runner":     ref.RunnerID,
			"gradeoor.managed-by": "gradeoor",
		},
		MemoryBytes:     a.memory,
		WorkingDir:      StudentDir,
		StdoutTailBytes: a.tailBytes,
	})
	if err != nil {
		return &resultReport{state: store.ResultStateCrashed, err: err}
	}

	defer func() {
		if err := c.Close(context.Background()); err != nil {
			log.WithError(err).Warn("Failed to remove container")
		}
	}()

	report := &resultReport{state: store.ResultStateDone}

	if err := a.prepare(ctx, c, plan); err != nil {
		report.state, report.err = store.ResultStateCrashed, err

		return report
	}

	for _, script := range []string{plan.RunSetupScript, plan.SetupScript} {
		if script == "" {
			continue
		}

		res, err := c.RunCommand(ctx, &container.Command{
			Argv:    container.Shell(script),
			Timeout: setupTimeout,
		})
		if err != nil {
			report.state, report.err = crashState(err), err

			return report
		}

		report.stdout += res.Stdout
		report.stderr += res.Stderr

		switch {
		case res.TimedOut:
			report.state = store.ResultStateTimedOut

			return report
		case res.ExitCode != 0:
			report.state = store.ResultStateFailed

			return report
		}
	}

	if _, err := a.exec.Execute(ctx, plan, c, a.client.Reporter(ref)); err != nil {
		report.state, report.err = crashState(err), err
	}

	return report
}

// prepare copies the submission and fixtures into the container.
func (a *agent) prepare(ctx context.Context, c container.Container, plan *executor.Plan) error {
	if err := run(ctx, c, "mkdir", "-p", StudentDir, FixturesDir); err != nil {
		return err
	}

	if plan.SubmissionArchiveKey != "" {
		archive, err := a.client.Download(ctx, plan.SubmissionArchiveKey)
		if err != nil {
			return err
		}

		if err := c.CopyTo(ctx, "/tmp", "submission.tar", archive); err != nil {
			return err
		}

		if err := run(ctx, c, "tar", "-xf", archivePath, "-C", StudentDir); err != nil {
			return err
		}
	}

	for _, f := range plan.Fixtures {
		data, err := a.client.Download(ctx, f.StorageKey)
		if err != nil {
			return err
		}

		if err := c.CopyTo(ctx, FixturesDir, f.Name, data); err != nil {
			return err
		}
	}

	return nil
}

func run(ctx context.Context, c container.Container, argv ...string) error {
	res, err := c.RunCommand(ctx, &container.Command{Argv: argv, Timeout: setupTimeout})
	if err != nil {
		return err
	}

	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited with %d: %w: %s",
			strings.Join(argv, " "), res.ExitCode, container.ErrCrashed, strings.TrimSpace(res.Stderr))
	}

	return nil
}

// crashState maps an execution error onto a result state. Container
// failures are crashes; anything else fails the result.
func crashState(err error) store.ResultState {
	if errors.Is(err, container.ErrCrashed) {
		return store.ResultStateCrashed
	}

	return store.ResultStateFailed
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}

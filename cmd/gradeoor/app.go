package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/gradeoor/pkg/attachments"
	"github.com/ethpandaops/gradeoor/pkg/broker"
	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/ethpandaops/gradeoor/pkg/controller"
	"github.com/ethpandaops/gradeoor/pkg/grading"
	"github.com/ethpandaops/gradeoor/pkg/heartbeat"
	"github.com/ethpandaops/gradeoor/pkg/runnerpool"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/ethpandaops/gradeoor/pkg/submission"
	"github.com/ethpandaops/gradeoor/pkg/taskqueue"
)

// app holds the server-side services shared by serve, worker and the
// admin commands.
type app struct {
	cfg   *config.Config
	store store.Store
	blobs attachments.Store
	queue taskqueue.Queue
	ctrl  controller.Controller
	guard submission.Guard
}

// newApp loads and validates the config, opens the store and wires the
// controller. Every task definition is registered on the queue, which is
// not started.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	blobs, err := attachments.New(log, &cfg.Storage)
	if err != nil {
		_ = st.Stop()

		return nil, fmt.Errorf("creating attachment store: %w", err)
	}

	queue, err := taskqueue.New(log, &cfg.Queue)
	if err != nil {
		_ = st.Stop()

		return nil, fmt.Errorf("creating task queue: %w", err)
	}

	bc := broker.NewClient(log, &cfg.Broker)
	if err := bc.Ping(ctx); err != nil {
		log.WithError(err).Warn("Broker is not reachable, runner requests will be retried")
	}

	pool := runnerpool.NewManager(log, st, bc, cfg.AutoTest.MaxJobsPerRunner, cfg.Global.InstanceID)
	monitor := heartbeat.NewMonitor(log, st, pool, queue, cfg.AutoTest.HeartbeatTimeout())
	aggregator := grading.NewAggregator(log, grading.NewRegistry())
	ctrl := controller.New(log, st, pool, queue, monitor, aggregator, blobs, &cfg.AutoTest)

	queue.Register(monitor.Definition())

	for _, def := range ctrl.Definitions() {
		queue.Register(def)
	}

	return &app{
		cfg:   cfg,
		store: st,
		blobs: blobs,
		queue: queue,
		ctrl:  ctrl,
		guard: submission.NewGuard(log, st, queue),
	}, nil
}

// runTasks starts the queue for a short-lived admin command. Follow-up
// tasks delayed past the command's lifetime only survive on a shared
// queue backend.
func (a *app) runTasks(ctx context.Context) error {
	if a.cfg.Queue.Driver == "memory" {
		log.Warn("Memory task queue in use, delayed follow-up tasks are dropped when the command exits")
	}

	if err := a.queue.Start(ctx); err != nil {
		return fmt.Errorf("starting task queue: %w", err)
	}

	return nil
}

func (a *app) close() {
	if err := a.queue.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop task queue")
	}

	if err := a.store.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop store")
	}
}

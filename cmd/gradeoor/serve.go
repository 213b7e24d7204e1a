package main

import (
	"fmt"

	"github.com/ethpandaops/gradeoor/pkg/api"
	"github.com/ethpandaops/gradeoor/pkg/scheduler"
	"github.com/spf13/cobra"
)

var (
	serveNoWorkers   bool
	serveNoScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server, batch scheduler and task workers",
	Long: `Start the gradeoor server. It serves the runner and submission API,
sweeps for batch runs on autotest.batch_interval and processes background
tasks. Use --no-workers when dedicated "gradeoor worker" processes consume
a shared queue.`,
	RunE: runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process background tasks from the shared queue",
	RunE:  runWorker,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoWorkers, "no-workers", false, "do not process background tasks")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "do not sweep for batch runs")

	rootCmd.AddCommand(serveCmd, workerCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if serveNoWorkers && a.cfg.Queue.Driver == "memory" {
		return fmt.Errorf("--no-workers requires a shared queue driver, not memory")
	}

	if !serveNoWorkers {
		if err := a.queue.Start(ctx); err != nil {
			return fmt.Errorf("starting task queue: %w", err)
		}
	}

	if !serveNoScheduler {
		sched := scheduler.NewScheduler(log, a.ctrl, a.cfg.AutoTest.BatchInterval)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}

		defer func() {
			if err := sched.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop scheduler")
			}
		}()
	}

	srv, err := api.NewServer(log, &a.cfg.Server, a.store, a.ctrl, a.guard, a.blobs)
	if err != nil {
		return fmt.Errorf("creating api server: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	<-ctx.Done()
	log.Info("Shutting down server")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Queue.Driver == "memory" {
		return fmt.Errorf("worker requires a shared queue driver, not memory")
	}

	if err := a.queue.Start(ctx); err != nil {
		return fmt.Errorf("starting task queue: %w", err)
	}

	<-ctx.Done()
	log.Info("Shutting down worker")

	return nil
}

package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethpandaops/gradeoor/pkg/definition"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage AutoTest runs",
}

var runStartCmd = &cobra.Command{
	Use:   "start <autotest-id>",
	Short: "Start a continuous run of an AutoTest",
	Args:  cobra.ExactArgs(1),
	RunE: adminCommand(func(ctx context.Context, a *app, args []string) error {
		id, err := parseID("autotest-id", args[0])
		if err != nil {
			return err
		}

		run, err := a.ctrl.StartRun(ctx, id)
		if err != nil {
			return err
		}

		log.WithFields(logrus.Fields{
			"run":   run.ID,
			"job":   run.JobID,
			"state": run.State,
		}).Info("Run started")

		return nil
	}),
}

var runStopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Stop a run and release its runners",
	Args:  cobra.ExactArgs(1),
	RunE: adminCommand(func(ctx context.Context, a *app, args []string) error {
		id, err := parseID("run-id", args[0])
		if err != nil {
			return err
		}

		if err := a.ctrl.StopRun(ctx, id); err != nil {
			return err
		}

		log.WithField("run", id).Info("Run stopped")

		return nil
	}),
}

var runSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Start batch runs for AutoTests whose deadline has passed",
	Args:  cobra.NoArgs,
	RunE: adminCommand(func(ctx context.Context, a *app, _ []string) error {
		started, err := a.ctrl.RunBatchSweep(ctx)
		if err != nil {
			return err
		}

		log.WithField("runs", started).Info("Batch sweep finished")

		return nil
	}),
}

var resultCmd = &cobra.Command{
	Use:   "result",
	Short: "Manage AutoTest results",
}

var resultRestartCmd = &cobra.Command{
	Use:   "restart <result-id>",
	Short: "Reset a result so it is executed again",
	Args:  cobra.ExactArgs(1),
	RunE: adminCommand(func(ctx context.Context, a *app, args []string) error {
		id, err := parseID("result-id", args[0])
		if err != nil {
			return err
		}

		if err := a.ctrl.RestartResult(ctx, id); err != nil {
			return err
		}

		log.WithField("result", id).Info("Result restarted")

		return nil
	}),
}

var autotestCmd = &cobra.Command{
	Use:   "autotest",
	Short: "Manage AutoTest configurations",
}

var autotestImportCmd = &cobra.Command{
	Use:   "import <assignment-id> <file>",
	Short: "Create or replace the AutoTest of an assignment from a YAML definition",
	Args:  cobra.ExactArgs(2),
	RunE: adminCommand(func(ctx context.Context, a *app, args []string) error {
		id, err := parseID("assignment-id", args[0])
		if err != nil {
			return err
		}

		importer := definition.NewImporter(log, a.store, a.blobs, a.ctrl)

		at, err := importer.ImportFile(ctx, id, args[1])
		if err != nil {
			return err
		}

		log.WithFields(logrus.Fields{
			"assignment": id,
			"autotest":   at.ID,
			"sets":       len(at.Sets),
			"fixtures":   len(at.Fixtures),
		}).Info("AutoTest imported")

		return nil
	}),
}

func init() {
	runCmd.AddCommand(runStartCmd, runStopCmd, runSweepCmd)
	resultCmd.AddCommand(resultRestartCmd)
	autotestCmd.AddCommand(autotestImportCmd)

	rootCmd.AddCommand(runCmd, resultCmd, autotestCmd)
}

// adminCommand wraps a one-shot operation against the server state.
func adminCommand(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.runTasks(ctx); err != nil {
			return err
		}

		return fn(ctx, a, args)
	}
}

func parseID(name, value string) (uint, error) {
	id, err := strconv.ParseUint(value, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s %q", name, value)
	}

	return uint(id), nil
}

package main

import (
	"fmt"

	"github.com/ethpandaops/gradeoor/pkg/agent"
	"github.com/ethpandaops/gradeoor/pkg/container"
	"github.com/ethpandaops/gradeoor/pkg/executor"
	"github.com/spf13/cobra"
)

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Run the runner agent",
	Long: `Register with the gradeoor server for runner.job_id and execute
claimed results in Docker containers until the run ends.`,
	RunE: runRunner,
}

func init() {
	rootCmd.AddCommand(runnerCmd)
}

func runRunner(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.ValidateRunner(); err != nil {
		return fmt.Errorf("validating runner config: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	runtime, err := container.NewDockerRuntime(log)
	if err != nil {
		return fmt.Errorf("creating container runtime: %w", err)
	}

	if err := runtime.Start(ctx); err != nil {
		return fmt.Errorf("starting container runtime: %w", err)
	}

	defer func() {
		if err := runtime.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop container runtime")
		}
	}()

	client := agent.NewClient(log, cfg.Runner.ServerURL, cfg.Runner.Token, nil)

	ag, err := agent.New(log, &cfg.Runner, client, runtime, executor.NewExecutor(log))
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	return ag.Run(ctx)
}

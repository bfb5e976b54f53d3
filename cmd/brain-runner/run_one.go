package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"brainrunner/internal/config"
	"brainrunner/internal/logging"
	"brainrunner/internal/supervisor"
	"brainrunner/internal/task"
)

var runOneCmd = &cobra.Command{
	Use:   "run-one <project> [task-id]",
	Short: "Run a single task and wait for its outcome",
	Long: `run-one dispatches one task and blocks until the agent finishes. With no
task id it picks the first ready task of the project. The exit code
mirrors the outcome: 0 for completed, 1 otherwise.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := config.FromViper()
		project := args[0]

		logger, err := logging.Init(logging.ParseLevel(logLevel()))
		if err != nil {
			return err
		}

		store, err := openStore(settings)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tasks, err := store.List(ctx, project)
		if err != nil {
			return fmt.Errorf("list %s: %w", project, err)
		}
		g := task.Resolve(tasks, resolveOpts(settings))

		var target *task.ResolvedTask
		if len(args) == 2 {
			if target = g.Get(args[1]); target == nil {
				return fmt.Errorf("task %s not found in %s", args[1], project)
			}
			if target.Classification != task.ClassReady {
				return fmt.Errorf("task %s is %s, not ready", target.ID, target.Classification)
			}
		} else {
			ready := g.Ready()
			if len(ready) == 0 {
				return fmt.Errorf("no ready task in %s", project)
			}
			target = ready[0]
		}

		spawner, err := buildSpawner(settings, logger)
		if err != nil {
			return err
		}

		logs := supervisor.NewBroadcaster()
		lines, unsubscribe := logs.Subscribe(256)
		defer unsubscribe()
		go streamRecords(cmd.OutOrStdout(), lines)

		sup := supervisor.New(store, spawner, logs, supervisor.Options{
			Agent:       settings.Agent,
			Model:       settings.Model,
			CancelGrace: settings.CancelGrace,
			TaskTimeout: settings.TaskTimeout,
		}, logger)

		fmt.Fprintf(cmd.OutOrStdout(), "running %s (%s)\n", target.ID, target.Title)
		if err := sup.Launch(ctx, target); err != nil {
			return err
		}

		go func() {
			<-ctx.Done()
			_ = sup.Cancel(target.ID)
		}()

		out, err := sup.Await(cmd.Context(), target.ID)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "outcome: %s", out.Status)
		if out.Reason != "" {
			fmt.Fprintf(cmd.OutOrStdout(), " (%s)", out.Reason)
		}
		fmt.Fprintln(cmd.OutOrStdout())

		if out.Status != task.StatusCompleted {
			exit(1)
		}
		return nil
	},
}

func streamRecords(w io.Writer, ch <-chan supervisor.Record) {
	for rec := range ch {
		fmt.Fprintf(w, "  %s\n", rec.Message)
	}
}

func init() {
	rootCmd.AddCommand(runOneCmd)
}

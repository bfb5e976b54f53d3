package main

import (
	"context"
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"brainrunner/internal/config"
	"brainrunner/internal/task"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show runner and notebook status",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		settings := config.FromViper()

		pid, err := readPIDFile(settings)
		switch {
		case err != nil:
			fmt.Fprintln(out, "runner: not running")
		case syscall.Kill(pid, 0) == nil:
			fmt.Fprintf(out, "runner: running (pid %d)\n", pid)
		default:
			fmt.Fprintf(out, "runner: stale pid file (pid %d)\n", pid)
		}

		store, err := openStore(settings)
		if err != nil {
			return err
		}
		projects, err := resolveProjects(settings, nil)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), settings.StoreTimeout)
		defer cancel()

		for _, p := range projects {
			tasks, err := store.List(ctx, p)
			if err != nil {
				fmt.Fprintf(out, "%-20s unavailable: %v\n", p, err)
				continue
			}
			g := task.Resolve(tasks, resolveOpts(settings))
			fmt.Fprintf(out, "%-20s total %-3d ready %-3d waiting %-3d blocked %-3d in progress %-3d completed %d\n",
				p, g.Stats.Total, g.Stats.Ready, g.Stats.Waiting, g.Stats.Blocked,
				g.Stats.InProgress, g.Stats.Completed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

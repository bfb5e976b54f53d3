package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"brainrunner/internal/config"
	"brainrunner/internal/task"
)

var listCmd = &cobra.Command{
	Use:   "list <project>",
	Short: "List a project's tasks with their resolved classification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printTasks(cmd, args[0], "")
	},
}

var readyCmd = &cobra.Command{
	Use:   "ready <project>",
	Short: "List the tasks the runner could dispatch now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printTasks(cmd, args[0], task.ClassReady)
	},
}

var waitingCmd = &cobra.Command{
	Use:   "waiting <project>",
	Short: "List tasks waiting on live dependencies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printTasks(cmd, args[0], task.ClassWaiting)
	},
}

var blockedCmd = &cobra.Command{
	Use:   "blocked <project>",
	Short: "List blocked tasks with the blocking reason",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printTasks(cmd, args[0], task.ClassBlocked)
	},
}

func printTasks(cmd *cobra.Command, project string, only task.Classification) error {
	settings := config.FromViper()
	store, err := openStore(settings)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), settings.StoreTimeout)
	defer cancel()

	tasks, err := store.List(ctx, project)
	if err != nil {
		return fmt.Errorf("list %s: %w", project, err)
	}
	g := task.Resolve(tasks, resolveOpts(settings))

	out := cmd.OutOrStdout()
	n := 0
	for _, t := range g.Tasks {
		if only != "" && t.Classification != only {
			continue
		}
		n++
		detail := ""
		switch {
		case t.BlockedByReason != "":
			detail = t.BlockedByReason
		case len(t.BlockedBy) > 0:
			detail = fmt.Sprintf("blocked by %v", t.BlockedBy)
		case len(t.WaitingOn) > 0:
			detail = fmt.Sprintf("waiting on %v", t.WaitingOn)
		}
		fmt.Fprintf(out, "%-10s %-12s %-10s %-40s %s\n",
			t.ID, t.Status, t.Classification, truncateCell(t.Title, 40), detail)
	}
	if n == 0 {
		fmt.Fprintln(out, "no matching tasks")
	}
	return nil
}

func truncateCell(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func init() {
	rootCmd.AddCommand(listCmd, readyCmd, waitingCmd, blockedCmd)
}

package main

import (
	"fmt"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"brainrunner/internal/config"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a background runner",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := config.FromViper()
		pid, err := readPIDFile(settings)
		if err != nil {
			return fmt.Errorf("no running instance found: %w", err)
		}

		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			removePIDFile(settings)
			return fmt.Errorf("stop pid %d: %w", pid, err)
		}

		// Wait for the loop to drain its children.
		deadline := time.Now().Add(settings.CancelGrace + 5*time.Second)
		for time.Now().Before(deadline) {
			if syscall.Kill(pid, 0) != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "runner stopped (pid %d)\n", pid)
				return nil
			}
			time.Sleep(200 * time.Millisecond)
		}
		return fmt.Errorf("runner pid %d did not exit in time", pid)
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

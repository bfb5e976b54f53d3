package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"brainrunner/internal/config"
	"brainrunner/internal/logging"
)

var (
	logsTail   int
	logsFollow bool
)

var logsCmd = &cobra.Command{
	Use:   "logs <project>",
	Short: "Show a project's runner log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := config.FromViper()
		path := logging.ProjectLogPath(settings.BrainDir, args[0])

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("no logs for %s: %w", args[0], err)
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		printLogLines(cmd, data, logsTail)

		if !logsFollow {
			return nil
		}
		offset := int64(len(data))
		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case <-time.After(time.Second):
			}
			info, err := os.Stat(path)
			if err != nil || info.Size() <= offset {
				continue
			}
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				return err
			}
			chunk, err := io.ReadAll(f)
			if err != nil {
				return err
			}
			offset += int64(len(chunk))
			printLogLines(cmd, chunk, 0)
		}
	},
}

// printLogLines renders slog JSON lines human-readably, passing through
// anything that does not parse.
func printLogLines(cmd *cobra.Command, data []byte, tail int) {
	out := cmd.OutOrStdout()
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	for _, line := range lines {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			fmt.Fprintln(out, line)
			continue
		}
		msg, _ := rec["msg"].(string)
		level, _ := rec["level"].(string)
		stamp := ""
		if raw, ok := rec["time"].(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				stamp = ts.Format("15:04:05")
			}
		}
		if id, ok := rec["task"].(string); ok && id != "" {
			stamp += " [" + id + "]"
		}
		fmt.Fprintf(out, "%s %-5s %s\n", stamp, strings.ToLower(level), msg)
	}
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "number of lines to show")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep streaming new lines")
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"brainrunner/internal/config"
	"brainrunner/internal/entry"
	"brainrunner/internal/task"
)

var exit = os.Exit
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "brain-runner",
	Short: "Distributed task runner for brain notebooks",
	Long: `brain-runner watches the task entries of a brain notebook, resolves
their dependency graph and dispatches ready tasks to coding agents. The
start command runs the loop; the rest of the commands inspect and
control a notebook.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI. Usage errors exit 2, everything else 1.
func Execute() {
	cmd, err := rootCmd.ExecuteC()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if cmd != nil && !cmd.SilenceUsage {
			exit(2)
		}
		exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().String("dir", "", "brain notebook directory (default $HOME/brain)")
	rootCmd.PersistentFlags().String("api-url", "", "entry API base URL; empty reads the notebook directly")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
}

func initConfig() {
	config.Load(cfgFile)
}

func logLevel() string {
	if viper.GetBool("verbose") {
		return "debug"
	}
	return "info"
}

// openStore picks the entry store backend: the HTTP API when configured,
// the notebook directory otherwise.
func openStore(s config.Settings) (entry.Store, error) {
	if s.APIURL != "" {
		return entry.NewHTTPStore(s.APIURL, s.StoreTimeout), nil
	}
	return entry.NewFileStore(s.BrainDir)
}

// resolveProjects returns the configured project list, falling back to a
// scan of the notebook's projects directory.
func resolveProjects(s config.Settings, exclude []string) ([]string, error) {
	names := s.Projects
	if len(names) == 0 {
		entries, err := os.ReadDir(filepath.Join(s.BrainDir, "projects"))
		if err != nil {
			return nil, fmt.Errorf("discover projects: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
	}

	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	var out []string
	for _, n := range names {
		if !skip[n] {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("no projects found under %s", s.BrainDir)
	}
	return out, nil
}

func resolveOpts(s config.Settings) task.ResolveOpts {
	home, _ := os.UserHomeDir()
	return task.ResolveOpts{Home: home, DefaultWorkdir: s.DefaultWorkdir}
}

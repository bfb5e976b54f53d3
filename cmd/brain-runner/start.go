package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"

	"brainrunner/internal/config"
	"brainrunner/internal/db"
	"brainrunner/internal/entry"
	"brainrunner/internal/logging"
	"brainrunner/internal/metrics"
	"brainrunner/internal/notify"
	"brainrunner/internal/runner"
	"brainrunner/internal/sandbox"
	"brainrunner/internal/scheduler"
	"brainrunner/internal/supervisor"
	"brainrunner/internal/task"
	"brainrunner/internal/ui"
	"brainrunner/internal/web"
)

var (
	startForeground bool
	startBackground bool
	startTUI        bool
	startDryRun     bool
	startNoResume   bool
	startExclude    []string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the runner loop",
	Long: `Start polls every project's task entries, dispatches ready tasks to
agents and supervises them. With --tui the dashboard attaches to the
loop; with --background the loop detaches from the terminal.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().BoolVarP(&startForeground, "foreground", "f", false, "run in the foreground (default)")
	startCmd.Flags().BoolVarP(&startBackground, "background", "b", false, "detach and run in the background")
	startCmd.Flags().BoolVar(&startTUI, "tui", false, "attach the dashboard")
	startCmd.Flags().BoolVar(&startTUI, "dashboard", false, "alias for --tui")
	startCmd.Flags().BoolVar(&startDryRun, "dry-run", false, "resolve and report, dispatch nothing")
	startCmd.Flags().BoolVar(&startNoResume, "no-resume", false, "do not reset orphaned in_progress entries")
	startCmd.Flags().StringSliceVarP(&startExclude, "exclude", "e", nil, "projects to skip")

	startCmd.Flags().IntP("max-parallel", "p", 0, "global concurrent agent cap")
	startCmd.Flags().Duration("poll-interval", 0, "store poll interval")
	startCmd.Flags().StringP("workdir", "w", "", "default agent working directory")
	startCmd.Flags().String("agent", "", "agent CLI binary")
	startCmd.Flags().StringP("model", "m", "", "model passed to the agent")
	startCmd.Flags().String("spawner", "", "agent backend: local, docker or k8s")

	bindToViper(startCmd.Flags(), map[string]string{
		"max_parallel":  "max-parallel",
		"poll_interval": "poll-interval",
		"workdir":       "workdir",
		"agent":         "agent",
		"model":         "model",
		"spawner":       "spawner",
	})
}

func bindToViper(fs *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		viper.BindPFlag(key, fs.Lookup(flag))
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	settings := config.FromViper()

	if startBackground && !startForeground {
		return detach(cmd)
	}

	projects, err := resolveProjects(settings, startExclude)
	if err != nil {
		return err
	}

	logFiles := make([]string, 0, len(projects))
	for _, p := range projects {
		logFiles = append(logFiles, logging.ProjectLogPath(settings.BrainDir, p))
	}
	logger, err := logging.Init(logging.ParseLevel(logLevel()), logFiles...)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	store, err := openStore(settings)
	if err != nil {
		return err
	}

	if startDryRun {
		return dryRun(cmd, store, settings, projects)
	}

	index, err := db.FromURL(settings.IndexDBPath())
	if err != nil {
		logger.Warn("index database unavailable, continuing without it", "error", err)
		index = nil
	} else {
		defer index.Close()
	}

	spawner, err := buildSpawner(settings, logger)
	if err != nil {
		return err
	}

	logs := supervisor.NewBroadcaster()
	sup := supervisor.New(store, spawner, logs, supervisor.Options{
		Agent:       settings.Agent,
		Model:       settings.Model,
		CancelGrace: settings.CancelGrace,
		TaskTimeout: settings.TaskTimeout,
	}, logger)

	mem := scheduler.NewSystemMemory()
	sched := scheduler.New(mem, settings.MemoryThreshold, logger)
	met := metrics.New()
	notifier := notify.NewFromConfig(logger)

	home, _ := os.UserHomeDir()
	host, _ := os.Hostname()
	runnerID := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	loop := runner.New(store, sched, sup, mem, met, index, notifier, runner.Options{
		Projects:       projects,
		GlobalCap:      settings.MaxParallel,
		PollInterval:   settings.PollInterval,
		StoreTimeout:   settings.StoreTimeout,
		LogRing:        settings.LogRing,
		Home:           home,
		DefaultWorkdir: settings.DefaultWorkdir,
		MultiRunner:    settings.MultiRunner,
		RunnerID:       runnerID,
		NoResume:       startNoResume,
	}, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := writePIDFile(settings); err != nil {
		logger.Warn("pid file not written", "error", err)
	}
	defer removePIDFile(settings)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return loop.Run(ctx) })

	if settings.APIURL == "" && settings.APIPort > 0 {
		api := web.NewServer(store, index, resolveOpts(settings), met,
			fmt.Sprintf("127.0.0.1:%d", settings.APIPort), logger)
		g.Go(func() error { return api.Start(ctx) })
	}

	if settings.MetricsPort > 0 {
		g.Go(func() error { return serveMetrics(ctx, met, settings.MetricsPort) })
	}

	if startTUI {
		g.Go(func() error {
			defer stop() // quitting the dashboard stops the loop
			return ui.Run(ctx, loop.Snapshots(), loop.Commands(), settings.BrainDir)
		})
	} else {
		logger.Info("runner started", "projects", projects, "cap", settings.MaxParallel, "runner", runnerID)
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func buildSpawner(s config.Settings, logger *slog.Logger) (supervisor.Spawner, error) {
	switch s.Spawner {
	case "", "local":
		return supervisor.LocalSpawner{}, nil
	case "docker":
		client, err := sandbox.NewClient()
		if err != nil {
			return nil, fmt.Errorf("docker spawner: %w", err)
		}
		return supervisor.NewDockerSpawner(logger, client, s.SandboxImage), nil
	case "k8s":
		return supervisor.NewK8sSpawner(logger, s.SandboxImage, "", corev1.PullIfNotPresent)
	default:
		return nil, fmt.Errorf("unknown spawner %q", s.Spawner)
	}
}

// dryRun resolves every project and reports what the first tick would
// dispatch, without launching anything.
func dryRun(cmd *cobra.Command, store entry.Store, s config.Settings, projects []string) error {
	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), s.StoreTimeout)
	defer cancel()

	for _, p := range projects {
		tasks, err := store.List(ctx, p)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", p, err)
			continue
		}
		g := task.Resolve(tasks, resolveOpts(s))
		fmt.Fprintf(out, "%s: %d tasks, %d ready, %d waiting, %d blocked\n",
			p, g.Stats.Total, g.Stats.Ready, g.Stats.Waiting, g.Stats.Blocked)
		if ready := g.Ready(); len(ready) > 0 {
			fmt.Fprintf(out, "  would dispatch %s (%s)\n", ready[0].ID, ready[0].Title)
		}
	}
	return nil
}

// detach re-execs the runner in the foreground, disowned from this
// terminal.
func detach(cmd *cobra.Command) error {
	args := []string{"start", "--foreground"}
	for _, a := range os.Args[2:] {
		if a != "-b" && a != "--background" {
			args = append(args, a)
		}
	}

	child := exec.Command(os.Args[0], args...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	child.Stdout = nil
	child.Stderr = nil
	if err := child.Start(); err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "runner started in background (pid %d)\n", child.Process.Pid)
	return child.Process.Release()
}

func serveMetrics(ctx context.Context, met *metrics.Metrics, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func pidFilePath(s config.Settings) string {
	return filepath.Join(s.BrainDir, "runner.pid")
}

func writePIDFile(s config.Settings) error {
	return os.WriteFile(pidFilePath(s), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(s config.Settings) {
	_ = os.Remove(pidFilePath(s))
}

func readPIDFile(s config.Settings) (int, error) {
	data, err := os.ReadFile(pidFilePath(s))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

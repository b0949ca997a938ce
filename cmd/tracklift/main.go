package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/mlops-tools/tracklift/internal/config"
	"github.com/mlops-tools/tracklift/internal/driver"
	"github.com/mlops-tools/tracklift/internal/journal"
	"github.com/mlops-tools/tracklift/internal/recovery"
	"github.com/mlops-tools/tracklift/internal/resolve"
	"github.com/mlops-tools/tracklift/internal/source"
	"github.com/mlops-tools/tracklift/internal/target"
	"github.com/mlops-tools/tracklift/tools/snapshotctl"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "tracklift",
		Short:         "Migrate experiment tracking data between services",
		Long:          "tracklift copies runs, metrics, params, and system telemetry from one experiment tracking service to another, with dry-run snapshots and crash-safe resume.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// API keys usually live in a local .env rather than the config file.
			_ = godotenv.Load()

			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			applyFlagOverrides(cmd, cfg)
			applyEnvironment(cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := newLogger(cfg.Logging)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, logger); err != nil {
				logger.Error("migration failed", "error", err)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to configuration file (TOML)")
	flags.String("project", "", "source project to migrate")
	flags.String("experiment", "", "destination experiment name (defaults to the project name)")
	flags.StringSlice("run-name-filter", nil, "regex allow-list for run names")
	flags.StringSlice("metric-exclude", nil, "regex patterns for metric keys to drop")
	flags.Bool("dry-run", false, "write a local snapshot instead of the destination service")
	flags.String("snapshot-dir", "", "directory for dry-run snapshots")
	flags.Bool("resume-from-dry-run", false, "replay a snapshot into the destination service")
	flags.Bool("resume-from-crash", false, "reap partial runs from an interrupted migration before migrating")
	flags.Bool("skip-existing", false, "skip source runs already present in the destination")
	flags.Bool("skip-dual-writing", false, "skip runs whose config says they already write to the destination")
	flags.Bool("nested-runs", false, "open grouped runs as children of a per-group parent run")
	flags.Int("workers", 0, "replay worker count")
	flags.String("dual-write-experiment-id", "", "existing destination experiment to migrate into")

	cmd.AddCommand(snapshotCommand())

	return cmd
}

func snapshotCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect a dry-run snapshot directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			reports, err := snapshotctl.Inspect(dir)
			if err != nil {
				return err
			}
			for _, exp := range reports {
				fmt.Printf("experiment %s (owned=%t) %s\n", exp.Name, exp.Owned, exp.Dir)
				for _, run := range exp.Runs {
					fmt.Printf("  run %s name=%q complete=%t metric_keys=%d system_keys=%d points=%d\n",
						run.RunID, run.Name, run.Complete, run.MetricKeys, run.SystemMetricKeys, run.Points)
					for _, problem := range run.Problems {
						fmt.Printf("    problem: %s\n", problem)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "snapshots", "snapshot base directory")
	return cmd
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("project") {
		cfg.Source.Project, _ = flags.GetString("project")
	}
	if flags.Changed("experiment") {
		cfg.Migration.ExperimentName, _ = flags.GetString("experiment")
	}
	if flags.Changed("run-name-filter") {
		cfg.Migration.RunNameFilters, _ = flags.GetStringSlice("run-name-filter")
	}
	if flags.Changed("metric-exclude") {
		cfg.Migration.MetricExcludes, _ = flags.GetStringSlice("metric-exclude")
	}
	if flags.Changed("dry-run") {
		cfg.Migration.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("snapshot-dir") {
		cfg.Migration.SnapshotDir, _ = flags.GetString("snapshot-dir")
	}
	if flags.Changed("resume-from-dry-run") {
		cfg.Migration.ResumeFromDryRun, _ = flags.GetBool("resume-from-dry-run")
	}
	if flags.Changed("resume-from-crash") {
		cfg.Migration.ResumeFromCrash, _ = flags.GetBool("resume-from-crash")
	}
	if flags.Changed("skip-existing") {
		cfg.Migration.SkipExisting, _ = flags.GetBool("skip-existing")
	}
	if flags.Changed("skip-dual-writing") {
		cfg.Migration.SkipDualWriting, _ = flags.GetBool("skip-dual-writing")
	}
	if flags.Changed("nested-runs") {
		cfg.Migration.NestedRuns, _ = flags.GetBool("nested-runs")
	}
	if flags.Changed("workers") {
		cfg.Migration.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("dual-write-experiment-id") {
		cfg.Migration.DualWriteExperimentID, _ = flags.GetString("dual-write-experiment-id")
	}
}

func applyEnvironment(cfg *config.Config) {
	if cfg.Source.APIKey == "" {
		cfg.Source.APIKey = os.Getenv("TRACKLIFT_SOURCE_API_KEY")
	}
	if cfg.Destination.APIKey == "" {
		cfg.Destination.APIKey = os.Getenv("TRACKLIFT_DESTINATION_API_KEY")
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	deps := driver.Deps{Logger: logger}

	if !cfg.Migration.ResumeFromDryRun {
		reader, err := source.NewClient(source.ClientConfig{
			BaseURL:  cfg.Source.BaseURL,
			Entity:   cfg.Source.Entity,
			APIKey:   cfg.Source.APIKey,
			PageSize: cfg.Source.PageSize,
			Timeout:  cfg.Source.Timeout,
		})
		if err != nil {
			return err
		}
		deps.Reader = reader
	}

	experimentName := cfg.Migration.ExperimentName
	if experimentName == "" {
		experimentName = cfg.Source.Project
	}
	opts := resolve.Options{
		Project:               cfg.Source.Project,
		ExperimentName:        cfg.Migration.ExperimentName,
		DualWriteExperimentID: cfg.Migration.DualWriteExperimentID,
		SkipExisting:          cfg.Migration.SkipExisting,
		NestedRuns:            cfg.Migration.NestedRuns,
	}

	if cfg.Migration.DryRun {
		deps.Resolver = resolve.NewSnapshotResolver(cfg.Migration.SnapshotDir, logger, opts)
		if cfg.Migration.ResumeFromCrash {
			deps.Recovery = recovery.NewSnapshotManager(
				filepath.Join(cfg.Migration.SnapshotDir, experimentName), logger)
		}
	} else {
		writer, err := target.NewClient(target.ClientConfig{
			BaseURL:       cfg.Destination.BaseURL,
			APIKey:        cfg.Destination.APIKey,
			RatePerSecond: cfg.Destination.RatePerSecond,
			Timeout:       cfg.Destination.Timeout,
		})
		if err != nil {
			return err
		}
		queue := target.NewQueue(logger, cfg.Destination.QueueSize)
		queue.Start(ctx)
		defer func() {
			if err := queue.Close(); err != nil {
				logger.Error("write queue closed with unreported failure", "error", err)
			}
		}()
		deps.Queue = queue
		deps.Resolver = resolve.NewNetworkResolver(writer, queue, logger, opts)
		if cfg.Migration.ResumeFromCrash {
			deps.Recovery = recovery.NewNetworkManager(writer, logger, experimentName)
		}
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.DSN)
		if err != nil {
			return err
		}
		defer j.Close()
		deps.Journal = j
	}

	d, err := driver.New(cfg, deps)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

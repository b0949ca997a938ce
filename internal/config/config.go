package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the application configuration
type Config struct {
	Source      SourceConfig      `toml:"source"`
	Destination DestinationConfig `toml:"destination"`
	Migration   MigrationConfig   `toml:"migration"`
	Journal     JournalConfig     `toml:"journal"`
	Logging     LoggingConfig     `toml:"logging"`
}

// SourceConfig holds the experiment tracking service to read from
type SourceConfig struct {
	BaseURL  string        `toml:"base_url"`
	Entity   string        `toml:"entity"`
	Project  string        `toml:"project"`
	APIKey   string        `toml:"api_key"`
	PageSize int           `toml:"page_size"`
	Timeout  time.Duration `toml:"timeout"`
}

// DestinationConfig holds the tracking service to write to
type DestinationConfig struct {
	BaseURL       string        `toml:"base_url"`
	APIKey        string        `toml:"api_key"`
	Timeout       time.Duration `toml:"timeout"`
	RatePerSecond float64       `toml:"rate_per_second"`
	QueueSize     int           `toml:"queue_size"`
}

// MigrationConfig holds what to migrate and how
type MigrationConfig struct {
	ExperimentName        string   `toml:"experiment_name"`
	RunNameFilters        []string `toml:"run_name_filters"`
	MetricExcludes        []string `toml:"metric_excludes"`
	BatchSize             int      `toml:"batch_size"`
	CheckpointRuns        int      `toml:"checkpoint_runs"`
	Workers               int      `toml:"workers"`
	SkipExisting          bool     `toml:"skip_existing"`
	SkipDualWriting       bool     `toml:"skip_dual_writing"`
	NestedRuns            bool     `toml:"nested_runs"`
	DualWriteExperimentID string   `toml:"dual_write_experiment_id"`
	DryRun                bool     `toml:"dry_run"`
	SnapshotDir           string   `toml:"snapshot_dir"`
	ResumeFromDryRun      bool     `toml:"resume_from_dry_run"`
	ResumeFromCrash       bool     `toml:"resume_from_crash"`
}

// JournalConfig holds the local outcome database settings
type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	DSN     string `toml:"dsn"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			PageSize: 500,
			Timeout:  30 * time.Second,
		},
		Destination: DestinationConfig{
			Timeout:       30 * time.Second,
			RatePerSecond: 10,
			QueueSize:     64,
		},
		Migration: MigrationConfig{
			BatchSize:      1000,
			CheckpointRuns: 5,
			Workers:        4,
			SnapshotDir:    "snapshots",
		},
		Journal: JournalConfig{
			Enabled: true,
			DSN:     "tracklift.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

// Mode names how the configured flags combine, for logs and the journal.
func (c *Config) Mode() string {
	switch {
	case c.Migration.ResumeFromDryRun:
		return "resume-from-dry-run"
	case c.Migration.DryRun:
		return "dry-run"
	case c.Migration.ResumeFromCrash:
		return "resume-from-crash"
	default:
		return "normal"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Source validation
	if c.Source.Project == "" {
		return fmt.Errorf("source project must be specified")
	}
	if !c.Migration.ResumeFromDryRun {
		if c.Source.BaseURL == "" {
			return fmt.Errorf("source base_url must be specified")
		}
		if c.Source.Entity == "" {
			return fmt.Errorf("source entity must be specified")
		}
	}
	if c.Source.PageSize <= 0 {
		return fmt.Errorf("source page_size must be positive")
	}

	// Destination validation
	if !c.Migration.DryRun {
		if c.Destination.BaseURL == "" {
			return fmt.Errorf("destination base_url must be specified")
		}
		if c.Destination.RatePerSecond <= 0 {
			return fmt.Errorf("destination rate_per_second must be positive")
		}
	}
	if c.Destination.QueueSize <= 0 {
		return fmt.Errorf("destination queue_size must be positive")
	}

	// Migration validation
	if c.Migration.DryRun && c.Migration.ResumeFromDryRun {
		return fmt.Errorf("dry_run and resume_from_dry_run are mutually exclusive")
	}
	if c.Migration.DryRun && c.Migration.DualWriteExperimentID != "" {
		return fmt.Errorf("dual_write_experiment_id cannot be combined with dry_run")
	}
	if (c.Migration.DryRun || c.Migration.ResumeFromDryRun) && c.Migration.SnapshotDir == "" {
		return fmt.Errorf("snapshot_dir must be specified for dry-run modes")
	}
	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("migration batch_size must be positive")
	}
	if c.Migration.CheckpointRuns <= 0 {
		return fmt.Errorf("migration checkpoint_runs must be positive")
	}
	if c.Migration.Workers < 1 {
		return fmt.Errorf("migration workers must be at least 1")
	}
	for _, pattern := range c.Migration.RunNameFilters {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid run_name_filters pattern %q: %w", pattern, err)
		}
	}
	for _, pattern := range c.Migration.MetricExcludes {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid metric_excludes pattern %q: %w", pattern, err)
		}
	}

	// Journal validation
	if c.Journal.Enabled && c.Journal.DSN == "" {
		return fmt.Errorf("journal dsn must be specified when the journal is enabled")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

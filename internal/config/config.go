package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Cluster     Cluster   `yaml:"cluster"`
	Migration   Migration `yaml:"migration"`
	MetricsAddr string    `yaml:"metrics_addr"`
	LogLevel    string    `yaml:"log_level"`
}

// Cluster represents the search cluster connection configuration
type Cluster struct {
	Endpoint       string `yaml:"endpoint"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Migration represents migration-specific configuration
type Migration struct {
	SourcePattern   string `yaml:"source_pattern"`
	Destination     string `yaml:"destination"`
	Resume          bool   `yaml:"resume"`
	DryRun          bool   `yaml:"dry_run"`
	AutoConfirm     bool   `yaml:"auto_confirm"`
	SourceReadOnly  bool   `yaml:"source_read_only"`
	DestReadOnly    bool   `yaml:"dest_read_only"`
	CheckpointIndex string `yaml:"checkpoint_index"`
	CheckpointDB    string `yaml:"checkpoint_db"`
	PollIntervalMs  int    `yaml:"poll_interval_ms"`
	SettleDelayMs   int    `yaml:"settle_delay_ms"`
	Replicas        int    `yaml:"replicas"`
	RefreshInterval string `yaml:"refresh_interval"`
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Cluster: Cluster{
			TimeoutSeconds: 60,
		},
		Migration: Migration{
			CheckpointIndex: ".migrate-checkpoints",
			PollIntervalMs:  5000,
			SettleDelayMs:   2000,
			Replicas:        1,
			RefreshInterval: "1s",
		},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if err := loadFromFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("endpoint") {
		cfg.Cluster.Endpoint, _ = flags.GetString("endpoint")
	}
	if flags.Changed("username") {
		cfg.Cluster.Username, _ = flags.GetString("username")
	}
	if flags.Changed("password") {
		cfg.Cluster.Password, _ = flags.GetString("password")
	}

	if flags.Changed("source-pattern") {
		cfg.Migration.SourcePattern, _ = flags.GetString("source-pattern")
	}
	if flags.Changed("dest") {
		cfg.Migration.Destination, _ = flags.GetString("dest")
	}
	if flags.Changed("resume") {
		cfg.Migration.Resume, _ = flags.GetBool("resume")
	}
	if flags.Changed("dry-run") {
		cfg.Migration.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("yes") {
		cfg.Migration.AutoConfirm, _ = flags.GetBool("yes")
	}
	if flags.Changed("source-read-only") {
		cfg.Migration.SourceReadOnly, _ = flags.GetBool("source-read-only")
	}
	if flags.Changed("dest-read-only") {
		cfg.Migration.DestReadOnly, _ = flags.GetBool("dest-read-only")
	}
	if flags.Changed("checkpoint-index") {
		cfg.Migration.CheckpointIndex, _ = flags.GetString("checkpoint-index")
	}
	if flags.Changed("checkpoint-db") {
		cfg.Migration.CheckpointDB, _ = flags.GetString("checkpoint-db")
	}
	if flags.Changed("poll-interval-ms") {
		cfg.Migration.PollIntervalMs, _ = flags.GetInt("poll-interval-ms")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Cluster.Endpoint == "" {
		return fmt.Errorf("cluster endpoint is required")
	}

	if c.Migration.SourcePattern == "" {
		return fmt.Errorf("source pattern is required")
	}
	if c.Migration.Destination == "" {
		return fmt.Errorf("destination index is required")
	}
	if c.Migration.CheckpointIndex == "" && c.Migration.CheckpointDB == "" {
		return fmt.Errorf("a checkpoint index or checkpoint database is required")
	}

	if c.Migration.PollIntervalMs <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Migration.SettleDelayMs < 0 {
		return fmt.Errorf("settle delay cannot be negative")
	}
	if c.Migration.Replicas < 0 {
		return fmt.Errorf("replicas cannot be negative")
	}

	return nil
}

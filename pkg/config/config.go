// Package config loads the per-destination configuration file and merges
// command line flags over it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-tmbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-tmbackup/pkg/logcompact"
	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
	"github.com/paulschiretz/pgl-tmbackup/pkg/util"
)

// ConfigFileName is the optional configuration file at the destination root.
const ConfigFileName = "pgl-tmbackup.yaml"

// ErrConfigExists is returned by Generate when a config file is already present.
var ErrConfigExists = errors.New("config file already exists")

type RetentionConfig struct {
	// KeepAllDays keeps every snapshot younger than this many days.
	KeepAllDays int `yaml:"keepAllDays"`
	// KeepDailyDays keeps one snapshot per day younger than this many days.
	// Older snapshots are thinned to one per month.
	KeepDailyDays int `yaml:"keepDailyDays"`
}

type SyncConfig struct {
	RsyncPath string   `yaml:"rsyncPath"`
	ExtraArgs []string `yaml:"extraArgs"`
}

type EngineConfig struct {
	DeleteWorkers int `yaml:"deleteWorkers"`
	// MaxExhaustionRetries caps the evict-and-retry loop; 0 means unbounded.
	MaxExhaustionRetries int `yaml:"maxExhaustionRetries"`
}

type LogsConfig struct {
	Compact bool              `yaml:"compact"`
	Format  logcompact.Format `yaml:"format"`
	Level   logcompact.Level  `yaml:"level"`
}

type HooksConfig struct {
	PreBackup  []string `yaml:"preBackup"`
	PostBackup []string `yaml:"postBackup"`
	FailFast   bool     `yaml:"failFast"`
}

type MetricsConfig struct {
	// File is a Prometheus textfile collector path; empty disables the export.
	File string `yaml:"file"`
}

type RuntimeConfig struct {
	DryRun bool
}

type Config struct {
	Version     string          `yaml:"version"`
	Source      string          `yaml:"-"` // Always from the command line
	Dest        string          `yaml:"-"` // The directory the file was loaded from
	ExcludeFrom string          `yaml:"-"` // Always from the command line
	Runtime     RuntimeConfig   `yaml:"-"`
	LogLevel    string          `yaml:"logLevel"`
	Retention   RetentionConfig `yaml:"retention"`
	Sync        SyncConfig      `yaml:"sync"`
	Engine      EngineConfig    `yaml:"engine"`
	Logs        LogsConfig      `yaml:"logs"`
	Hooks       HooksConfig     `yaml:"hooks"`
	Metrics     MetricsConfig   `yaml:"metrics"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		LogLevel: "info",
		Retention: RetentionConfig{
			KeepAllDays:   1,  // Everything from the last 24 hours.
			KeepDailyDays: 31, // One per day for a month, one per month after that.
		},
		Sync: SyncConfig{
			RsyncPath: "rsync",
			ExtraArgs: []string{},
		},
		Engine: EngineConfig{
			DeleteWorkers:        4, // Parallel unlinking helps on network filesystems.
			MaxExhaustionRetries: 0,
		},
		Logs: LogsConfig{
			Compact: true,
			Format:  logcompact.Gzip,
			Level:   logcompact.Default,
		},
		Hooks: HooksConfig{
			PreBackup:  []string{},
			PostBackup: []string{},
		},
	}
}

// envPattern matches $(VAR_NAME) placeholders.
var envPattern = regexp.MustCompile(`\$\(([A-Za-z0-9_]+)\)`)

// expandEnvVars replaces $(VAR) with the value of the environment variable VAR.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envPattern.FindStringSubmatch(m)[1])
	})
}

// Load reads <dest>/pgl-tmbackup.yaml over the defaults. A missing file is not
// an error and yields the defaults. Unknown keys are rejected.
func Load(dest string) (Config, error) {
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for %s: %w", dest, err)
	}

	cfg := NewDefault()
	cfg.Dest = absDest

	configPath := filepath.Join(absDest, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("error reading config file %s: %w", configPath, err)
	}

	plog.Info("Loading configuration", "path", configPath)

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expandEnvVars(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	// Fields the file may not carry are restored.
	cfg.Dest = absDest
	cfg.Version = buildinfo.Version
	return cfg, nil
}

// Generate writes cfg as <dest>/pgl-tmbackup.yaml. An existing file is only
// replaced when force is set.
func Generate(cfg Config, dest string, force bool) error {
	configPath := filepath.Join(dest, ConfigFileName)
	if !force {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%w: %s (use --force to overwrite)", ErrConfigExists, configPath)
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s configuration. Values of the form $(VAR) are read from the environment.\n", buildinfo.Name)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(configPath, buf.Bytes(), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

var validLogLevels = map[string]bool{"debug": true, "notice": true, "info": true, "warn": true, "warning": true, "error": true}

// Validate checks the configuration for logical errors and inconsistencies.
// Source is only required when checkSource is set (backup, not prune or list).
func (c *Config) Validate(checkSource bool) error {
	if checkSource && c.Source == "" {
		return fmt.Errorf("source path cannot be empty")
	}
	if c.Dest == "" {
		return fmt.Errorf("destination path cannot be empty")
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}

	if c.Retention.KeepAllDays < 0 {
		return fmt.Errorf("retention.keepAllDays cannot be negative, got %d", c.Retention.KeepAllDays)
	}
	if c.Retention.KeepDailyDays < c.Retention.KeepAllDays {
		return fmt.Errorf("retention.keepDailyDays (%d) must not be smaller than retention.keepAllDays (%d)",
			c.Retention.KeepDailyDays, c.Retention.KeepAllDays)
	}

	if strings.TrimSpace(c.Sync.RsyncPath) == "" {
		return fmt.Errorf("sync.rsyncPath cannot be empty")
	}
	for _, arg := range c.Sync.ExtraArgs {
		if !strings.HasPrefix(arg, "-") || arg == "--" {
			return fmt.Errorf("sync.extraArgs may only contain options, got %q", arg)
		}
		for _, reserved := range []string{"--log-file", "--link-dest", "--exclude-from"} {
			if arg == reserved || strings.HasPrefix(arg, reserved+"=") {
				return fmt.Errorf("sync.extraArgs must not set %s", reserved)
			}
		}
	}

	if c.Engine.DeleteWorkers < 1 {
		return fmt.Errorf("engine.deleteWorkers must be at least 1, got %d", c.Engine.DeleteWorkers)
	}
	if c.Engine.MaxExhaustionRetries < 0 {
		return fmt.Errorf("engine.maxExhaustionRetries cannot be negative, got %d", c.Engine.MaxExhaustionRetries)
	}

	if _, err := logcompact.ParseFormat(string(c.Logs.Format)); err != nil {
		return err
	}
	if _, err := logcompact.ParseLevel(string(c.Logs.Level)); err != nil {
		return err
	}
	return nil
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	logArgs := []any{
		"log_level", c.LogLevel,
		"source", c.Source,
		"dest", c.Dest,
		"dry_run", c.Runtime.DryRun,
		"retention", fmt.Sprintf("all:%dd daily:%dd", c.Retention.KeepAllDays, c.Retention.KeepDailyDays),
		"rsync", c.Sync.RsyncPath,
		"delete_workers", c.Engine.DeleteWorkers,
	}
	if c.ExcludeFrom != "" {
		logArgs = append(logArgs, "exclude_from", c.ExcludeFrom)
	}
	if len(c.Sync.ExtraArgs) > 0 {
		logArgs = append(logArgs, "rsync_extra_args", strings.Join(c.Sync.ExtraArgs, " "))
	}
	if c.Engine.MaxExhaustionRetries > 0 {
		logArgs = append(logArgs, "max_exhaustion_retries", c.Engine.MaxExhaustionRetries)
	}
	if c.Logs.Compact {
		logArgs = append(logArgs, "log_compaction", fmt.Sprintf("enabled (f:%s l:%s)", c.Logs.Format, c.Logs.Level))
	}
	if len(c.Hooks.PreBackup) > 0 {
		logArgs = append(logArgs, "pre_backup_hooks", strings.Join(c.Hooks.PreBackup, "; "))
	}
	if len(c.Hooks.PostBackup) > 0 {
		logArgs = append(logArgs, "post_backup_hooks", strings.Join(c.Hooks.PostBackup, "; "))
	}
	if c.Metrics.File != "" {
		logArgs = append(logArgs, "metrics_file", c.Metrics.File)
	}
	plog.Info("Configuration loaded", logArgs...)
}

// MergeWithFlags overlays the values of flags the user explicitly set on top
// of a base configuration. setFlags maps flag names to typed values.
func MergeWithFlags(base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "source":
			merged.Source = value.(string)
		case "dest":
			merged.Dest = value.(string)
		case "exclude-from":
			merged.ExcludeFrom = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "metrics-file":
			merged.Metrics.File = value.(string)
		case "keep-all-days":
			merged.Retention.KeepAllDays = value.(int)
		case "keep-daily-days":
			merged.Retention.KeepDailyDays = value.(int)
		case "rsync-path":
			merged.Sync.RsyncPath = value.(string)
		case "max-exhaustion-retries":
			merged.Engine.MaxExhaustionRetries = value.(int)
		case "delete-workers":
			merged.Engine.DeleteWorkers = value.(int)
		case "no-compact-logs":
			merged.Logs.Compact = !value.(bool)
		case "compact-format":
			merged.Logs.Format = logcompact.Format(value.(string))
		case "rsync-args":
			merged.Sync.ExtraArgs = value.([]string)
		case "pre-backup-hooks":
			merged.Hooks.PreBackup = value.([]string)
		case "post-backup-hooks":
			merged.Hooks.PostBackup = value.([]string)
		default:
			plog.Debug("unhandled flag in MergeWithFlags", "flag", name)
		}
	}
	return merged
}

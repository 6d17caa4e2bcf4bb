// Package config loads copywatch settings from ~/.copywatch/config.yaml and
// COPYWATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/majorcontext/copywatch/internal/activity"
)

// Config holds copywatch settings.
type Config struct {
	Timing      activity.TimingParameters `yaml:"timing"`
	Debug       DebugConfig               `yaml:"debug"`
	History     HistoryConfig             `yaml:"history"`
	AWS         AWSConfig                 `yaml:"aws"`
	Termination TerminationConfig         `yaml:"termination"`

	// Exclude lists gitignore-style patterns the local probe skips.
	Exclude []string `yaml:"exclude"`
}

// DebugConfig controls the daily debug log files.
type DebugConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// HistoryConfig locates the watch history database.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// AWSConfig overrides the region S3 destinations are queried in.
type AWSConfig struct {
	Region string `yaml:"region"`
}

// TerminationConfig controls how a stalled copy is stopped.
type TerminationConfig struct {
	// Grace is how long a process or container gets between the polite stop
	// signal and SIGKILL.
	Grace time.Duration `yaml:"grace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Timing:      activity.DefaultTimingParameters(),
		Debug:       DebugConfig{RetentionDays: 14},
		History:     HistoryConfig{Path: filepath.Join(Dir(), "history.db")},
		Termination: TerminationConfig{Grace: 10 * time.Second},
	}
}

// Dir returns the path to ~/.copywatch.
func Dir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".copywatch")
	}
	return filepath.Join(homeDir, ".copywatch")
}

// DefaultPath returns ~/.copywatch/config.yaml.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error; an empty path means DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(Dir(), "history.db")
	}
	return cfg, nil
}

// Validate checks the timing parameters and termination settings.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Timing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Termination.Grace < 0 {
		errs = append(errs, fmt.Errorf("termination grace must not be negative, got %s", c.Termination.Grace))
	}
	if c.Debug.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("debug retention days must not be negative, got %d", c.Debug.RetentionDays))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *Config) error {
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"COPYWATCH_CHECK_INTERVAL", &cfg.Timing.CheckInterval},
		{"COPYWATCH_QUIET_PERIOD", &cfg.Timing.QuietPeriod},
		{"COPYWATCH_INACTIVITY_PERIOD", &cfg.Timing.InactivityPeriod},
		{"COPYWATCH_RETRY_BACKOFF", &cfg.Timing.RetryBackoff},
		{"COPYWATCH_PROBE_TIMEOUT", &cfg.Timing.ProbeTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.name)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("COPYWATCH_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("COPYWATCH_MAX_RETRIES: %w", err)
		}
		cfg.Timing.MaxRetries = n
	}
	return nil
}

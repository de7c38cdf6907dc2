// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the cua agent.
//
// Configuration is loaded from a single YAML file passed via the
// --config flag. There are no fallbacks or automatic discovery; when no
// file is given the compiled-in defaults apply. This keeps the agent's
// behavior deterministic and auditable — important for a service whose
// output feeds security pipelines.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "100ms" or "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for the agent.
type Config struct {
	// Log configures the structured log sink.
	Log LogConfig `yaml:"log"`

	// Watch configures the logon/logoff event subscription.
	Watch WatchConfig `yaml:"watch"`

	// Spool configures the durable on-disk record spool.
	Spool SpoolConfig `yaml:"spool"`
}

// LogConfig configures the structured log sink.
type LogConfig struct {
	// Path is the log file location. Empty means a cua.log file in
	// the directory above the executable (the install root).
	Path string `yaml:"path"`

	// Level is the minimum level written: debug, info, warn, error.
	Level string `yaml:"level"`
}

// WatchConfig configures the Security-log subscription.
type WatchConfig struct {
	// Debounce is the minimum interval between accepted callback
	// invocations. Zero disables debouncing.
	Debounce Duration `yaml:"debounce"`

	// LogonTypes are the 4624 LogonType values that qualify as
	// interactive. Defaults: 2 (interactive), 7 (unlock), 10 (remote
	// interactive), 11 (cached interactive).
	LogonTypes []int `yaml:"logon_types"`

	// WhitelistSIDPrefixes are SID prefixes that never trigger
	// collection. Defaults cover the font driver host (S-1-5-96) and
	// window manager (S-1-5-90) virtual accounts.
	WhitelistSIDPrefixes []string `yaml:"whitelist_sid_prefixes"`

	// PollInterval is how often the orchestrator checks for shutdown.
	PollInterval Duration `yaml:"poll_interval"`
}

// SpoolConfig configures the durable record spool.
type SpoolConfig struct {
	// Enabled turns the spool on. When off, records only go to the
	// structured log.
	Enabled bool `yaml:"enabled"`

	// Dir is the spool directory. Required when enabled.
	Dir string `yaml:"dir"`

	// MaxSegmentBytes triggers segment rotation once the active
	// segment grows past this size.
	MaxSegmentBytes int64 `yaml:"max_segment_bytes"`
}

// Default returns the compiled-in defaults. These mirror the constants
// the agent shipped with before configuration existed.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Path:  "",
			Level: "info",
		},
		Watch: WatchConfig{
			Debounce:             Duration(100 * time.Millisecond),
			LogonTypes:           []int{2, 7, 10, 11},
			WhitelistSIDPrefixes: []string{"S-1-5-96", "S-1-5-90"},
			PollInterval:         Duration(100 * time.Millisecond),
		},
		Spool: SpoolConfig{
			Enabled:         false,
			MaxSegmentBytes: 1 << 20,
		},
	}
}

// LoadFile loads configuration from a specific file path, merging over
// the defaults. The config file is the single source of truth;
// environment variables never override it.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error (got %q)", c.Log.Level))
	}

	if c.Watch.Debounce < 0 {
		errs = append(errs, fmt.Errorf("watch.debounce must not be negative"))
	}
	if c.Watch.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("watch.poll_interval must be positive"))
	}
	if len(c.Watch.LogonTypes) == 0 {
		errs = append(errs, fmt.Errorf("watch.logon_types must not be empty"))
	}
	for _, lt := range c.Watch.LogonTypes {
		if lt < 0 || lt > 13 {
			errs = append(errs, fmt.Errorf("watch.logon_types: %d is not a valid logon type", lt))
		}
	}

	if c.Spool.Enabled {
		if c.Spool.Dir == "" {
			errs = append(errs, fmt.Errorf("spool.dir is required when spool.enabled is true"))
		}
		if c.Spool.MaxSegmentBytes <= 0 {
			errs = append(errs, fmt.Errorf("spool.max_segment_bytes must be positive"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

// Cua is the console user attribution agent. It subscribes to the
// Windows Security event log for interactive logon/logoff events and,
// on each qualifying event, emits structured audit records correlating
// the device's Entra join identity with the active console user's
// identity. Output is JSON lines in a log file; downstream security
// pipelines consume the action-tagged records.
//
// The agent normally runs under the service control manager:
//
//	cua install        register the service and event-log source
//	cua remove         delete them
//	cua --console      run in the foreground (development)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/jordangomes/cua/lib/config"
	"github.com/jordangomes/cua/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		console     bool
		showVersion bool
	)

	pflag.StringVar(&configPath, "config", "", "path to cua.yaml (defaults apply when omitted)")
	pflag.BoolVar(&console, "console", false, "run in the foreground instead of under the service control manager")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("cua %s\n", version.Info())
		return nil
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch verb := pflag.Arg(0); verb {
	case "":
	case "install", "remove":
		return controlService(verb)
	default:
		return fmt.Errorf("unknown command %q (expected install or remove)", verb)
	}

	logger, closeLog, err := openLogger(cfg, console)
	if err != nil {
		return fmt.Errorf("opening log sink: %w", err)
	}
	defer closeLog()

	return runAgent(cfg, logger, console)
}

// openLogger builds the structured JSON log sink: stderr in console
// mode, otherwise a log file in the directory above the executable
// (the install root) unless the config names a path.
func openLogger(cfg *config.Config, console bool) (*slog.Logger, func(), error) {
	options := &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)}

	if console {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, options))
		slog.SetDefault(logger)
		return logger, func() {}, nil
	}

	path := cfg.Log.Path
	if path == "" {
		executable, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("locating executable: %w", err)
		}
		path = filepath.Join(filepath.Dir(filepath.Dir(executable)), "cua.log")
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewJSONHandler(file, options))
	slog.SetDefault(logger)
	return logger, func() { file.Close() }, nil
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

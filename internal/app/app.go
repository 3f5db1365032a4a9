// Package app wires the runelog tool together: it merges the settings file
// into the CLI-provided configuration, builds the logger, and constructs
// the tracker over the chosen root.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/gonz4lex/runelog/internal/config"
	"github.com/gonz4lex/runelog/internal/ctxlog"
	"github.com/gonz4lex/runelog/internal/tracker"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	logger  *slog.Logger
	config  *Config
	tracker *tracker.Tracker
}

// NewApp constructs the application. Logs go to errW so that table output
// on stdout stays clean for piping.
func NewApp(errW io.Writer, cfg *Config) (*App, error) {
	configPath := cfg.ConfigPath
	if configPath == "" {
		root := cfg.Root
		if root == "" {
			root = "."
		}
		configPath = filepath.Join(root, config.DefaultFileName)
	}

	file, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	merged, err := merge(*cfg, file)
	if err != nil {
		return nil, err
	}

	logger := newLogger(merged, errW)
	logger.Debug("Configuration merged.", "root", merged.Root, "config_file", configPath)

	var opts []tracker.Option
	if merged.LockTimeout > 0 {
		opts = append(opts, tracker.WithLockTimeout(merged.LockTimeout))
	}
	tr, err := tracker.Open(merged.Root, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracking root %q: %w", merged.Root, err)
	}
	logger.Debug("Tracker opened.", "root", tr.Root())

	return &App{logger: logger, config: merged, tracker: tr}, nil
}

// merge applies file attributes beneath the flag-provided values, then lets
// NewConfig fill the remaining defaults.
func merge(cfg Config, file *config.File) (*Config, error) {
	if cfg.Root == "" {
		cfg.Root = file.Root
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = file.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = file.LogFormat
	}
	if cfg.LockTimeout == 0 {
		d, err := file.LockTimeoutDuration()
		if err != nil {
			return nil, err
		}
		cfg.LockTimeout = d
	}
	return NewConfig(cfg)
}

// Tracker returns the opened tracker.
func (a *App) Tracker() *tracker.Tracker {
	return a.tracker
}

// Context returns a background context carrying the app's logger.
func (a *App) Context() context.Context {
	return ctxlog.WithLogger(context.Background(), a.logger)
}

// Logger returns the app's logger. This is primarily for testing.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

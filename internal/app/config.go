package app

import "time"

// Config holds everything an App needs to run, already merged from CLI
// flags and the optional settings file by precedence: flag, then file, then
// the built-in defaults applied here.
type Config struct {
	Root        string // tracking root directory
	ConfigPath  string // explicit settings file; empty means <root>/runelog.hcl
	LockTimeout time.Duration

	LogFormat string
	LogLevel  string
}

// NewConfig fills in defaults and validates the merged configuration.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.Root == "" {
		cfg.Root = "."
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return &cfg, nil
}

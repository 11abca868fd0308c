package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the YAML file umadbctl's maintain subcommand reads (§9 OQ1: the
// core never advances oldest_live_reader_tsn on its own, so whatever
// operates the database needs to decide on a policy for it).
type Config struct {
	// Path is the database file to operate on.
	Path string `yaml:"path"`

	// PageSize is used only the first time Path is created.
	PageSize int `yaml:"page_size"`

	// MaintenanceSchedule is a robfig/cron expression (with seconds field)
	// controlling how often the maintenance sweep logs reclaim metrics and
	// advances the oldest-live-reader watermark.
	MaintenanceSchedule string `yaml:"maintenance_schedule"`

	// ReaderLagWindow is how many committed transactions a reader is
	// allowed to lag behind before the sweep advances
	// oldest_live_reader_tsn up to (Tsn - ReaderLagWindow) anyway. Zero
	// disables auto-advance, leaving watermark control entirely external.
	ReaderLagWindow uint64 `yaml:"reader_lag_window"`
}

func loadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	if cfg.MaintenanceSchedule == "" {
		cfg.MaintenanceSchedule = "@every 30s"
	}
	return &cfg, nil
}

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateAppendGetRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.db")

	if err := runCreate([]string{"-path", path, "-page-size", "512"}); err != nil {
		t.Fatalf("runCreate: %v", err)
	}
	if err := runAppend([]string{"-path", path, "-type", "signup", "-data", "alice", "-tags", "a,b", "-uuid"}); err != nil {
		t.Fatalf("runAppend: %v", err)
	}
	if err := runAppend([]string{"-path", path, "-type", "signup", "-data", "bob"}); err != nil {
		t.Fatalf("runAppend #2: %v", err)
	}

	if err := runGet([]string{"-path", path, "-pos", "0"}); err != nil {
		t.Fatalf("runGet: %v", err)
	}
	if err := runRange([]string{"-path", path, "-from", "0", "-limit", "10"}); err != nil {
		t.Fatalf("runRange: %v", err)
	}
}

func TestRunGetMissingPosition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.db")
	if err := runCreate([]string{"-path", path}); err != nil {
		t.Fatalf("runCreate: %v", err)
	}
	if err := runGet([]string{"-path", path, "-pos", "42"}); err == nil {
		t.Fatal("expected an error fetching a position from an empty database")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "umadbctl.yaml")
	content := "path: " + filepath.Join(dir, "events.db") + "\n" +
		"page_size: 512\n" +
		"maintenance_schedule: \"@every 1m\"\n" +
		"reader_lag_window: 10\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.PageSize != 512 || cfg.MaintenanceSchedule != "@every 1m" || cfg.ReaderLagWindow != 10 {
		t.Fatalf("got %+v", cfg)
	}
}

func TestLoadConfigRequiresPath(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "umadbctl.yaml")
	if err := os.WriteFile(cfgPath, []byte("page_size: 512\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := loadConfig(cfgPath); err == nil {
		t.Fatal("expected an error for a config with no path")
	}
}

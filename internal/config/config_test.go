package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	ierrors "github.com/MuzzleThing/triaxus-ingest/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if cfg.Monitor.Interval.Duration() != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", cfg.Monitor.Interval.Duration())
	}
	if len(cfg.Monitor.Patterns) == 0 || cfg.Monitor.Patterns[0] != "live_*.cnv" {
		t.Errorf("Patterns = %v", cfg.Monitor.Patterns)
	}
	if !cfg.Monitor.ReingestGrown {
		t.Error("ReingestGrown should default on")
	}
	if cfg.Quality.DefaultWarnMissingRatio != 0.5 || cfg.Quality.DefaultErrorMissingRatio != 0.9 {
		t.Errorf("missing ratios = %v/%v, want 0.5/0.9",
			cfg.Quality.DefaultWarnMissingRatio, cfg.Quality.DefaultErrorMissingRatio)
	}

	depth, ok := cfg.Quality.FieldRules["depth"]
	if !ok {
		t.Fatal("no default depth rule")
	}
	if depth.Severity != "error" || *depth.Min != 0 || *depth.Max != 11000 {
		t.Errorf("depth rule = %+v", depth)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
monitor:
  source_dir: /data/feed
  patterns: ["live_*.cnv", "rt_*.cnv"]
  interval: 5s
  min_age: 2
quality:
  strict: true
  field_rules:
    temperature:
      min: 0
      max: 30
      severity: error
database:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Monitor.SourceDir != "/data/feed" {
		t.Errorf("SourceDir = %q", cfg.Monitor.SourceDir)
	}
	if len(cfg.Monitor.Patterns) != 2 {
		t.Errorf("Patterns = %v", cfg.Monitor.Patterns)
	}
	if cfg.Monitor.Interval.Duration() != 5*time.Second {
		t.Errorf("Interval = %v, want 5s (duration string)", cfg.Monitor.Interval.Duration())
	}
	if cfg.Monitor.MinAge.Duration() != 2*time.Second {
		t.Errorf("MinAge = %v, want 2s (bare seconds)", cfg.Monitor.MinAge.Duration())
	}

	if !cfg.Quality.Strict {
		t.Error("Strict not applied")
	}
	temp := cfg.Quality.FieldRules["temperature"]
	if temp.Severity != "error" || *temp.Max != 30 {
		t.Errorf("temperature rule = %+v", temp)
	}

	if cfg.Database.Enabled {
		t.Error("Database.Enabled not applied")
	}
	// Untouched sections keep their defaults.
	if cfg.Archive.Compression != "zstd" {
		t.Errorf("Compression = %q, want default zstd", cfg.Archive.Compression)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad level", "logging:\n  level: loud\n"},
		{"empty source dir", "monitor:\n  source_dir: \"\"\n"},
		{"negative interval", "monitor:\n  interval: -5s\n"},
		{"bad glob", "monitor:\n  patterns: [\"[\"]\n"},
		{"ratio out of range", "quality:\n  default_warn_missing_ratio: 1.5\n"},
		{"bad severity", "quality:\n  field_rules:\n    depth:\n      severity: fatal\n"},
		{"min above max", "quality:\n  field_rules:\n    depth:\n      min: 10\n      max: 5\n"},
		{"bad compression", "archive:\n  compression: rar\n"},
		{"zstd level", "archive:\n  compression: zstd\n  compression_level: 99\n"},
		{"tick below file timeout", "pipeline:\n  file_timeout: 10m\n  tick_timeout: 1m\n"},
		{"notify without url", "notify:\n  enabled: true\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Errorf("config accepted, want rejection:\n%s", tc.yaml)
			}
		})
	}
}

func TestValidationErrorCategories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Monitor.SourceDir = ""
	cfg.Quality.DefaultWarnMissingRatio = 1.5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	if !errors.Is(err, ierrors.ErrMissingField) {
		t.Errorf("missing source_dir not categorized as missing field: %v", err)
	}
	if !errors.Is(err, ierrors.ErrInvalidConfig) {
		t.Errorf("bad ratio not categorized as invalid config: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"typo'd section", "monitr:\n  source_dir: /data/feed\n"},
		{"typo'd option", "monitor:\n  sourcedir: /data/feed\n"},
		{"stray top-level key", "archive:\n  root: /archive\nextra: true\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Errorf("config with unknown key accepted:\n%s", tc.yaml)
			}
		})
	}
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load of empty file failed: %v", err)
	}
	if cfg.Monitor.Interval.Duration() != 30*time.Second {
		t.Errorf("Interval = %v, want default 30s", cfg.Monitor.Interval.Duration())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "monitor: [this is not a mapping\n")
	if _, err := Load(path); err == nil {
		t.Error("malformed YAML should fail")
	}
}

func TestDurationForms(t *testing.T) {
	path := writeConfig(t, `
monitor:
  interval: 90s
database:
  query_timeout: 45
pipeline:
  file_timeout: 1m30s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Monitor.Interval.Duration() != 90*time.Second {
		t.Errorf("interval = %v", cfg.Monitor.Interval.Duration())
	}
	if cfg.Database.QueryTimeout.Duration() != 45*time.Second {
		t.Errorf("query_timeout = %v, want 45s from bare int", cfg.Database.QueryTimeout.Duration())
	}
	if cfg.Pipeline.FileTimeout.Duration() != 90*time.Second {
		t.Errorf("file_timeout = %v", cfg.Pipeline.FileTimeout.Duration())
	}
}

func TestEnsureDirectories(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Archive.Root = filepath.Join(root, "archive")
	cfg.State.Path = filepath.Join(root, "runtime", "ledger.json")
	cfg.Database.Path = filepath.Join(root, "db", "triaxus.db")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{
		cfg.Archive.Root,
		filepath.Join(root, "runtime"),
		filepath.Join(root, "db"),
	} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("directory %s not created: %v", dir, err)
		}
	}
}

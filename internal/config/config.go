// Package config defines the validated configuration for the ingestion daemon.
//
// Every recognized option is an explicit struct field with a default; unknown
// or malformed configuration is rejected at startup by Validate.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/MuzzleThing/triaxus-ingest/config"
)

// Config is the root configuration for the daemon.
type Config struct {
	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Monitor configures the source directory watcher.
	Monitor MonitorConfig `yaml:"monitor"`

	// Processing configures data normalization.
	Processing ProcessingConfig `yaml:"processing"`

	// Quality configures the quality-control rule set.
	Quality QualityConfig `yaml:"quality"`

	// Archive configures the filesystem sink.
	Archive ArchiveConfig `yaml:"archive"`

	// Database configures the relational sink.
	Database DatabaseConfig `yaml:"database"`

	// State configures the processed-file ledger.
	State StateConfig `yaml:"state"`

	// Pipeline configures the orchestrator.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Notify configures the data-refreshed notification.
	Notify NotifyConfig `yaml:"notify"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches output from text to JSON.
	JSON bool `yaml:"json"`
}

// MonitorConfig configures the source directory watcher.
type MonitorConfig struct {
	// SourceDir is the directory scanned for instrument files.
	SourceDir string `yaml:"source_dir"`

	// Patterns are the glob patterns matched against file names.
	Patterns []string `yaml:"patterns"`

	// Interval is the tick interval between directory scans.
	Interval Duration `yaml:"interval"`

	// MinAge is the minimum file age before a file is read. Guards against
	// ingesting a file the feed is still appending to.
	MinAge Duration `yaml:"min_age"`

	// HashFingerprint switches the file fingerprint from (size, mtime) to a
	// content hash. Stronger change detection at the cost of a full read.
	HashFingerprint bool `yaml:"hash_fingerprint"`

	// ReingestGrown re-ingests a whole file when its fingerprint changes
	// (for example the feed appended rows). When false, a file is processed
	// at most once per path regardless of growth.
	ReingestGrown bool `yaml:"reingest_grown"`

	// SkipInvalidFiles permanently skips a file after a failed ingest.
	// When false, failed files are retried on every tick.
	SkipInvalidFiles bool `yaml:"skip_invalid_files"`
}

// ProcessingConfig configures data normalization.
type ProcessingConfig struct {
	// MissingValues are sentinel values converted to absent rather than
	// treated as measurements (instrument bad-data flags).
	MissingValues []float64 `yaml:"missing_values"`

	// DeriveFields enables best-effort derivation of absent fields
	// (salinity from conductivity, density from temperature and salinity).
	DeriveFields bool `yaml:"derive_fields"`
}

// QualityConfig configures the quality-control rule set.
type QualityConfig struct {
	// Strict nulls out-of-range values and, combined with SkipInvalid,
	// excludes hard-error rows from the output.
	Strict bool `yaml:"strict"`

	// SkipInvalid excludes rows with error-severity violations in strict mode.
	SkipInvalid bool `yaml:"skip_invalid"`

	// FieldRules maps canonical field names to per-field rules.
	FieldRules map[string]FieldRuleConfig `yaml:"field_rules"`

	// DefaultWarnMissingRatio flags any field whose absent fraction reaches it.
	DefaultWarnMissingRatio float64 `yaml:"default_warn_missing_ratio"`

	// DefaultErrorMissingRatio escalates the missing-ratio flag to an error.
	DefaultErrorMissingRatio float64 `yaml:"default_error_missing_ratio"`

	// DuplicateSubset is the field subset used for duplicate detection.
	DuplicateSubset []string `yaml:"duplicate_subset"`

	// DuplicateWarnRatio flags the batch when the duplicate fraction reaches it.
	DuplicateWarnRatio float64 `yaml:"duplicate_warn_ratio"`

	// DuplicateErrorRatio escalates the duplicate flag to an error.
	DuplicateErrorRatio float64 `yaml:"duplicate_error_ratio"`

	// Anomaly configures z-score anomaly detection.
	Anomaly AnomalyConfig `yaml:"anomaly"`
}

// FieldRuleConfig is a per-field quality rule.
type FieldRuleConfig struct {
	// Min is the inclusive lower bound; nil disables the check.
	Min *float64 `yaml:"min"`

	// Max is the inclusive upper bound; nil disables the check.
	Max *float64 `yaml:"max"`

	// Severity of a bounds violation: warning or error.
	Severity string `yaml:"severity"`

	// WarnMissingRatio overrides the default per field; nil uses the default.
	WarnMissingRatio *float64 `yaml:"warn_missing_ratio"`

	// ErrorMissingRatio overrides the default per field; nil uses the default.
	ErrorMissingRatio *float64 `yaml:"error_missing_ratio"`
}

// AnomalyConfig configures z-score anomaly detection.
type AnomalyConfig struct {
	// Enabled enables anomaly detection.
	Enabled bool `yaml:"enabled"`

	// ZScoreThreshold flags values this many standard deviations from the
	// batch mean.
	ZScoreThreshold float64 `yaml:"zscore_threshold"`

	// MinSamples is the minimum present values a field needs before
	// detection runs.
	MinSamples int `yaml:"min_samples"`

	// WarnRatio flags the batch when the anomalous fraction reaches it.
	WarnRatio float64 `yaml:"warn_ratio"`

	// ErrorRatio escalates the anomaly flag to an error.
	ErrorRatio float64 `yaml:"error_ratio"`
}

// ArchiveConfig configures the filesystem sink.
type ArchiveConfig struct {
	// Root is the directory archive artifacts are written under.
	Root string `yaml:"root"`

	// Compression is the parquet compression algorithm: snappy, zstd, lz4, none.
	Compression string `yaml:"compression"`

	// CompressionLevel is the compression level (zstd: 1-22).
	CompressionLevel int `yaml:"compression_level"`

	// WriteQualityReport writes the JSON quality-report companion file.
	WriteQualityReport bool `yaml:"write_quality_report"`

	// WriteMetadata writes the JSON metadata companion file.
	WriteMetadata bool `yaml:"write_metadata"`
}

// DatabaseConfig configures the relational sink.
type DatabaseConfig struct {
	// Enabled feature-flags the database sink. When disabled or unreachable
	// the filesystem sink still completes.
	Enabled bool `yaml:"enabled"`

	// Path is the DuckDB database file.
	Path string `yaml:"path"`

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int `yaml:"max_open_conns"`

	// QueryTimeout is the default timeout for database operations.
	QueryTimeout Duration `yaml:"query_timeout"`
}

// StateConfig configures the processed-file ledger.
type StateConfig struct {
	// Path is the ledger file location.
	Path string `yaml:"path"`
}

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	// FileTimeout bounds the processing time of a single file; exceeding it
	// marks the file failed instead of stalling the tick.
	FileTimeout Duration `yaml:"file_timeout"`

	// TickTimeout bounds a whole tick.
	TickTimeout Duration `yaml:"tick_timeout"`
}

// NotifyConfig configures the data-refreshed notification.
type NotifyConfig struct {
	// Enabled enables notification of the plot-generation collaborator.
	Enabled bool `yaml:"enabled"`

	// URL receives a POST after a tick that ingested at least one file.
	URL string `yaml:"url"`

	// Timeout bounds a single notification attempt.
	Timeout Duration `yaml:"timeout"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	// A typo'd option must fail loudly, not silently run on defaults.
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Monitor: MonitorConfig{
			SourceDir:        defaults.DefaultSourceDir,
			Patterns:         append([]string(nil), defaults.DefaultFilePatterns...),
			Interval:         Duration(defaults.DefaultPollInterval),
			MinAge:           Duration(defaults.DefaultMinFileAge),
			ReingestGrown:    true,
			SkipInvalidFiles: false,
		},
		Processing: ProcessingConfig{
			// Sea-Bird bad-data flag
			MissingValues: []float64{-9.99e-29},
			DeriveFields:  true,
		},
		Quality: QualityConfig{
			FieldRules:               defaultFieldRules(),
			DefaultWarnMissingRatio:  defaults.DefaultWarnMissingRatio,
			DefaultErrorMissingRatio: defaults.DefaultErrorMissingRatio,
			DuplicateSubset:          []string{"time", "depth"},
			DuplicateWarnRatio:       0.05,
			DuplicateErrorRatio:      0.25,
			Anomaly: AnomalyConfig{
				Enabled:         true,
				ZScoreThreshold: defaults.DefaultAnomalyZScore,
				MinSamples:      defaults.DefaultAnomalyMinSamples,
				WarnRatio:       0.01,
				ErrorRatio:      0.05,
			},
		},
		Archive: ArchiveConfig{
			Root:               defaults.DefaultArchiveRoot,
			Compression:        defaults.DefaultCompression,
			CompressionLevel:   defaults.DefaultCompressionLevel,
			WriteQualityReport: true,
			WriteMetadata:      true,
		},
		Database: DatabaseConfig{
			Enabled:      true,
			Path:         defaults.DefaultDatabasePath,
			MaxOpenConns: defaults.DefaultMaxOpenConns,
			QueryTimeout: Duration(defaults.DefaultQueryTimeout),
		},
		State: StateConfig{
			Path: defaults.DefaultStatePath,
		},
		Pipeline: PipelineConfig{
			FileTimeout: Duration(defaults.DefaultFileTimeout),
			TickTimeout: Duration(defaults.DefaultTickTimeout),
		},
		Notify: NotifyConfig{
			Enabled: false,
			Timeout: Duration(10 * time.Second),
		},
	}
}

func defaultFieldRules() map[string]FieldRuleConfig {
	f := func(v float64) *float64 { return &v }
	return map[string]FieldRuleConfig{
		"depth":        {Min: f(0), Max: f(11000), Severity: "error"},
		"latitude":     {Min: f(-90), Max: f(90), Severity: "error"},
		"longitude":    {Min: f(-180), Max: f(180), Severity: "error"},
		"temperature":  {Min: f(-5), Max: f(45), Severity: "warning"},
		"salinity":     {Min: f(0), Max: f(45), Severity: "warning"},
		"oxygen":       {Min: f(0), Max: f(500), Severity: "warning"},
		"fluorescence": {Min: f(0), Max: f(100), Severity: "warning"},
		"ph":           {Min: f(6), Max: f(9), Severity: "warning"},
	}
}

// Duration is a time.Duration that can be unmarshaled from YAML as either a
// duration string ("30s", "5m") or an integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int (seconds)
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

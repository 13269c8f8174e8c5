// Package config provides configuration defaults and utilities
// for the triaxus ingestion daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command-line flags.
package config

import "time"

// =============================================================================
// Monitor Defaults
// =============================================================================

const (
	// DefaultSourceDir is the directory scanned for instrument files.
	// Override via config: monitor.source_dir
	DefaultSourceDir = "testdataQC"

	// DefaultPollInterval is how often the source directory is re-scanned.
	// Override via config: monitor.interval
	DefaultPollInterval = 30 * time.Second

	// DefaultMinFileAge is the minimum age a file must reach before it is
	// read. Guards against ingesting a file the instrument feed is still
	// appending to.
	// Override via config: monitor.min_age
	DefaultMinFileAge = 500 * time.Millisecond
)

// DefaultFilePatterns are the glob patterns matched against the source
// directory. Override via config: monitor.patterns
var DefaultFilePatterns = []string{"live_*.cnv"}

// =============================================================================
// Pipeline Defaults
// =============================================================================

const (
	// DefaultFileTimeout bounds the processing time of a single file.
	// A file that exceeds it is marked failed rather than stalling the tick.
	// Override via config: pipeline.file_timeout
	DefaultFileTimeout = 2 * time.Minute

	// DefaultTickTimeout bounds a whole tick (scan + all files).
	// Override via config: pipeline.tick_timeout
	DefaultTickTimeout = 10 * time.Minute
)

// =============================================================================
// Archive Defaults
// =============================================================================

const (
	// DefaultArchiveRoot is the root directory for archive artifacts.
	// Override via config: archive.root
	DefaultArchiveRoot = "archive"

	// DefaultCompression is the parquet compression algorithm.
	// Override via config: archive.compression
	DefaultCompression = "zstd"

	// DefaultCompressionLevel is the zstd compression level (1-22).
	// Override via config: archive.compression_level
	DefaultCompressionLevel = 3
)

// =============================================================================
// State Ledger Defaults
// =============================================================================

const (
	// DefaultStatePath is the path of the processed-file ledger.
	// Override via config: state.path
	DefaultStatePath = ".runtime/cnv_seen_realtime.json"
)

// =============================================================================
// Database Defaults
// =============================================================================

const (
	// DefaultDatabasePath is the DuckDB database file.
	// Override via config: database.path
	DefaultDatabasePath = "triaxus.db"

	// DefaultMaxOpenConns is the maximum number of open connections.
	// Override via config: database.max_open_conns
	DefaultMaxOpenConns = 4

	// DefaultQueryTimeout is the default timeout for database operations.
	// Override via config: database.query_timeout
	DefaultQueryTimeout = 30 * time.Second
)

// =============================================================================
// Quality Control Defaults
// =============================================================================

const (
	// DefaultWarnMissingRatio flags a field when this fraction is absent.
	// Override via config: quality.default_warn_missing_ratio
	DefaultWarnMissingRatio = 0.5

	// DefaultErrorMissingRatio escalates a missing-ratio flag to an error.
	// Override via config: quality.default_error_missing_ratio
	DefaultErrorMissingRatio = 0.9

	// DefaultAnomalyZScore is the z-score beyond which a value counts as
	// anomalous. Override via config: quality.anomaly.zscore_threshold
	DefaultAnomalyZScore = 3.5

	// DefaultAnomalyMinSamples is the minimum present values a field needs
	// before anomaly detection runs.
	// Override via config: quality.anomaly.min_samples
	DefaultAnomalyMinSamples = 20

	// DefaultSketchAccuracy is the DDSketch relative accuracy used for the
	// per-field percentile summary (0.01 = 1% error).
	DefaultSketchAccuracy = 0.01
)

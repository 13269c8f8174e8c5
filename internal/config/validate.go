package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	ierrors "github.com/MuzzleThing/triaxus-ingest/internal/errors"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.Monitor.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("monitor: %w", err))
	}
	if err := c.Quality.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("quality: %w", err))
	}
	if err := c.Archive.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}
	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if err := c.State.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("state: %w", err))
	}
	if err := c.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if err := c.Notify.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("notify: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return ierrors.NewValidation("level", "must be one of: debug, info, warn, error")
	}
}

// Validate checks the monitor configuration.
func (c *MonitorConfig) Validate() error {
	v := ierrors.NewValidationErrors()

	if c.SourceDir == "" {
		v.AddMissing("source_dir")
	}

	if len(c.Patterns) == 0 {
		v.AddMissing("patterns")
	}
	for _, p := range c.Patterns {
		if _, err := filepath.Match(p, "x"); err != nil {
			v.AddField("patterns", fmt.Sprintf("bad glob %q: %v", p, err))
		}
	}

	if c.Interval.Duration() <= 0 {
		v.AddField("interval", "must be positive")
	}

	if c.MinAge.Duration() < 0 {
		v.AddField("min_age", "must be non-negative")
	}

	return v.Err()
}

// Validate checks the quality configuration.
func (c *QualityConfig) Validate() error {
	v := ierrors.NewValidationErrors()

	validateRatio(v, "default_warn_missing_ratio", c.DefaultWarnMissingRatio)
	validateRatio(v, "default_error_missing_ratio", c.DefaultErrorMissingRatio)
	validateRatio(v, "duplicate_warn_ratio", c.DuplicateWarnRatio)
	validateRatio(v, "duplicate_error_ratio", c.DuplicateErrorRatio)

	for name, rule := range c.FieldRules {
		if err := rule.Validate(); err != nil {
			v.Add(fmt.Errorf("field_rules.%s: %w", name, err))
		}
	}

	if c.Anomaly.Enabled {
		if c.Anomaly.ZScoreThreshold <= 0 {
			v.AddField("anomaly.zscore_threshold", "must be positive")
		}
		if c.Anomaly.MinSamples <= 0 {
			v.AddField("anomaly.min_samples", "must be positive")
		}
		validateRatio(v, "anomaly.warn_ratio", c.Anomaly.WarnRatio)
		validateRatio(v, "anomaly.error_ratio", c.Anomaly.ErrorRatio)
	}

	return v.Err()
}

// Validate checks a per-field rule.
func (r *FieldRuleConfig) Validate() error {
	v := ierrors.NewValidationErrors()

	switch r.Severity {
	case "", "warning", "error":
	default:
		v.AddField("severity", "must be warning or error")
	}

	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		v.AddField("min", "must be <= max")
	}

	if r.WarnMissingRatio != nil {
		validateRatio(v, "warn_missing_ratio", *r.WarnMissingRatio)
	}
	if r.ErrorMissingRatio != nil {
		validateRatio(v, "error_missing_ratio", *r.ErrorMissingRatio)
	}

	return v.Err()
}

// Validate checks the archive configuration.
func (c *ArchiveConfig) Validate() error {
	v := ierrors.NewValidationErrors()

	if c.Root == "" {
		v.AddMissing("root")
	}

	switch c.Compression {
	case "", "snappy", "zstd", "lz4", "gzip", "none":
	default:
		v.AddField("compression", "must be one of: snappy, zstd, lz4, gzip, none")
	}

	if c.Compression == "zstd" && (c.CompressionLevel < 0 || c.CompressionLevel > 22) {
		v.AddField("compression_level", "zstd level must be between 0 and 22")
	}

	return v.Err()
}

// Validate checks the database configuration.
func (c *DatabaseConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	v := ierrors.NewValidationErrors()

	if c.Path == "" {
		v.AddMissing("path")
	}
	if c.MaxOpenConns <= 0 {
		v.AddField("max_open_conns", "must be positive")
	}
	if c.QueryTimeout.Duration() <= 0 {
		v.AddField("query_timeout", "must be positive")
	}

	return v.Err()
}

// Validate checks the state ledger configuration.
func (c *StateConfig) Validate() error {
	if c.Path == "" {
		return ierrors.NewMissingField("path")
	}
	return nil
}

// Validate checks the pipeline configuration.
func (c *PipelineConfig) Validate() error {
	v := ierrors.NewValidationErrors()

	if c.FileTimeout.Duration() <= 0 {
		v.AddField("file_timeout", "must be positive")
	}
	if c.TickTimeout.Duration() <= 0 {
		v.AddField("tick_timeout", "must be positive")
	}
	if c.TickTimeout.Duration() < c.FileTimeout.Duration() {
		v.AddField("tick_timeout", "must be >= file_timeout")
	}

	return v.Err()
}

// Validate checks the notify configuration.
func (c *NotifyConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	v := ierrors.NewValidationErrors()

	if c.URL == "" {
		v.AddMissing("url")
	}
	if c.Timeout.Duration() <= 0 {
		v.AddField("timeout", "must be positive")
	}

	return v.Err()
}

func validateRatio(v *ierrors.ValidationErrors, name string, value float64) {
	if value < 0 || value > 1 {
		v.AddField(name, "must be between 0 and 1")
	}
}

// EnsureDirectories creates all directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Archive.Root,
		filepath.Dir(c.State.Path),
	}
	if c.Database.Enabled {
		dirs = append(dirs, filepath.Dir(c.Database.Path))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Package errors consolidates error definitions for the ingestion pipeline.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
// - A ValidationErrors collector for configuration checks
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// File-level parse errors. A file hitting one of these is marked failed
	// and no partial records are archived for it.
	ErrFileParse     = errors.New("file parse error")
	ErrNoChannels    = errors.New("header declares no channels")
	ErrHeaderMissing = errors.New("header missing or unreadable")
	ErrNoValidRows   = errors.New("no valid data rows")

	// Row-level parse errors. Counted and skipped; the file proceeds.
	ErrRowParse        = errors.New("row parse error")
	ErrFieldCount      = errors.New("unexpected field count")
	ErrNonNumericToken = errors.New("non-numeric token")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")
	ErrRuleViolation = errors.New("quality rule violation")

	// Sink errors
	ErrSink           = errors.New("sink error")
	ErrDatabaseSink   = errors.New("database sink error")
	ErrFilesystemSink = errors.New("filesystem sink error")

	// State ledger errors
	ErrStateStore  = errors.New("state store error")
	ErrLedgerWrite = errors.New("ledger write failed")

	// Infrastructure errors
	ErrScanFailed = errors.New("source directory scan failed")
	ErrTimeout    = errors.New("timeout")
	ErrInternal   = errors.New("internal error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsFileParse returns true if err is a file-level parse error.
func IsFileParse(err error) bool {
	return errors.Is(err, ErrFileParse) ||
		errors.Is(err, ErrNoChannels) ||
		errors.Is(err, ErrHeaderMissing) ||
		errors.Is(err, ErrNoValidRows)
}

// IsRowParse returns true if err is a row-level parse error.
func IsRowParse(err error) bool {
	return errors.Is(err, ErrRowParse) ||
		errors.Is(err, ErrFieldCount) ||
		errors.Is(err, ErrNonNumericToken)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrRuleViolation)
}

// IsSink returns true if err is a persistence sink error.
func IsSink(err error) bool {
	return errors.Is(err, ErrSink) ||
		errors.Is(err, ErrDatabaseSink) ||
		errors.Is(err, ErrFilesystemSink)
}

// IsStateStore returns true if err is a state ledger error.
func IsStateStore(err error) bool {
	return errors.Is(err, ErrStateStore) ||
		errors.Is(err, ErrLedgerWrite)
}

// IsFatalToFile returns true if err short-circuits processing of the file
// it occurred in. Row-level errors and database sink errors degrade the
// cycle but do not fail it.
func IsFatalToFile(err error) bool {
	return IsFileParse(err) ||
		errors.Is(err, ErrFilesystemSink) ||
		errors.Is(err, ErrTimeout)
}

// IsRetriable returns true if the error is potentially retriable on a
// later tick.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrScanFailed) ||
		errors.Is(err, ErrDatabaseSink)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap exposes the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}

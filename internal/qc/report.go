package qc

import "sort"

// Severity levels, ordered. Batch and row flags escalate, never downgrade.
const (
	SeverityOK      = "ok"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// escalate returns the more severe of two flags.
func escalate(a, b string) string {
	if a == SeverityError || b == SeverityError {
		return SeverityError
	}
	if a == SeverityWarning || b == SeverityWarning {
		return SeverityWarning
	}
	return SeverityOK
}

// BatchFlag is a batch-level quality finding.
type BatchFlag struct {
	// Code identifies the check: missing_ratio, duplicates, anomalies.
	Code string `json:"code"`

	// Field is the affected field, empty for whole-batch checks.
	Field string `json:"field,omitempty"`

	// Severity is warning or error.
	Severity string `json:"severity"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// FieldStats summarizes one canonical field across the batch.
type FieldStats struct {
	Name string `json:"name"`

	// Present and Missing count rows where the field was set or absent.
	Present int `json:"present"`
	Missing int `json:"missing"`

	// MissingRatio is Missing over the batch row count.
	MissingRatio float64 `json:"missing_ratio"`

	// Min and Max are the observed extremes, nil when no values were present.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// P50 and P95 are streaming quantile estimates, present only when the
	// field had enough samples.
	P50 *float64 `json:"p50,omitempty"`
	P95 *float64 `json:"p95,omitempty"`

	// OutOfRange counts values outside the configured bounds.
	OutOfRange int `json:"out_of_range"`

	// Anomalies counts values flagged by z-score detection.
	Anomalies int `json:"anomalies"`
}

// Report is the full quality evaluation of one batch. Its JSON encoding is
// deterministic: fields and flags are sorted, no wall-clock values appear,
// and no map types appear at the top level. Identical batches under the
// same rule set encode byte-identically; the ingest timestamp lives in the
// archive metadata companion instead.
type Report struct {
	// SourceFile is the file the batch came from.
	SourceFile string `json:"source_file"`

	// Severity is the overall batch flag: ok, warning or error.
	Severity string `json:"severity"`

	// TotalRows is the input batch size, OutputRows the size after strict
	// filtering, DroppedRows the difference.
	TotalRows   int `json:"total_rows"`
	OutputRows  int `json:"output_rows"`
	DroppedRows int `json:"dropped_rows"`

	// WarningRows and ErrorRows count rows carrying those flags.
	WarningRows int `json:"warning_rows"`
	ErrorRows   int `json:"error_rows"`

	// DuplicateRows counts rows whose duplicate-subset key occurs more
	// than once in the batch, each occurrence included.
	DuplicateRows int `json:"duplicate_rows"`

	// Flags are the batch-level findings, sorted by (code, field).
	Flags []BatchFlag `json:"flags"`

	// Fields are per-field summaries, sorted by name.
	Fields []FieldStats `json:"fields"`

	// FlaggedRows are the 0-based indices of non-ok rows in the input batch.
	FlaggedRows []int `json:"flagged_rows,omitempty"`
}

// addFlag records a batch finding and escalates the overall severity.
func (r *Report) addFlag(code, field, severity, message string) {
	r.Flags = append(r.Flags, BatchFlag{
		Code:     code,
		Field:    field,
		Severity: severity,
		Message:  message,
	})
	r.Severity = escalate(r.Severity, severity)
}

// finalize sorts flags and fields so encoding the report is deterministic.
func (r *Report) finalize() {
	sort.Slice(r.Flags, func(i, j int) bool {
		if r.Flags[i].Code != r.Flags[j].Code {
			return r.Flags[i].Code < r.Flags[j].Code
		}
		return r.Flags[i].Field < r.Flags[j].Field
	})
	sort.Slice(r.Fields, func(i, j int) bool {
		return r.Fields[i].Name < r.Fields[j].Name
	})
	sort.Ints(r.FlaggedRows)
}

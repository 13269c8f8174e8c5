// Package qc evaluates normalized record batches against a configurable
// rule set: per-field bounds, missing-value ratios, duplicate detection and
// z-score anomaly screening.
//
// Evaluation is deterministic: the same batch and rule set always produce
// the same report and the same row flags, independent of map iteration
// order. Reports are safe to diff across runs.
package qc

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	defaults "github.com/MuzzleThing/triaxus-ingest/config"
	"github.com/MuzzleThing/triaxus-ingest/internal/config"
	"github.com/MuzzleThing/triaxus-ingest/internal/logging"
	"github.com/MuzzleThing/triaxus-ingest/internal/process"
)

var log = logging.Component("qc")

// Batch flag codes.
const (
	FlagMissingRatio = "missing_ratio"
	FlagDuplicates   = "duplicates"
	FlagAnomalies    = "anomalies"
)

type fieldRule struct {
	min, max    *float64
	severity    string
	warnMissing float64
	errMissing  float64
}

// Engine evaluates batches against one rule set. It is stateless across
// batches and safe for sequential reuse.
type Engine struct {
	strict      bool
	skipInvalid bool

	rules map[string]fieldRule

	dupSubset []string
	dupWarn   float64
	dupErr    float64

	anomalyEnabled bool
	zThreshold     float64
	minSamples     int
	anomalyWarn    float64
	anomalyErr     float64

	sketchAccuracy float64
}

// New builds an Engine from validated configuration.
func New(cfg config.QualityConfig) *Engine {
	rules := make(map[string]fieldRule, len(cfg.FieldRules))
	for name, rc := range cfg.FieldRules {
		r := fieldRule{
			min:         rc.Min,
			max:         rc.Max,
			severity:    rc.Severity,
			warnMissing: cfg.DefaultWarnMissingRatio,
			errMissing:  cfg.DefaultErrorMissingRatio,
		}
		if r.severity == "" {
			r.severity = SeverityWarning
		}
		if rc.WarnMissingRatio != nil {
			r.warnMissing = *rc.WarnMissingRatio
		}
		if rc.ErrorMissingRatio != nil {
			r.errMissing = *rc.ErrorMissingRatio
		}
		rules[name] = r
	}

	return &Engine{
		strict:         cfg.Strict,
		skipInvalid:    cfg.SkipInvalid,
		rules:          rules,
		dupSubset:      append([]string(nil), cfg.DuplicateSubset...),
		dupWarn:        cfg.DuplicateWarnRatio,
		dupErr:         cfg.DuplicateErrorRatio,
		anomalyEnabled: cfg.Anomaly.Enabled,
		zThreshold:     cfg.Anomaly.ZScoreThreshold,
		minSamples:     cfg.Anomaly.MinSamples,
		anomalyWarn:    cfg.Anomaly.WarnRatio,
		anomalyErr:     cfg.Anomaly.ErrorRatio,
		sketchAccuracy: defaults.DefaultSketchAccuracy,
	}
}

// fieldAccum gathers streaming statistics for one field over one batch.
type fieldAccum struct {
	present int
	min     float64
	max     float64

	// Welford running mean and M2, for the z-score pass.
	mean float64
	m2   float64

	outOfRange int
	anomalies  int

	sketch *ddsketch.DDSketch
}

func (a *fieldAccum) add(v float64) {
	if a.present == 0 {
		a.min, a.max = v, v
	} else {
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}
	a.present++

	delta := v - a.mean
	a.mean += delta / float64(a.present)
	a.m2 += delta * (v - a.mean)

	if a.sketch != nil {
		// Add only fails on non-finite input, which normalization
		// already filtered.
		_ = a.sketch.Add(v)
	}
}

func (a *fieldAccum) stddev() float64 {
	if a.present < 2 {
		return 0
	}
	return math.Sqrt(a.m2 / float64(a.present))
}

// Evaluate flags every record in the batch, computes the quality report and,
// in strict mode with skip_invalid, filters out hard-error rows. The input
// slice is mutated in place (flags, strict nulling); the returned slice is
// the surviving output batch in original order.
//
// declared names the canonical fields the feed's channel list maps to. A
// declared field whose values were all bad-data sentinels is still held to
// the missing-ratio check; fields the instrument never reports are not.
func (e *Engine) Evaluate(sourceFile string, records []process.Record, declared []string) ([]process.Record, *Report) {
	report := &Report{
		SourceFile: sourceFile,
		Severity:   SeverityOK,
		TotalRows:  len(records),
	}

	fields := process.CanonicalFields()
	accums := e.collectStats(records, fields)

	e.evaluateRows(records, fields, accums, report)
	if report.ErrorRows > 0 {
		report.Severity = escalate(report.Severity, SeverityError)
	} else if report.WarningRows > 0 {
		report.Severity = escalate(report.Severity, SeverityWarning)
	}
	e.evaluateMissing(len(records), fields, declared, accums, report)
	e.evaluateDuplicates(records, report)
	e.evaluateAnomalyRatios(fields, accums, report)

	out := records
	if e.strict && e.skipInvalid {
		out = make([]process.Record, 0, len(records))
		for _, r := range records {
			if r.Flag != SeverityError {
				out = append(out, r)
			}
		}
	}
	report.OutputRows = len(out)
	report.DroppedRows = report.TotalRows - report.OutputRows

	e.summarizeFields(len(records), fields, accums, report)
	report.finalize()

	if report.Severity != SeverityOK {
		log.Warn("batch flagged",
			"source_file", sourceFile,
			"severity", report.Severity,
			"flags", len(report.Flags),
			"warning_rows", report.WarningRows,
			"error_rows", report.ErrorRows)
	}
	return out, report
}

func (e *Engine) collectStats(records []process.Record, fields []string) map[string]*fieldAccum {
	accums := make(map[string]*fieldAccum, len(fields))
	for _, name := range fields {
		a := &fieldAccum{}
		if sketch, err := ddsketch.NewDefaultDDSketch(e.sketchAccuracy); err == nil {
			a.sketch = sketch
		}
		accums[name] = a
	}
	for i := range records {
		for _, name := range fields {
			if v, ok := records[i].Value(name); ok {
				accums[name].add(v)
			}
		}
	}
	return accums
}

// evaluateRows applies bounds and z-score checks row by row, setting row
// flags and, in strict mode, nulling out-of-range values.
func (e *Engine) evaluateRows(records []process.Record, fields []string, accums map[string]*fieldAccum, report *Report) {
	for i := range records {
		rec := &records[i]
		flag := SeverityOK

		for _, name := range fields {
			v, ok := rec.Value(name)
			if !ok {
				continue
			}

			if rule, has := e.rules[name]; has && outOfRange(v, rule) {
				accums[name].outOfRange++
				flag = escalate(flag, rule.severity)
				if e.strict {
					*rec.Field(name) = nil
				}
			}

			if e.anomalyEnabled {
				a := accums[name]
				if a.present >= e.minSamples {
					if sd := a.stddev(); sd > 0 && math.Abs(v-a.mean)/sd > e.zThreshold {
						a.anomalies++
						flag = escalate(flag, SeverityWarning)
					}
				}
			}
		}

		rec.Flag = flag
		switch flag {
		case SeverityWarning:
			report.WarningRows++
			report.FlaggedRows = append(report.FlaggedRows, i)
		case SeverityError:
			report.ErrorRows++
			report.FlaggedRows = append(report.FlaggedRows, i)
		}
	}
}

func outOfRange(v float64, r fieldRule) bool {
	if r.min != nil && v < *r.min {
		return true
	}
	if r.max != nil && v > *r.max {
		return true
	}
	return false
}

func (e *Engine) evaluateMissing(total int, fields, declared []string, accums map[string]*fieldAccum, report *Report) {
	if total == 0 {
		return
	}
	declaredSet := make(map[string]bool, len(declared))
	for _, name := range declared {
		declaredSet[name] = true
	}
	for _, name := range fields {
		rule, has := e.rules[name]
		if !has {
			continue
		}
		// A field absent from the channel list is not held to the ratio.
		// A declared field is, even when every value was a sentinel.
		if accums[name].present == 0 && !declaredSet[name] {
			continue
		}
		ratio := float64(total-accums[name].present) / float64(total)
		switch {
		case ratio >= rule.errMissing:
			report.addFlag(FlagMissingRatio, name, SeverityError,
				fmt.Sprintf("%.0f%% of rows missing %s", ratio*100, name))
		case ratio >= rule.warnMissing:
			report.addFlag(FlagMissingRatio, name, SeverityWarning,
				fmt.Sprintf("%.0f%% of rows missing %s", ratio*100, name))
		}
	}
}

func (e *Engine) evaluateDuplicates(records []process.Record, report *Report) {
	if len(e.dupSubset) == 0 || len(records) == 0 {
		return
	}

	counts := make(map[string]int, len(records))
	for i := range records {
		counts[e.duplicateKey(&records[i])]++
	}
	// Every row of a repeated key counts, not just the second and later
	// occurrences, so a fully copy-pasted batch reads as 100% duplicated.
	for _, n := range counts {
		if n > 1 {
			report.DuplicateRows += n
		}
	}
	if report.DuplicateRows == 0 {
		return
	}

	ratio := float64(report.DuplicateRows) / float64(len(records))
	switch {
	case e.dupErr > 0 && ratio >= e.dupErr:
		report.addFlag(FlagDuplicates, "", SeverityError,
			fmt.Sprintf("%d duplicate rows over subset (%s)",
				report.DuplicateRows, strings.Join(e.dupSubset, ", ")))
	case e.dupWarn > 0 && ratio >= e.dupWarn:
		report.addFlag(FlagDuplicates, "", SeverityWarning,
			fmt.Sprintf("%d duplicate rows over subset (%s)",
				report.DuplicateRows, strings.Join(e.dupSubset, ", ")))
	}
}

// duplicateKey builds a stable composite key over the configured subset.
// Absent fields contribute a distinct marker so (nil, nil) rows collide with
// each other but not with zero values.
func (e *Engine) duplicateKey(rec *process.Record) string {
	parts := make([]string, 0, len(e.dupSubset))
	for _, name := range e.dupSubset {
		if name == process.FieldTime {
			parts = append(parts, rec.Time.UTC().Format(time.RFC3339Nano))
			continue
		}
		if v, ok := rec.Value(name); ok {
			parts = append(parts, strconv.FormatFloat(v, 'g', -1, 64))
		} else {
			parts = append(parts, "_")
		}
	}
	return strings.Join(parts, "|")
}

func (e *Engine) evaluateAnomalyRatios(fields []string, accums map[string]*fieldAccum, report *Report) {
	if !e.anomalyEnabled {
		return
	}
	for _, name := range fields {
		a := accums[name]
		if a.present == 0 || a.anomalies == 0 {
			continue
		}
		ratio := float64(a.anomalies) / float64(a.present)
		switch {
		case e.anomalyErr > 0 && ratio >= e.anomalyErr:
			report.addFlag(FlagAnomalies, name, SeverityError,
				fmt.Sprintf("%d anomalous values in %s", a.anomalies, name))
		case e.anomalyWarn > 0 && ratio >= e.anomalyWarn:
			report.addFlag(FlagAnomalies, name, SeverityWarning,
				fmt.Sprintf("%d anomalous values in %s", a.anomalies, name))
		}
	}
}

func (e *Engine) summarizeFields(total int, fields []string, accums map[string]*fieldAccum, report *Report) {
	names := append([]string(nil), fields...)
	sort.Strings(names)

	for _, name := range names {
		a := accums[name]
		stats := FieldStats{
			Name:       name,
			Present:    a.present,
			Missing:    total - a.present,
			OutOfRange: a.outOfRange,
			Anomalies:  a.anomalies,
		}
		if total > 0 {
			stats.MissingRatio = float64(stats.Missing) / float64(total)
		}
		if a.present > 0 {
			mn, mx := a.min, a.max
			stats.Min, stats.Max = &mn, &mx
		}
		if a.sketch != nil && a.present >= e.minSamples {
			if p50, err := a.sketch.GetValueAtQuantile(0.5); err == nil {
				stats.P50 = &p50
			}
			if p95, err := a.sketch.GetValueAtQuantile(0.95); err == nil {
				stats.P95 = &p95
			}
		}
		report.Fields = append(report.Fields, stats)
	}
}

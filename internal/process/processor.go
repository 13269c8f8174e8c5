// Package process normalizes raw instrument scans into canonical records.
//
// Normalization resolves three concerns the raw rows leave open: channel
// names vary by sensor position and firmware (t090C vs tv290C), timestamps
// are relative elapsed seconds rather than absolute instants, and instrument
// bad-data sentinels must become absent values instead of measurements.
package process

import (
	"math"
	"strings"
	"time"

	"github.com/MuzzleThing/triaxus-ingest/internal/cnv"
	ierrors "github.com/MuzzleThing/triaxus-ingest/internal/errors"
	"github.com/MuzzleThing/triaxus-ingest/internal/logging"
)

var log = logging.Component("process")

// elapsedChannel holds seconds since acquisition start.
const elapsedChannel = "times"

// channelFields maps lowercased instrument channel names to canonical field
// names. Channels absent from the map land in Record.Extra verbatim.
var channelFields = map[string]string{
	"t090c":      FieldTemperature,
	"tv290c":     FieldTemperature,
	"sal00":      FieldSalinity,
	"prdm":       FieldDepth,
	"depsm":      FieldDepth,
	"sbeox0mm/l": FieldOxygen,
	"fleco_afl":  FieldFluorescence,
	"fleco-afl":  FieldFluorescence,
	"ph":         FieldPH,
	"c0s/m":      FieldConductivity,
	"latitude":   FieldLatitude,
	"longitude":  FieldLongitude,
	"density00":  FieldDensity,
}

// Normalizer converts raw rows into canonical records.
type Normalizer struct {
	missing      map[float64]struct{}
	deriveFields bool
}

// NewNormalizer builds a Normalizer. missingValues are sentinel values
// converted to absent fields.
func NewNormalizer(missingValues []float64, deriveFields bool) *Normalizer {
	m := make(map[float64]struct{}, len(missingValues))
	for _, v := range missingValues {
		m[v] = struct{}{}
	}
	return &Normalizer{missing: m, deriveFields: deriveFields}
}

// columnPlan resolves each column of a header once, ahead of row iteration.
type columnPlan struct {
	field string // canonical field, or "" for extras
	extra string // original channel name, for extras
	timeS bool   // elapsed-seconds column
}

func (n *Normalizer) planColumns(header *cnv.HeaderMetadata) []columnPlan {
	plan := make([]columnPlan, len(header.Channels))
	seen := make(map[string]bool)
	for i, ch := range header.Channels {
		key := strings.ToLower(strings.TrimSpace(ch.Name))
		if key == elapsedChannel {
			plan[i] = columnPlan{timeS: true}
			continue
		}
		field, ok := channelFields[key]
		// Secondary sensors (t190C, sal11, c1S/m) stay in extras so the
		// primary sensor always wins the canonical slot.
		if ok && !seen[field] {
			seen[field] = true
			plan[i] = columnPlan{field: field}
		} else {
			plan[i] = columnPlan{extra: ch.Name}
		}
	}
	return plan
}

// MappedFields lists the canonical fields the header's channel list resolves
// to, in CanonicalFields order. Quality checks use it to tell a field the
// instrument never reports from one whose values were all sentinels.
func MappedFields(header *cnv.HeaderMetadata) []string {
	mapped := make(map[string]bool)
	for _, ch := range header.Channels {
		key := strings.ToLower(strings.TrimSpace(ch.Name))
		if field, ok := channelFields[key]; ok {
			mapped[field] = true
		}
	}
	if header.Latitude != nil {
		mapped[FieldLatitude] = true
	}
	if header.Longitude != nil {
		mapped[FieldLongitude] = true
	}

	var fields []string
	for _, name := range CanonicalFields() {
		if mapped[name] {
			fields = append(fields, name)
		}
	}
	return fields
}

// Normalize drains the iterator into canonical records, preserving row order.
// It returns the records together with the iterator's terminal error, so a
// partial batch with a late I/O failure is still visible to the caller.
func (n *Normalizer) Normalize(header *cnv.HeaderMetadata, it *cnv.RowIter) ([]Record, error) {
	plan := n.planColumns(header)
	start := header.StartTime
	interval := header.SampleInterval

	var records []Record
	idx := 0
	for {
		raw, ok := it.Next()
		if !ok {
			break
		}

		rec := Record{}
		var elapsed float64
		hasElapsed := false

		for i, v := range raw.Values {
			if i >= len(plan) {
				break
			}
			p := plan[i]
			if p.timeS {
				elapsed = v
				hasElapsed = true
				continue
			}
			if _, isMissing := n.missing[v]; isMissing {
				continue
			}
			if p.field != "" {
				val := v
				*rec.Field(p.field) = &val
				continue
			}
			if rec.Extra == nil {
				rec.Extra = make(map[string]float64)
			}
			rec.Extra[p.extra] = v
		}

		rec.Time = scanTime(start, interval, elapsed, hasElapsed, idx)

		if rec.Latitude == nil && header.Latitude != nil {
			lat := *header.Latitude
			rec.Latitude = &lat
		}
		if rec.Longitude == nil && header.Longitude != nil {
			lon := *header.Longitude
			rec.Longitude = &lon
		}

		if n.deriveFields {
			n.derive(&rec)
		}

		records = append(records, rec)
		idx++
	}

	if err := it.Err(); err != nil {
		return records, err
	}

	if header.NValues >= 0 && len(records)+it.RowErrors() != header.NValues {
		log.Warn("row count differs from declared nvalues",
			"source_file", header.SourceFile,
			"declared", header.NValues,
			"parsed", len(records),
			"malformed", it.RowErrors())
	}

	if len(records) == 0 {
		return nil, ierrors.Wrapf(ierrors.ErrNoValidRows, "%s", header.SourceFile)
	}
	return records, nil
}

// scanTime resolves the absolute instant of a scan. Elapsed seconds beat the
// nominal interval; with neither, scans fall back to index seconds so ordering
// survives even a headerless feed.
func scanTime(start time.Time, interval time.Duration, elapsed float64, hasElapsed bool, idx int) time.Time {
	var offset time.Duration
	switch {
	case hasElapsed:
		offset = time.Duration(elapsed * float64(time.Second))
	case interval > 0:
		offset = time.Duration(idx) * interval
	default:
		offset = time.Duration(idx) * time.Second
	}
	if start.IsZero() {
		return time.Unix(0, 0).UTC().Add(offset)
	}
	return start.Add(offset).UTC()
}

// derive fills absent fields computable from present ones. The formulas are
// first-order approximations, good enough for plotting and QC, not for
// publication-grade oceanography.
func (n *Normalizer) derive(rec *Record) {
	if rec.Salinity == nil && rec.Conductivity != nil {
		s := 35.0 * (*rec.Conductivity / 4.2914)
		if !math.IsNaN(s) && !math.IsInf(s, 0) {
			rec.Salinity = &s
		}
	}
	if rec.Density == nil && rec.Temperature != nil && rec.Salinity != nil {
		d := 1000.0 + 0.8**rec.Salinity - 0.2**rec.Temperature
		if !math.IsNaN(d) && !math.IsInf(d, 0) {
			rec.Density = &d
		}
	}
}

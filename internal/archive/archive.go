// Package archive writes ingested batches to the filesystem sink: a
// compressed parquet data file plus JSON companions for the quality report
// and the source header metadata.
//
// Artifact names embed the sanitized source name and the ingest instant, so
// re-ingesting a grown file produces a new artifact set instead of
// overwriting the previous one.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/parquet-go/parquet-go/compress/gzip"
	"github.com/parquet-go/parquet-go/compress/lz4"
	"github.com/parquet-go/parquet-go/compress/snappy"
	"github.com/parquet-go/parquet-go/compress/uncompressed"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"github.com/MuzzleThing/triaxus-ingest/internal/cnv"
	"github.com/MuzzleThing/triaxus-ingest/internal/config"
	ierrors "github.com/MuzzleThing/triaxus-ingest/internal/errors"
	"github.com/MuzzleThing/triaxus-ingest/internal/logging"
	"github.com/MuzzleThing/triaxus-ingest/internal/process"
	"github.com/MuzzleThing/triaxus-ingest/internal/qc"
)

var log = logging.Component("archive")

// stampLayout names artifacts by ingest instant, always UTC.
const stampLayout = "20060102T150405Z"

// Row is the parquet schema of the data artifact. Optional columns encode
// absent measurements as nulls rather than sentinels.
type Row struct {
	Time         time.Time `parquet:"time,timestamp"`
	Depth        *float64  `parquet:"depth,optional"`
	Latitude     *float64  `parquet:"latitude,optional"`
	Longitude    *float64  `parquet:"longitude,optional"`
	Temperature  *float64  `parquet:"temperature,optional"`
	Salinity     *float64  `parquet:"salinity,optional"`
	Oxygen       *float64  `parquet:"oxygen,optional"`
	Fluorescence *float64  `parquet:"fluorescence,optional"`
	PH           *float64  `parquet:"ph,optional"`
	Conductivity *float64  `parquet:"conductivity,optional"`
	Density      *float64  `parquet:"density,optional"`

	// Extras is a JSON object of unmapped channels, empty when none.
	Extras string `parquet:"extras,optional"`

	QualityFlag string `parquet:"quality_flag"`
	SourceFile  string `parquet:"source_file"`
}

// Artifact describes one completed archive write.
type Artifact struct {
	// DataPath is the parquet file.
	DataPath string

	// ReportPath is the quality report JSON, empty when disabled.
	ReportPath string

	// MetadataPath is the header metadata JSON, empty when disabled.
	MetadataPath string

	// Rows is the number of data rows written.
	Rows int
}

// Archiver is the filesystem sink.
type Archiver struct {
	root        string
	codec       compress.Codec
	writeReport bool
	writeMeta   bool
}

// New builds an Archiver from validated configuration.
func New(cfg config.ArchiveConfig) (*Archiver, error) {
	codec, err := codecFor(cfg.Compression, cfg.CompressionLevel)
	if err != nil {
		return nil, err
	}
	return &Archiver{
		root:        cfg.Root,
		codec:       codec,
		writeReport: cfg.WriteQualityReport,
		writeMeta:   cfg.WriteMetadata,
	}, nil
}

func codecFor(name string, level int) (compress.Codec, error) {
	switch name {
	case "", "zstd":
		return &zstd.Codec{Level: zstdLevel(level)}, nil
	case "snappy":
		return &snappy.Codec{}, nil
	case "lz4":
		return &lz4.Codec{}, nil
	case "gzip":
		return &gzip.Codec{}, nil
	case "none":
		return &uncompressed.Codec{}, nil
	default:
		return nil, ierrors.NewInvalidValue("compression", name, "unknown algorithm")
	}
}

func zstdLevel(level int) zstd.Level {
	switch {
	case level <= 0:
		return zstd.SpeedDefault
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 9:
		return zstd.SpeedDefault
	case level <= 15:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// Archive writes the batch and its companions under the archive root and
// returns the artifact paths. Any failure is a filesystem-sink error; a
// partially written artifact set is removed so the archive never holds a
// data file without its companions. Once the caller's context is done, no
// further artifacts are written: a batch already recorded as failed must not
// materialize in the archive afterwards.
func (a *Archiver) Archive(ctx context.Context, records []process.Record, report *qc.Report, header *cnv.HeaderMetadata, ingestTime time.Time) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, ierrors.Wrap(ierrors.ErrFilesystemSink, err.Error())
	}

	base := baseName(header.SourceFile, ingestTime)

	if err := os.MkdirAll(a.root, 0755); err != nil {
		return nil, ierrors.Wrap(ierrors.ErrFilesystemSink, err.Error())
	}

	artifact := &Artifact{
		DataPath: filepath.Join(a.root, base+".parquet"),
		Rows:     len(records),
	}

	if err := a.writeData(artifact.DataPath, records, header.SourceFile); err != nil {
		os.Remove(artifact.DataPath)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		os.Remove(artifact.DataPath)
		return nil, ierrors.Wrap(ierrors.ErrFilesystemSink, err.Error())
	}

	if a.writeReport && report != nil {
		artifact.ReportPath = filepath.Join(a.root, base+"_quality.json")
		if err := writeJSON(artifact.ReportPath, report); err != nil {
			a.cleanup(artifact)
			return nil, err
		}
	}

	if a.writeMeta {
		artifact.MetadataPath = filepath.Join(a.root, base+"_metadata.json")
		meta := buildMetadata(header, report, ingestTime, len(records))
		if err := writeJSON(artifact.MetadataPath, meta); err != nil {
			a.cleanup(artifact)
			return nil, err
		}
	}

	log.Info("batch archived",
		"source_file", header.SourceFile,
		"data", artifact.DataPath,
		"rows", artifact.Rows)
	return artifact, nil
}

func (a *Archiver) writeData(path string, records []process.Record, sourceFile string) error {
	rows := make([]Row, len(records))
	for i := range records {
		r, err := toRow(&records[i], sourceFile)
		if err != nil {
			return err
		}
		rows[i] = r
	}

	f, err := os.Create(path)
	if err != nil {
		return ierrors.Wrap(ierrors.ErrFilesystemSink, err.Error())
	}

	w := parquet.NewGenericWriter[Row](f, parquet.Compression(a.codec))
	if _, err := w.Write(rows); err != nil {
		f.Close()
		return ierrors.Wrap(ierrors.ErrFilesystemSink, err.Error())
	}
	if err := w.Close(); err != nil {
		f.Close()
		return ierrors.Wrap(ierrors.ErrFilesystemSink, err.Error())
	}
	if err := f.Close(); err != nil {
		return ierrors.Wrap(ierrors.ErrFilesystemSink, err.Error())
	}
	return nil
}

func toRow(rec *process.Record, sourceFile string) (Row, error) {
	row := Row{
		Time:         rec.Time,
		Depth:        rec.Depth,
		Latitude:     rec.Latitude,
		Longitude:    rec.Longitude,
		Temperature:  rec.Temperature,
		Salinity:     rec.Salinity,
		Oxygen:       rec.Oxygen,
		Fluorescence: rec.Fluorescence,
		PH:           rec.PH,
		Conductivity: rec.Conductivity,
		Density:      rec.Density,
		QualityFlag:  rec.Flag,
		SourceFile:   sourceFile,
	}
	if row.QualityFlag == "" {
		row.QualityFlag = qc.SeverityOK
	}
	if len(rec.Extra) > 0 {
		extras, err := json.Marshal(rec.Extra)
		if err != nil {
			return Row{}, ierrors.Wrap(ierrors.ErrFilesystemSink, err.Error())
		}
		row.Extras = string(extras)
	}
	return row, nil
}

// Metadata is the header-metadata companion document.
type Metadata struct {
	SourceFile      string            `json:"source_file"`
	IngestedAt      time.Time         `json:"ingested_at"`
	Rows            int               `json:"rows"`
	StartTime       *time.Time        `json:"start_time,omitempty"`
	SampleInterval  string            `json:"sample_interval,omitempty"`
	DeclaredValues  *int              `json:"declared_values,omitempty"`
	SoftwareVersion string            `json:"software_version,omitempty"`
	Latitude        *float64          `json:"latitude,omitempty"`
	Longitude       *float64          `json:"longitude,omitempty"`
	Channels        []ChannelMeta     `json:"channels"`
	SerialNumbers   map[string]string `json:"serial_numbers,omitempty"`
	Header          map[string]string `json:"header,omitempty"`
	Quality         *QualitySummary   `json:"quality,omitempty"`
}

// QualitySummary condenses the quality report for the metadata companion.
// The full report lives in the quality JSON; this is enough to triage an
// artifact without opening it.
type QualitySummary struct {
	Severity      string `json:"severity"`
	WarningRows   int    `json:"warning_rows"`
	ErrorRows     int    `json:"error_rows"`
	DroppedRows   int    `json:"dropped_rows"`
	DuplicateRows int    `json:"duplicate_rows"`
	Flags         int    `json:"flags"`
}

// ChannelMeta is one declared channel in the metadata companion.
type ChannelMeta struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Span        *[2]float64 `json:"span,omitempty"`
}

func buildMetadata(header *cnv.HeaderMetadata, report *qc.Report, ingestTime time.Time, rows int) Metadata {
	meta := Metadata{
		SourceFile:      header.SourceFile,
		IngestedAt:      ingestTime.UTC(),
		Rows:            rows,
		SoftwareVersion: header.SoftwareVersion,
		Latitude:        header.Latitude,
		Longitude:       header.Longitude,
		SerialNumbers:   header.SerialNumbers,
		Header:          header.Metadata,
	}
	if !header.StartTime.IsZero() {
		st := header.StartTime
		meta.StartTime = &st
	}
	if header.SampleInterval > 0 {
		meta.SampleInterval = header.SampleInterval.String()
	}
	if header.NValues >= 0 {
		n := header.NValues
		meta.DeclaredValues = &n
	}
	if report != nil {
		meta.Quality = &QualitySummary{
			Severity:      report.Severity,
			WarningRows:   report.WarningRows,
			ErrorRows:     report.ErrorRows,
			DroppedRows:   report.DroppedRows,
			DuplicateRows: report.DuplicateRows,
			Flags:         len(report.Flags),
		}
	}
	for _, ch := range header.Channels {
		meta.Channels = append(meta.Channels, ChannelMeta{
			Name:        ch.Name,
			Description: ch.Description,
			Span:        ch.Span,
		})
	}
	return meta
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ierrors.Wrap(ierrors.ErrFilesystemSink, err.Error())
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return ierrors.Wrap(ierrors.ErrFilesystemSink, err.Error())
	}
	return nil
}

func (a *Archiver) cleanup(artifact *Artifact) {
	for _, p := range []string{artifact.DataPath, artifact.ReportPath, artifact.MetadataPath} {
		if p != "" {
			os.Remove(p)
		}
	}
}

// baseName derives the artifact base name: the sanitized source file stem
// plus the UTC ingest stamp, e.g. "live_074_20231015T134044Z".
func baseName(sourceFile string, ingestTime time.Time) string {
	stem := strings.TrimSuffix(filepath.Base(sourceFile), filepath.Ext(sourceFile))
	sanitized := sanitize(stem)
	if sanitized == "" {
		sanitized = "batch"
	}
	return fmt.Sprintf("%s_%s", sanitized, ingestTime.UTC().Format(stampLayout))
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

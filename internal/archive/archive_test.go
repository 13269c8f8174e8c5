package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/MuzzleThing/triaxus-ingest/internal/cnv"
	"github.com/MuzzleThing/triaxus-ingest/internal/config"
	"github.com/MuzzleThing/triaxus-ingest/internal/process"
	"github.com/MuzzleThing/triaxus-ingest/internal/qc"
)

func f(v float64) *float64 { return &v }

func testHeader() *cnv.HeaderMetadata {
	return &cnv.HeaderMetadata{
		SourceFile: "testdata/live_074.cnv",
		Channels: []cnv.Channel{
			{Name: "timeS", Description: "Time, Elapsed [seconds]"},
			{Name: "tv290C", Description: "Temperature [ITS-90, deg C]", Span: &[2]float64{-5, 35}},
			{Name: "prDM", Description: "Pressure, Digiquartz [db]"},
		},
		Metadata:       map[string]string{"Ship": "RV Investigator"},
		SerialNumbers:  map[string]string{"Temperature": "6130"},
		StartTime:      time.Date(2023, time.October, 15, 13, 40, 44, 0, time.UTC),
		SampleInterval: 250 * time.Millisecond,
		NValues:        2,
	}
}

func testRecords() []process.Record {
	base := time.Date(2023, time.October, 15, 13, 40, 44, 0, time.UTC)
	return []process.Record{
		{
			Time:        base,
			Depth:       f(10),
			Temperature: f(12.5),
			Extra:       map[string]float64{"scan": 1},
			Flag:        qc.SeverityOK,
		},
		{
			Time:        base.Add(250 * time.Millisecond),
			Depth:       f(11),
			Temperature: f(12.6),
			Flag:        qc.SeverityWarning,
		},
	}
}

func testArchiver(t *testing.T, root string) *Archiver {
	t.Helper()
	a, err := New(config.ArchiveConfig{
		Root:               root,
		Compression:        "zstd",
		CompressionLevel:   3,
		WriteQualityReport: true,
		WriteMetadata:      true,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func TestArchiveWritesArtifactSet(t *testing.T) {
	root := t.TempDir()
	a := testArchiver(t, root)

	ingest := time.Date(2023, time.October, 15, 14, 0, 0, 0, time.UTC)
	report := &qc.Report{SourceFile: "testdata/live_074.cnv", Severity: qc.SeverityOK, TotalRows: 2, OutputRows: 2}

	artifact, err := a.Archive(context.Background(), testRecords(), report, testHeader(), ingest)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	wantBase := "live_074_20231015T140000Z"
	if filepath.Base(artifact.DataPath) != wantBase+".parquet" {
		t.Errorf("DataPath = %s, want %s.parquet", filepath.Base(artifact.DataPath), wantBase)
	}
	if filepath.Base(artifact.ReportPath) != wantBase+"_quality.json" {
		t.Errorf("ReportPath = %s, want %s_quality.json", filepath.Base(artifact.ReportPath), wantBase)
	}
	if filepath.Base(artifact.MetadataPath) != wantBase+"_metadata.json" {
		t.Errorf("MetadataPath = %s, want %s_metadata.json", filepath.Base(artifact.MetadataPath), wantBase)
	}

	for _, p := range []string{artifact.DataPath, artifact.ReportPath, artifact.MetadataPath} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("artifact %s missing: %v", p, err)
		}
	}
}

func TestArchiveDataRoundTrip(t *testing.T) {
	root := t.TempDir()
	a := testArchiver(t, root)

	ingest := time.Now().UTC()
	artifact, err := a.Archive(context.Background(), testRecords(), nil, testHeader(), ingest)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	rows, err := parquet.ReadFile[Row](artifact.DataPath)
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	r := rows[0]
	if r.Depth == nil || *r.Depth != 10 {
		t.Errorf("Depth = %v, want 10", r.Depth)
	}
	if r.Temperature == nil || *r.Temperature != 12.5 {
		t.Errorf("Temperature = %v, want 12.5", r.Temperature)
	}
	if r.Salinity != nil {
		t.Errorf("Salinity = %v, want nil", *r.Salinity)
	}
	if r.SourceFile != "testdata/live_074.cnv" {
		t.Errorf("SourceFile = %q", r.SourceFile)
	}
	if r.QualityFlag != qc.SeverityOK {
		t.Errorf("QualityFlag = %q, want ok", r.QualityFlag)
	}
	if rows[1].QualityFlag != qc.SeverityWarning {
		t.Errorf("rows[1].QualityFlag = %q, want warning", rows[1].QualityFlag)
	}

	var extras map[string]float64
	if err := json.Unmarshal([]byte(r.Extras), &extras); err != nil {
		t.Fatalf("Extras not valid JSON: %v", err)
	}
	if extras["scan"] != 1 {
		t.Errorf("Extras[scan] = %v, want 1", extras["scan"])
	}
}

func TestArchiveMetadataCompanion(t *testing.T) {
	root := t.TempDir()
	a := testArchiver(t, root)

	ingest := time.Date(2023, time.October, 15, 14, 0, 0, 0, time.UTC)
	report := &qc.Report{Severity: qc.SeverityWarning, TotalRows: 2, OutputRows: 2, WarningRows: 1}
	artifact, err := a.Archive(context.Background(), testRecords(), report, testHeader(), ingest)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	data, err := os.ReadFile(artifact.MetadataPath)
	if err != nil {
		t.Fatal(err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("metadata not valid JSON: %v", err)
	}

	if meta.SourceFile != "testdata/live_074.cnv" {
		t.Errorf("SourceFile = %q", meta.SourceFile)
	}
	if meta.Rows != 2 {
		t.Errorf("Rows = %d, want 2", meta.Rows)
	}
	if len(meta.Channels) != 3 || meta.Channels[1].Name != "tv290C" {
		t.Errorf("Channels = %+v", meta.Channels)
	}
	if meta.Channels[1].Span == nil || meta.Channels[1].Span[1] != 35 {
		t.Errorf("Channels[1].Span = %v, want [-5 35]", meta.Channels[1].Span)
	}
	if meta.SerialNumbers["Temperature"] != "6130" {
		t.Errorf("SerialNumbers = %v", meta.SerialNumbers)
	}
	if meta.SampleInterval != "250ms" {
		t.Errorf("SampleInterval = %q, want 250ms", meta.SampleInterval)
	}
	if meta.DeclaredValues == nil || *meta.DeclaredValues != 2 {
		t.Errorf("DeclaredValues = %v, want 2", meta.DeclaredValues)
	}
	if meta.Quality == nil || meta.Quality.Severity != qc.SeverityWarning || meta.Quality.WarningRows != 1 {
		t.Errorf("Quality = %+v, want warning summary", meta.Quality)
	}
}

func TestArchiveCompanionsOptional(t *testing.T) {
	root := t.TempDir()
	a, err := New(config.ArchiveConfig{Root: root, Compression: "none"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	artifact, err := a.Archive(context.Background(), testRecords(), &qc.Report{}, testHeader(), time.Now())
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if artifact.ReportPath != "" || artifact.MetadataPath != "" {
		t.Errorf("companions written despite being disabled: %+v", artifact)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("archive root has %d entries, want 1", len(entries))
	}
}

func TestArchiveAbortsOnCancelledContext(t *testing.T) {
	root := t.TempDir()
	a := testArchiver(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A timed-out file is recorded as failed before the worker finishes, so
	// the write must not land after cancellation.
	if _, err := a.Archive(ctx, testRecords(), nil, testHeader(), time.Now()); err == nil {
		t.Fatal("Archive succeeded under a cancelled context")
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("archive root has %d entries after cancelled write, want 0", len(entries))
	}
}

func TestBaseNameSanitization(t *testing.T) {
	ingest := time.Date(2023, time.October, 15, 14, 0, 0, 0, time.UTC)
	got := baseName("feeds/live run #7.cnv", ingest)
	want := "live_run__7_20231015T140000Z"
	if got != want {
		t.Errorf("baseName = %q, want %q", got, want)
	}
}

func TestUnknownCompressionRejected(t *testing.T) {
	if _, err := New(config.ArchiveConfig{Root: t.TempDir(), Compression: "brotli"}); err == nil {
		t.Error("unknown compression should fail")
	}
}

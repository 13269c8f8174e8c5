package dbsink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MuzzleThing/triaxus-ingest/internal/config"
	"github.com/MuzzleThing/triaxus-ingest/internal/process"
	"github.com/MuzzleThing/triaxus-ingest/internal/qc"
)

func f(v float64) *float64 { return &v }

func testSink(t *testing.T) *Sink {
	t.Helper()
	s, err := Open(config.DatabaseConfig{
		Enabled:      true,
		Path:         filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 2,
		QueryTimeout: config.Duration(30 * time.Second),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecords(n int) []process.Record {
	base := time.Date(2023, time.October, 15, 13, 40, 44, 0, time.UTC)
	records := make([]process.Record, n)
	for i := range records {
		d := float64(10 + i)
		temp := 12.5
		records[i] = process.Record{
			Time:        base.Add(time.Duration(i) * time.Second),
			Depth:       &d,
			Temperature: &temp,
			Flag:        qc.SeverityOK,
		}
	}
	return records
}

func TestWriteAndCount(t *testing.T) {
	s := testSink(t)
	ctx := context.Background()

	res, err := s.Write(ctx, testRecords(5), "live_001.cnv", time.Now())
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if res.Inserted != 5 || res.Skipped != 0 {
		t.Errorf("result = %+v, want 5 inserted", res)
	}

	n, err := s.Count(ctx, "live_001.cnv")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Count = %d, want 5", n)
	}
}

func TestWriteUpsertIdempotent(t *testing.T) {
	s := testSink(t)
	ctx := context.Background()

	records := testRecords(5)
	if _, err := s.Write(ctx, records, "live_001.cnv", time.Now()); err != nil {
		t.Fatalf("first Write failed: %v", err)
	}

	// Same rows again, as a re-ingest would produce. Upsert, not duplicate.
	newTemp := 13.0
	records[0].Temperature = &newTemp
	if _, err := s.Write(ctx, records, "live_001.cnv", time.Now()); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}

	n, err := s.Count(ctx, "live_001.cnv")
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("Count = %d after re-ingest, want 5", n)
	}

	var temp float64
	err = s.db.QueryRowContext(ctx,
		`SELECT tv290c FROM oceanographic_data WHERE source_file = ? ORDER BY time LIMIT 1`,
		"live_001.cnv").Scan(&temp)
	if err != nil {
		t.Fatal(err)
	}
	if temp != 13.0 {
		t.Errorf("tv290c = %v after upsert, want 13.0", temp)
	}
}

func TestWriteSkipsRowsWithoutDepth(t *testing.T) {
	s := testSink(t)
	ctx := context.Background()

	records := testRecords(3)
	records[1].Depth = nil

	res, err := s.Write(ctx, records, "live_001.cnv", time.Now())
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if res.Inserted != 2 || res.Skipped != 1 {
		t.Errorf("result = %+v, want 2 inserted, 1 skipped", res)
	}
}

func TestWriteNullableFields(t *testing.T) {
	s := testSink(t)
	ctx := context.Background()

	base := time.Date(2023, time.October, 15, 13, 40, 44, 0, time.UTC)
	records := []process.Record{{
		Time:  base,
		Depth: f(10),
		Extra: map[string]float64{"scan": 42},
		Flag:  qc.SeverityWarning,
	}}

	if _, err := s.Write(ctx, records, "live_001.cnv", time.Now()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var (
		temp  *float64
		flag  string
		extra *string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tv290c, quality_flag, extras FROM oceanographic_data WHERE source_file = ?`,
		"live_001.cnv").Scan(&temp, &flag, &extra)
	if err != nil {
		t.Fatal(err)
	}
	if temp != nil {
		t.Errorf("tv290c = %v, want NULL", *temp)
	}
	if flag != qc.SeverityWarning {
		t.Errorf("quality_flag = %q, want warning", flag)
	}
	if extra == nil || *extra == "" {
		t.Error("extras should hold the unmapped channel JSON")
	}
}

func TestSeparateSourceFilesDoNotCollide(t *testing.T) {
	s := testSink(t)
	ctx := context.Background()

	records := testRecords(3)
	if _, err := s.Write(ctx, records, "live_001.cnv", time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(ctx, records, "live_002.cnv", time.Now()); err != nil {
		t.Fatal(err)
	}

	total, err := s.Count(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if total != 6 {
		t.Errorf("total = %d, want 6 (same rows under two sources)", total)
	}
}

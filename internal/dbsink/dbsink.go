// Package dbsink writes ingested batches to the DuckDB sink.
//
// The table is the query surface for the plotting collaborator; the parquet
// archive remains the durable record. Rows are keyed by (time, depth,
// source_file) so re-ingesting a grown file upserts instead of duplicating,
// and rows without a depth reading are skipped rather than violating the
// schema.
package dbsink

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/MuzzleThing/triaxus-ingest/internal/config"
	ierrors "github.com/MuzzleThing/triaxus-ingest/internal/errors"
	"github.com/MuzzleThing/triaxus-ingest/internal/logging"
	"github.com/MuzzleThing/triaxus-ingest/internal/process"
	"github.com/MuzzleThing/triaxus-ingest/internal/qc"
)

var log = logging.Component("dbsink")

const schema = `
CREATE TABLE IF NOT EXISTS oceanographic_data (
    id UUID PRIMARY KEY,
    time TIMESTAMP NOT NULL,
    depth DOUBLE NOT NULL,
    latitude DOUBLE,
    longitude DOUBLE,
    tv290c DOUBLE,
    sal00 DOUBLE,
    sbeox0mm_l DOUBLE,
    fleco_afl DOUBLE,
    ph DOUBLE,
    conductivity DOUBLE,
    density DOUBLE,
    extras VARCHAR,
    quality_flag VARCHAR NOT NULL,
    source_file VARCHAR NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (time, depth, source_file)
)`

const upsertSQL = `
INSERT INTO oceanographic_data (
    id, time, depth, latitude, longitude,
    tv290c, sal00, sbeox0mm_l, fleco_afl, ph,
    conductivity, density, extras, quality_flag, source_file, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (time, depth, source_file) DO UPDATE SET
    latitude = excluded.latitude,
    longitude = excluded.longitude,
    tv290c = excluded.tv290c,
    sal00 = excluded.sal00,
    sbeox0mm_l = excluded.sbeox0mm_l,
    fleco_afl = excluded.fleco_afl,
    ph = excluded.ph,
    conductivity = excluded.conductivity,
    density = excluded.density,
    extras = excluded.extras,
    quality_flag = excluded.quality_flag,
    created_at = excluded.created_at`

// Result summarizes one batch write.
type Result struct {
	// Inserted counts rows written or updated.
	Inserted int

	// Skipped counts rows without a depth reading, which the schema
	// cannot hold.
	Skipped int
}

// Sink is the relational sink.
type Sink struct {
	db      *sql.DB
	timeout time.Duration
}

// Open opens (and creates if needed) the database and ensures the schema.
func Open(cfg config.DatabaseConfig) (*Sink, error) {
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.ErrDatabaseSink, err.Error())
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	timeout := cfg.QueryTimeout.Duration()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, ierrors.Wrap(ierrors.ErrDatabaseSink, err.Error())
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, ierrors.Wrap(ierrors.ErrDatabaseSink, err.Error())
	}

	log.Info("database sink ready", "path", cfg.Path)
	return &Sink{db: db, timeout: timeout}, nil
}

// Write upserts the batch in one transaction. Either the whole batch lands
// or none of it does; a mid-batch failure never leaves a partial write.
func (s *Sink) Write(ctx context.Context, records []process.Record, sourceFile string, ingestTime time.Time) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, ierrors.Wrap(ierrors.ErrDatabaseSink, err.Error())
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return Result{}, ierrors.Wrap(ierrors.ErrDatabaseSink, err.Error())
	}
	defer stmt.Close()

	var res Result
	for i := range records {
		rec := &records[i]
		if rec.Depth == nil {
			res.Skipped++
			continue
		}

		var extras any
		if len(rec.Extra) > 0 {
			data, err := json.Marshal(rec.Extra)
			if err != nil {
				return Result{}, ierrors.Wrap(ierrors.ErrDatabaseSink, err.Error())
			}
			extras = string(data)
		}

		flag := rec.Flag
		if flag == "" {
			flag = qc.SeverityOK
		}

		_, err = stmt.ExecContext(ctx,
			uuid.New().String(), rec.Time.UTC(), *rec.Depth,
			nullable(rec.Latitude), nullable(rec.Longitude),
			nullable(rec.Temperature), nullable(rec.Salinity),
			nullable(rec.Oxygen), nullable(rec.Fluorescence), nullable(rec.PH),
			nullable(rec.Conductivity), nullable(rec.Density),
			extras, flag, sourceFile, ingestTime.UTC())
		if err != nil {
			return Result{}, ierrors.Wrap(ierrors.ErrDatabaseSink, err.Error())
		}
		res.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return Result{}, ierrors.Wrap(ierrors.ErrDatabaseSink, err.Error())
	}

	if res.Skipped > 0 {
		log.Warn("rows without depth skipped by database sink",
			"source_file", sourceFile, "skipped", res.Skipped)
	}
	return res, nil
}

// Count returns the number of stored rows for a source file, or all rows
// when sourceFile is empty.
func (s *Sink) Count(ctx context.Context, sourceFile string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int
	var err error
	if sourceFile == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM oceanographic_data`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM oceanographic_data WHERE source_file = ?`, sourceFile).Scan(&n)
	}
	if err != nil {
		return 0, ierrors.Wrap(ierrors.ErrDatabaseSink, err.Error())
	}
	return n, nil
}

// Close closes the database.
func (s *Sink) Close() error {
	return s.db.Close()
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

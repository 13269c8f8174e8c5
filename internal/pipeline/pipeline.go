// Package pipeline orchestrates the ingestion loop: scan the source
// directory, decide which files are new work, run each through parse,
// normalize, quality control and both sinks, and record the outcome in the
// ledger.
//
// Failure isolation is per file. One bad file marks itself failed and the
// tick moves on; one stuck file hits its timeout instead of stalling the
// daemon. The database sink degrades a file to partial, the filesystem sink
// fails it: the archive is the durable record, the database is a
// convenience copy.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MuzzleThing/triaxus-ingest/internal/archive"
	"github.com/MuzzleThing/triaxus-ingest/internal/cnv"
	"github.com/MuzzleThing/triaxus-ingest/internal/config"
	"github.com/MuzzleThing/triaxus-ingest/internal/dbsink"
	ierrors "github.com/MuzzleThing/triaxus-ingest/internal/errors"
	"github.com/MuzzleThing/triaxus-ingest/internal/logging"
	"github.com/MuzzleThing/triaxus-ingest/internal/monitor"
	"github.com/MuzzleThing/triaxus-ingest/internal/notify"
	"github.com/MuzzleThing/triaxus-ingest/internal/process"
	"github.com/MuzzleThing/triaxus-ingest/internal/qc"
	"github.com/MuzzleThing/triaxus-ingest/internal/state"
)

var log = logging.Component("pipeline")

// FileOutcome is the result of one file's ingest attempt within a tick.
type FileOutcome struct {
	// Path is the source file.
	Path string

	// Outcome is success, partial or failed.
	Outcome string

	// Rows is the number of rows that reached the archive.
	Rows int

	// RowErrors counts malformed source lines skipped during parsing.
	RowErrors int

	// Err is the failure cause, nil unless Outcome is failed.
	Err error
}

// TickResult summarizes one tick.
type TickResult struct {
	// Scanned is the number of candidates the monitor returned.
	Scanned int

	// Skipped counts candidates already up to date in the ledger.
	Skipped int

	// Ingested counts files that finished with success or partial.
	Ingested int

	// Failed counts files that finished failed.
	Failed int

	// Rows is the total rows archived this tick.
	Rows int

	// Files holds the per-file outcomes in processing order.
	Files []FileOutcome
}

// Stats are cumulative daemon counters.
type Stats struct {
	Ticks         int64
	FilesIngested int64
	FilesFailed   int64
	RowsArchived  int64
}

// Orchestrator runs the ingestion loop.
type Orchestrator struct {
	cfg        *config.Config
	mon        *monitor.Monitor
	ledger     *state.Store
	normalizer *process.Normalizer
	engine     *qc.Engine
	archiver   *archive.Archiver
	db         *dbsink.Sink
	notifier   notify.Notifier

	// now is swappable for tests.
	now func() time.Time

	mu    sync.Mutex
	stats Stats
}

// New wires an Orchestrator. db may be nil when the database sink is
// disabled; notifier must not be nil (use notify.NopNotifier).
func New(
	cfg *config.Config,
	mon *monitor.Monitor,
	ledger *state.Store,
	normalizer *process.Normalizer,
	engine *qc.Engine,
	archiver *archive.Archiver,
	db *dbsink.Sink,
	notifier notify.Notifier,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		mon:        mon,
		ledger:     ledger,
		normalizer: normalizer,
		engine:     engine,
		archiver:   archiver,
		db:         db,
		notifier:   notifier,
		now:        time.Now,
	}
}

// Stats returns a snapshot of the cumulative counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Run ticks immediately, then on every interval until ctx is cancelled.
// The tick in flight finishes before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := o.cfg.Monitor.Interval.Duration()
	log.Info("ingestion loop started",
		"source_dir", o.cfg.Monitor.SourceDir,
		"interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info("ingestion loop stopped")
			return ctx.Err()
		case <-ticker.C:
			o.runTick(ctx)
		}
	}
}

func (o *Orchestrator) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	result, err := o.Tick(ctx)
	if err != nil {
		log.Error("tick failed", "error", err)
		return
	}
	if result.Ingested > 0 || result.Failed > 0 {
		log.Info("tick complete",
			"scanned", result.Scanned,
			"skipped", result.Skipped,
			"ingested", result.Ingested,
			"failed", result.Failed,
			"rows", result.Rows)
	}
}

// Tick runs one scan-and-ingest pass. It returns an error only when the
// scan itself fails; per-file failures are isolated into the result.
func (o *Orchestrator) Tick(ctx context.Context) (TickResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Pipeline.TickTimeout.Duration())
	defer cancel()

	o.mu.Lock()
	o.stats.Ticks++
	tick := uint64(o.stats.Ticks)
	o.mu.Unlock()
	ctx = logging.ContextWithTick(ctx, tick)

	var result TickResult

	candidates, err := o.mon.Scan()
	if err != nil {
		return result, err
	}
	result.Scanned = len(candidates)

	for _, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		if !o.shouldProcess(cand) {
			result.Skipped++
			continue
		}

		outcome := o.processFile(ctx, cand)
		result.Files = append(result.Files, outcome)

		entry := state.Entry{
			Fingerprint: cand.Fingerprint,
			Outcome:     outcome.Outcome,
			ProcessedAt: o.now().UTC(),
			Rows:        outcome.Rows,
		}
		if outcome.Err != nil {
			entry.Error = outcome.Err.Error()
		}
		if err := o.ledger.Record(cand.Path, entry); err != nil {
			// The file was already sunk; losing the ledger entry only
			// risks a redundant re-ingest, which the sinks absorb.
			log.Error("ledger record failed", "path", cand.Path, "error", err)
		}

		if outcome.Outcome == state.OutcomeFailed {
			result.Failed++
		} else {
			result.Ingested++
			result.Rows += outcome.Rows
		}
	}

	o.mu.Lock()
	o.stats.FilesIngested += int64(result.Ingested)
	o.stats.FilesFailed += int64(result.Failed)
	o.stats.RowsArchived += int64(result.Rows)
	o.mu.Unlock()

	if result.Ingested > 0 {
		o.notifier.DataRefreshed(ctx, result.Ingested, result.Rows)
	}
	return result, nil
}

// shouldProcess decides whether a candidate is new work. A file is work
// when the ledger has never seen it, when its fingerprint changed and
// re-ingest is enabled, or when its last attempt failed and failed files
// are retried.
func (o *Orchestrator) shouldProcess(cand monitor.Candidate) bool {
	entry, ok := o.ledger.Lookup(cand.Path)
	if !ok {
		return true
	}
	if !entry.Fingerprint.Equal(cand.Fingerprint) {
		return o.cfg.Monitor.ReingestGrown
	}
	if entry.Outcome == state.OutcomeFailed {
		return !o.cfg.Monitor.SkipInvalidFiles
	}
	return false
}

// processFile runs one file under its own timeout, with panic isolation.
// Whatever happens inside, the tick gets an outcome back.
func (o *Orchestrator) processFile(ctx context.Context, cand monitor.Candidate) FileOutcome {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Pipeline.FileTimeout.Duration())
	defer cancel()
	ctx = logging.ContextWithSourceFile(ctx, cand.Path)
	ctx = logging.ContextWithBatchID(ctx, uuid.NewString())

	flog := logging.WithContext(ctx).With("component", "pipeline")

	done := make(chan FileOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				flog.Error("panic during file processing", "panic", r)
				done <- FileOutcome{
					Path:    cand.Path,
					Outcome: state.OutcomeFailed,
					Err:     ierrors.Wrapf(ierrors.ErrInternal, "panic: %v", r),
				}
			}
		}()
		done <- o.ingest(ctx, cand)
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-ctx.Done():
		flog.Error("file processing timed out")
		return FileOutcome{
			Path:    cand.Path,
			Outcome: state.OutcomeFailed,
			Err:     ierrors.Wrapf(ierrors.ErrTimeout, "%s", cand.Path),
		}
	}
}

func (o *Orchestrator) ingest(ctx context.Context, cand monitor.Candidate) FileOutcome {
	outcome := FileOutcome{Path: cand.Path, Outcome: state.OutcomeFailed}
	flog := logging.WithContext(ctx).With("component", "pipeline")

	header, iter, err := cnv.ParseFile(cand.Path, cnv.DefaultOptions())
	if err != nil {
		outcome.Err = err
		flog.Error("file rejected", "error", err)
		return outcome
	}
	defer iter.Close()

	records, err := o.normalizer.Normalize(header, iter)
	if err != nil {
		outcome.Err = err
		outcome.RowErrors = iter.RowErrors()
		flog.Error("normalization failed", "error", err)
		return outcome
	}
	outcome.RowErrors = iter.RowErrors()

	out, report := o.engine.Evaluate(cand.Path, records, process.MappedFields(header))

	ingestTime := o.now()

	var dbErr error
	if o.db != nil {
		res, err := o.db.Write(ctx, out, cand.Path, ingestTime)
		if err != nil {
			// Database degradation never blocks archiving.
			dbErr = err
			flog.Warn("database sink failed, archiving anyway", "error", err)
		} else if res.Skipped > 0 {
			flog.Debug("database sink skipped depthless rows", "skipped", res.Skipped)
		}
	}

	artifact, err := o.archiver.Archive(ctx, out, report, header, ingestTime)
	if err != nil {
		outcome.Err = err
		flog.Error("archive failed", "error", err)
		return outcome
	}
	outcome.Rows = artifact.Rows

	switch {
	case dbErr != nil:
		outcome.Outcome = state.OutcomePartial
		outcome.Err = nil
	case outcome.RowErrors > 0 || report.DroppedRows > 0:
		outcome.Outcome = state.OutcomePartial
	default:
		outcome.Outcome = state.OutcomeSuccess
	}

	flog.Info("file ingested",
		"outcome", outcome.Outcome,
		"rows", outcome.Rows,
		"row_errors", outcome.RowErrors,
		"quality", report.Severity)
	return outcome
}

// String renders a short human summary, used by the shutdown log line.
func (s Stats) String() string {
	return fmt.Sprintf("ticks=%d ingested=%d failed=%d rows=%d",
		s.Ticks, s.FilesIngested, s.FilesFailed, s.RowsArchived)
}

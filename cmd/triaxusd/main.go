// Command triaxusd is the real-time CNV ingestion daemon.
//
// It watches the acquisition feed directory for instrument files, runs each
// new or grown file through parsing, normalization and quality control, and
// lands the results in the parquet archive and the DuckDB store. State is
// kept in a small JSON ledger so restarts resume instead of re-ingesting.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MuzzleThing/triaxus-ingest/internal/archive"
	"github.com/MuzzleThing/triaxus-ingest/internal/config"
	"github.com/MuzzleThing/triaxus-ingest/internal/dbsink"
	"github.com/MuzzleThing/triaxus-ingest/internal/logging"
	"github.com/MuzzleThing/triaxus-ingest/internal/monitor"
	"github.com/MuzzleThing/triaxus-ingest/internal/notify"
	"github.com/MuzzleThing/triaxus-ingest/internal/pipeline"
	"github.com/MuzzleThing/triaxus-ingest/internal/process"
	"github.com/MuzzleThing/triaxus-ingest/internal/qc"
	"github.com/MuzzleThing/triaxus-ingest/internal/state"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config (defaults apply when omitted)")
		sourceDir   = flag.String("source-dir", "", "override the watched source directory")
		once        = flag.Bool("once", false, "run a single tick and exit")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("triaxusd %s\n", version)
		return
	}

	if err := run(*configPath, *sourceDir, *once); err != nil {
		fmt.Fprintf(os.Stderr, "triaxusd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, sourceDir string, once bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if sourceDir != "" {
		cfg.Monitor.SourceDir = sourceDir
	}

	logging.Init(logLevel(cfg.Logging.Level), cfg.Logging.JSON)
	log := logging.Component("main")
	log.Info("starting", "version", version, "source_dir", cfg.Monitor.SourceDir)

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	ledger := state.Open(cfg.State.Path)

	archiver, err := archive.New(cfg.Archive)
	if err != nil {
		return fmt.Errorf("archive sink: %w", err)
	}

	var db *dbsink.Sink
	if cfg.Database.Enabled {
		db, err = dbsink.Open(cfg.Database)
		if err != nil {
			// The archive is the durable record; run degraded rather
			// than refuse to start.
			log.Error("database sink unavailable, running without it", "error", err)
			db = nil
		} else {
			defer db.Close()
		}
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notify.Enabled {
		notifier = notify.NewHTTP(cfg.Notify)
	}

	orch := pipeline.New(
		cfg,
		monitor.New(cfg.Monitor),
		ledger,
		process.NewNormalizer(cfg.Processing.MissingValues, cfg.Processing.DeriveFields),
		qc.New(cfg.Quality),
		archiver,
		db,
		notifier,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		result, err := orch.Tick(ctx)
		if err != nil {
			return err
		}
		log.Info("single tick complete",
			"scanned", result.Scanned,
			"ingested", result.Ingested,
			"failed", result.Failed,
			"rows", result.Rows)
		return nil
	}

	err = orch.Run(ctx)
	log.Info("shutdown", "stats", orch.Stats().String())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadConfig reads the config file when given, and otherwise cold-starts on
// defaults so the daemon works out of the box next to a feed directory.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

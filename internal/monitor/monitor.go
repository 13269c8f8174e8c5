// Package monitor discovers candidate instrument files in the source
// directory. It is a polling scanner, not an inotify watcher: the acquisition
// feed writes over SMB mounts where filesystem events are unreliable, and a
// glob every tick is cheap at the directory sizes involved.
package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/MuzzleThing/triaxus-ingest/internal/config"
	ierrors "github.com/MuzzleThing/triaxus-ingest/internal/errors"
	"github.com/MuzzleThing/triaxus-ingest/internal/logging"
	"github.com/MuzzleThing/triaxus-ingest/internal/state"
)

var log = logging.Component("monitor")

// Candidate is one discovered file, old enough to read.
type Candidate struct {
	// Path is the full file path.
	Path string

	// Fingerprint identifies the observed version of the file.
	Fingerprint state.Fingerprint

	// Age is how long the file has been unmodified at scan time.
	Age time.Duration
}

// Monitor scans a directory for files matching the configured patterns.
type Monitor struct {
	sourceDir string
	patterns  []string
	minAge    time.Duration
	hash      bool

	// now is swappable for tests.
	now func() time.Time
}

// New builds a Monitor from validated configuration.
func New(cfg config.MonitorConfig) *Monitor {
	return &Monitor{
		sourceDir: cfg.SourceDir,
		patterns:  append([]string(nil), cfg.Patterns...),
		minAge:    cfg.MinAge.Duration(),
		hash:      cfg.HashFingerprint,
		now:       time.Now,
	}
}

// Scan returns every matching file that is at least minAge old, sorted by
// path for deterministic processing order. Files younger than minAge are
// skipped this tick and picked up on a later one; a missing source directory
// is an error.
func (m *Monitor) Scan() ([]Candidate, error) {
	if _, err := os.Stat(m.sourceDir); err != nil {
		return nil, ierrors.Wrapf(ierrors.ErrScanFailed, "source directory: %v", err)
	}

	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range m.patterns {
		matches, err := filepath.Glob(filepath.Join(m.sourceDir, pattern))
		if err != nil {
			return nil, ierrors.Wrapf(ierrors.ErrScanFailed, "glob %q: %v", pattern, err)
		}
		for _, p := range matches {
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	sort.Strings(paths)

	now := m.now()
	var candidates []Candidate
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			// Deleted between glob and stat. Not our file anymore.
			log.Debug("file vanished during scan", "path", path)
			continue
		}
		if info.IsDir() {
			continue
		}

		age := now.Sub(info.ModTime())
		if age < m.minAge {
			log.Debug("file too young, deferring", "path", path, "age", age)
			continue
		}

		fp := state.Fingerprint{
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if m.hash {
			h, err := hashFile(path)
			if err != nil {
				log.Warn("hash failed, falling back to size+mtime", "path", path, "error", err)
			} else {
				fp.Hash = h
			}
		}

		candidates = append(candidates, Candidate{
			Path:        path,
			Fingerprint: fp,
			Age:         age,
		})
	}

	return candidates, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

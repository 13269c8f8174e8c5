// Package state persists the processed-file ledger.
//
// The ledger is a small JSON document mapping file paths to the fingerprint
// and outcome of their last ingest. It is rewritten atomically (temp file
// plus rename) after every file, so a crash mid-run loses at most the file
// being processed; everything recorded before it stays recorded.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	ierrors "github.com/MuzzleThing/triaxus-ingest/internal/errors"
	"github.com/MuzzleThing/triaxus-ingest/internal/logging"
)

var log = logging.Component("state")

// Outcome of a file's last ingest attempt.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
)

// Fingerprint identifies one observed version of a file.
type Fingerprint struct {
	// Size is the file size in bytes.
	Size int64 `json:"size"`

	// ModTime is the file modification time.
	ModTime time.Time `json:"mod_time"`

	// Hash is the hex content hash, set only in hash-fingerprint mode.
	Hash string `json:"hash,omitempty"`
}

// Equal reports whether two fingerprints identify the same file version.
// When both carry a content hash the hash decides; otherwise size and
// modification time do.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if f.Hash != "" && other.Hash != "" {
		return f.Hash == other.Hash
	}
	return f.Size == other.Size && f.ModTime.Equal(other.ModTime)
}

// Entry is the ledger record for one file path.
type Entry struct {
	// Fingerprint is the file version that was ingested.
	Fingerprint Fingerprint `json:"fingerprint"`

	// Outcome is success, partial or failed.
	Outcome string `json:"outcome"`

	// ProcessedAt is when the attempt finished (UTC).
	ProcessedAt time.Time `json:"processed_at"`

	// Rows is the number of rows that reached the sinks.
	Rows int `json:"rows,omitempty"`

	// Error is the failure message, set only for failed outcomes.
	Error string `json:"error,omitempty"`
}

type ledgerFile struct {
	Version int              `json:"version"`
	Files   map[string]Entry `json:"files"`
}

// Store is the processed-file ledger. Safe for concurrent use.
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
}

// Open loads the ledger at path, or starts an empty one when the file is
// absent or unreadable. A corrupt ledger is logged and treated as empty
// rather than wedging the daemon; affected files are simply re-ingested.
func Open(path string) *Store {
	s := &Store{
		path:    path,
		entries: make(map[string]Entry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("ledger unreadable, starting empty", "path", path, "error", err)
		}
		return s
	}

	var lf ledgerFile
	if err := json.Unmarshal(data, &lf); err != nil {
		log.Warn("ledger corrupt, starting empty", "path", path, "error", err)
		return s
	}
	if lf.Files != nil {
		s.entries = lf.Files
	}

	log.Info("ledger loaded", "path", path, "files", len(s.entries))
	return s
}

// Lookup returns the ledger entry for path, if any.
func (s *Store) Lookup(path string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[path]
	return e, ok
}

// Record writes the outcome of one file's ingest attempt and persists the
// ledger before returning. The persisted state, not the in-memory map, is
// what survives a crash, so persistence failures are reported.
func (s *Store) Record(path string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[path] = entry
	return s.persistLocked()
}

// Forget removes a path from the ledger, forcing re-ingest on next sight.
func (s *Store) Forget(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[path]; !ok {
		return nil
	}
	delete(s.entries, path)
	return s.persistLocked()
}

// Len returns the number of ledger entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) persistLocked() error {
	lf := ledgerFile{Version: 1, Files: s.entries}
	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return ierrors.Wrap(ierrors.ErrLedgerWrite, err.Error())
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ierrors.Wrap(ierrors.ErrLedgerWrite, err.Error())
	}

	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return ierrors.Wrap(ierrors.ErrLedgerWrite, err.Error())
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return ierrors.Wrap(ierrors.ErrLedgerWrite, err.Error())
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return ierrors.Wrap(ierrors.ErrLedgerWrite, err.Error())
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return ierrors.Wrap(ierrors.ErrLedgerWrite, err.Error())
	}
	return nil
}

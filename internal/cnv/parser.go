// Package cnv parses Sea-Bird CNV instrument files.
//
// A CNV file is ASCII text: header lines start with '*' or '#', everything
// after is data. The header declares an ordered channel list ("# name N = ..."),
// optional value spans ("# span N = min, max"), a start time, and free-form
// instrument metadata. Each data line holds exactly one whitespace-separated
// numeric token per declared channel.
//
// Parsing is lazy: the header is read eagerly, data rows stream through a
// RowIter so large files never materialize in memory. Re-reading a file is
// the only way to restart iteration.
package cnv

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	ierrors "github.com/MuzzleThing/triaxus-ingest/internal/errors"
	"github.com/MuzzleThing/triaxus-ingest/internal/logging"
)

var log = logging.Component("cnv")

var (
	nameRe     = regexp.MustCompile(`^# name (\d+) = ([^:]+):\s*(.*)$`)
	spanRe     = regexp.MustCompile(`^# span (\d+) =\s*([0-9eE.+-]+),\s*([0-9eE.+-]+)`)
	nvaluesRe  = regexp.MustCompile(`^# nvalues\s*=\s*(\d+)`)
	intervalRe = regexp.MustCompile(`^# interval\s*=\s*seconds:\s*([0-9eE.+-]+)`)
	timeRe     = regexp.MustCompile(`([A-Z][a-z]{2} \d{1,2} \d{4}\s+\d{2}:\d{2}:\d{2})`)
	serialRe   = regexp.MustCompile(`^\* (.*?) SN\s*=\s*(\S+)`)
	nmeaRe     = regexp.MustCompile(`^\* NMEA (Latitude|Longitude)\s*=\s*(\d+)\s+([0-9.]+)\s+([NSEW])`)
	softwareRe = regexp.MustCompile(`(?i)software version\s*[=:]?\s*(.+)$`)
	spacesRe   = regexp.MustCompile(`\s+`)
)

// startTimeLayout matches header timestamps like "Oct 15 2023 13:40:44".
const startTimeLayout = "Jan 2 2006 15:04:05"

// Options configures the parser.
type Options struct {
	// MaxLineBytes bounds a single line. Lines beyond it fail the file.
	MaxLineBytes int
}

// DefaultOptions returns default parser options.
func DefaultOptions() Options {
	return Options{
		MaxLineBytes: 1024 * 1024,
	}
}

// Parse reads the header from r and returns a lazy iterator over the data
// rows. The header must declare at least one channel; otherwise the file is
// rejected as a whole.
func Parse(r io.Reader, source string, opts Options) (*HeaderMetadata, *RowIter, error) {
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultOptions().MaxLineBytes
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), opts.MaxLineBytes)

	header := &HeaderMetadata{
		SourceFile:    source,
		Metadata:      make(map[string]string),
		SerialNumbers: make(map[string]string),
		NValues:       -1,
	}

	var pending string
	pendingLine := 0
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "*") && !strings.HasPrefix(line, "#") {
			// First data line. Keep it for the iterator.
			pending = line
			pendingLine = lineNo
			break
		}
		parseHeaderLine(header, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, ierrors.Wrap(ierrors.ErrHeaderMissing, err.Error())
	}

	if len(header.Channels) == 0 {
		return nil, nil, ierrors.Wrapf(ierrors.ErrNoChannels, "%s", source)
	}

	it := &RowIter{
		scanner:     scanner,
		header:      header,
		pending:     pending,
		pendingLine: pendingLine,
		lineNo:      lineNo,
	}
	return header, it, nil
}

// ParseFile opens path and parses it. The returned iterator owns the file
// handle; Close must be called when iteration ends.
func ParseFile(path string, opts Options) (*HeaderMetadata, *RowIter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, ierrors.Wrap(ierrors.ErrHeaderMissing, err.Error())
	}

	header, it, err := Parse(f, path, opts)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	it.closer = f
	return header, it, nil
}

func parseHeaderLine(h *HeaderMetadata, line string) {
	switch {
	case nameRe.MatchString(line):
		m := nameRe.FindStringSubmatch(line)
		h.Channels = append(h.Channels, Channel{
			Name:        strings.TrimSpace(m[2]),
			Description: strings.TrimSpace(m[3]),
		})

	case spanRe.MatchString(line):
		m := spanRe.FindStringSubmatch(line)
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 0 || idx >= len(h.Channels) {
			h.RawLines = append(h.RawLines, line)
			return
		}
		lo, err1 := strconv.ParseFloat(m[2], 64)
		hi, err2 := strconv.ParseFloat(m[3], 64)
		if err1 != nil || err2 != nil {
			h.RawLines = append(h.RawLines, line)
			return
		}
		h.Channels[idx].Span = &[2]float64{lo, hi}

	case nvaluesRe.MatchString(line):
		m := nvaluesRe.FindStringSubmatch(line)
		if n, err := strconv.Atoi(m[1]); err == nil {
			h.NValues = n
		}

	case intervalRe.MatchString(line):
		m := intervalRe.FindStringSubmatch(line)
		if sec, err := strconv.ParseFloat(m[1], 64); err == nil && sec > 0 {
			h.SampleInterval = time.Duration(sec * float64(time.Second))
		}

	case strings.HasPrefix(line, "*"):
		parseStarLine(h, line)

	default:
		// Unrecognized '#' line, e.g. "# file_type = ascii" or "*END*".
		if h.StartTime.IsZero() && strings.Contains(line, "start_time") {
			if ts, ok := extractTime(line); ok {
				h.StartTime = ts
				return
			}
		}
		h.RawLines = append(h.RawLines, line)
	}
}

func parseStarLine(h *HeaderMetadata, line string) {
	if m := serialRe.FindStringSubmatch(line); m != nil {
		h.SerialNumbers[strings.TrimSpace(m[1])] = m[2]
		return
	}

	if m := nmeaRe.FindStringSubmatch(line); m != nil {
		deg, err1 := strconv.ParseFloat(m[2], 64)
		min, err2 := strconv.ParseFloat(m[3], 64)
		if err1 == nil && err2 == nil {
			v := deg + min/60
			if m[4] == "S" || m[4] == "W" {
				v = -v
			}
			if m[1] == "Latitude" {
				h.Latitude = &v
			} else {
				h.Longitude = &v
			}
		}
		return
	}

	if m := softwareRe.FindStringSubmatch(line); m != nil && h.SoftwareVersion == "" {
		h.SoftwareVersion = strings.TrimSpace(strings.Trim(m[1], ","))
		return
	}

	// Start time comes from "System UTC" or "NMEA UTC" lines.
	if h.StartTime.IsZero() &&
		(strings.Contains(line, "System UTC") || strings.Contains(line, "NMEA UTC")) {
		if ts, ok := extractTime(line); ok {
			h.StartTime = ts
		}
	}

	// "* key = value" metadata, kept verbatim.
	if i := strings.Index(line, "="); i > 0 {
		key := strings.TrimSpace(strings.TrimLeft(line[:i], "* "))
		val := strings.TrimSpace(line[i+1:])
		if key != "" {
			h.Metadata[key] = val
			return
		}
	}

	h.RawLines = append(h.RawLines, line)
}

func extractTime(line string) (time.Time, bool) {
	m := timeRe.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, false
	}
	normalized := spacesRe.ReplaceAllString(m[1], " ")
	ts, err := time.Parse(startTimeLayout, normalized)
	if err != nil {
		return time.Time{}, false
	}
	// Header timestamps are UTC by convention.
	return ts.UTC(), true
}

// =============================================================================
// Row Iterator
// =============================================================================

// RowIter lazily yields data rows. It is finite and single-pass; restarting
// requires re-parsing the file.
type RowIter struct {
	scanner *bufio.Scanner
	header  *HeaderMetadata
	closer  io.Closer

	pending     string
	pendingLine int
	lineNo      int

	rows      int
	rowErrors int
	lastErr   error
	done      bool
}

// Next returns the next valid data row. Malformed lines are counted in
// RowErrors and skipped. The second return value is false when the input
// is exhausted.
func (it *RowIter) Next() (RawRecord, bool) {
	for {
		line, lineNo, ok := it.nextLine()
		if !ok {
			it.done = true
			return RawRecord{}, false
		}

		rec, err := it.parseDataLine(line, lineNo)
		if err != nil {
			it.rowErrors++
			log.Debug("malformed data line skipped",
				"source_file", it.header.SourceFile,
				"line", lineNo,
				"error", err)
			continue
		}

		it.rows++
		return rec, true
	}
}

func (it *RowIter) nextLine() (string, int, bool) {
	if it.pending != "" {
		line, lineNo := it.pending, it.pendingLine
		it.pending = ""
		return line, lineNo, true
	}

	for it.scanner.Scan() {
		it.lineNo++
		line := strings.TrimSpace(it.scanner.Text())
		if line == "" {
			continue
		}
		return line, it.lineNo, true
	}
	if err := it.scanner.Err(); err != nil {
		it.lastErr = ierrors.Wrap(ierrors.ErrFileParse, err.Error())
	}
	return "", 0, false
}

func (it *RowIter) parseDataLine(line string, lineNo int) (RawRecord, error) {
	fields := strings.Fields(line)
	if len(fields) != len(it.header.Channels) {
		return RawRecord{}, fmt.Errorf("%w: got %d tokens, want %d",
			ierrors.ErrFieldCount, len(fields), len(it.header.Channels))
	}

	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return RawRecord{}, fmt.Errorf("%w: column %d %q",
				ierrors.ErrNonNumericToken, i, f)
		}
		values[i] = v
	}

	return RawRecord{Values: values, Line: lineNo}, nil
}

// Err returns the first I/O error hit during iteration, or, after an
// exhausted iteration that produced no valid rows but saw malformed ones,
// a file-level error.
func (it *RowIter) Err() error {
	if it.lastErr != nil {
		return it.lastErr
	}
	if it.done && it.rows == 0 && it.rowErrors > 0 {
		return ierrors.Wrapf(ierrors.ErrNoValidRows,
			"%s: %d malformed rows", it.header.SourceFile, it.rowErrors)
	}
	return nil
}

// Rows returns the number of valid rows yielded so far.
func (it *RowIter) Rows() int { return it.rows }

// RowErrors returns the number of malformed lines skipped so far.
func (it *RowIter) RowErrors() int { return it.rowErrors }

// Close releases the underlying file handle, when the iterator owns one.
func (it *RowIter) Close() error {
	if it.closer != nil {
		return it.closer.Close()
	}
	return nil
}

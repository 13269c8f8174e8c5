package cnv

import "time"

// Channel is one declared data column.
type Channel struct {
	// Name is the instrument channel name, e.g. "t090C" or "sal00".
	Name string

	// Description is the free-text channel description from the header.
	Description string

	// Span is the declared (min, max) value range, when present.
	Span *[2]float64
}

// HeaderMetadata holds everything parsed from the header section of a file.
type HeaderMetadata struct {
	// SourceFile identifies the file the header came from.
	SourceFile string

	// Channels is the ordered channel list. It fixes the column count and
	// order for every data line.
	Channels []Channel

	// Metadata holds "* key = value" header lines, keyed verbatim.
	Metadata map[string]string

	// SerialNumbers maps instrument names to serial numbers ("* ... SN = x").
	SerialNumbers map[string]string

	// SoftwareVersion is the acquisition software version, when declared.
	SoftwareVersion string

	// RawLines preserves header lines that matched no known key, verbatim.
	RawLines []string

	// StartTime is the absolute acquisition start time (UTC). Zero when the
	// header declared none.
	StartTime time.Time

	// SampleInterval is the nominal time between scans. Zero when unknown.
	SampleInterval time.Duration

	// NValues is the declared data-line count, or -1 when absent.
	NValues int

	// Latitude and Longitude are the initial NMEA position hints, when present.
	Latitude  *float64
	Longitude *float64
}

// ChannelIndex returns the column index of the named channel, or -1.
func (h *HeaderMetadata) ChannelIndex(name string) int {
	for i, c := range h.Channels {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// RawRecord is one parsed scan line: one numeric value per declared channel,
// in declared order.
type RawRecord struct {
	// Values holds one value per channel, ordered as in the header.
	Values []float64

	// Line is the 1-based line number of the scan in the source file.
	Line int
}

// Value returns the value of the named channel, resolved through the header.
func (r RawRecord) Value(h *HeaderMetadata, name string) (float64, bool) {
	i := h.ChannelIndex(name)
	if i < 0 || i >= len(r.Values) {
		return 0, false
	}
	return r.Values[i], true
}

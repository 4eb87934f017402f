// Package logs decodes the side-channel produced by script(1) inside build
// pods. The builder runs with --log-out logs.txt --log-timing timings.txt;
// pairing the two files back up yields timestamped output segments.
package logs

import (
	"strconv"
	"strings"
	"time"
)

// TimestampFormat renders ISO-8601 with an explicit +00:00 offset. The
// explicit offset (rather than Z) is part of the output contract.
const TimestampFormat = "2006-01-02T15:04:05.000000+00:00"

// Entry is one decoded timing record: when a burst of output happened and how
// many bytes it covered. Length is signed; negative lengths are cursor
// adjustments, not output.
type Entry struct {
	Timestamp string
	Length    int
}

// IntroOffset returns the byte length of the first line of logs plus one for
// the terminator. Reading from this offset skips the "Script started on ..."
// banner that script(1) prepends.
func IntroOffset(logs string) int {
	idx := strings.IndexByte(logs, '\n')
	if idx < 0 {
		return len(logs)
	}
	return idx + 1
}

// ParseTiming decodes a timing file. Each non-empty line is "<seconds> <length>"
// where seconds is the wall-clock delta since start. Malformed lines are
// skipped.
func ParseTiming(timings string, start time.Time) []Entry {
	entries := []Entry{}
	for _, line := range strings.Split(timings, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			continue
		}

		seconds, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			continue
		}
		length, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}

		ts := start.Add(time.Duration(seconds*1e6) * time.Microsecond)
		entries = append(entries, Entry{
			Timestamp: ts.UTC().Format(TimestampFormat),
			Length:    length,
		})
	}
	return entries
}

// Slice extracts the segment an entry covers. The slice size is |length|; the
// signed length advances the cursor, so negative entries rewind it. Out of
// range reads clamp to the available bytes.
func Slice(logs string, intro, cursor, length int) (string, int) {
	size := length
	if size < 0 {
		size = -size
	}

	from := intro + cursor
	to := from + size
	if from < 0 {
		from = 0
	}
	if from > len(logs) {
		from = len(logs)
	}
	if to > len(logs) {
		to = len(logs)
	}

	return logs[from:to], cursor + length
}

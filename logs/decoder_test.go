package logs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntroOffset(t *testing.T) {
	assert.Equal(t, 29, IntroOffset("Script started on 2024-05-01\nhello"))
	assert.Equal(t, 1, IntroOffset("\nbody"))
	// no terminator at all: the whole content is banner
	assert.Equal(t, 6, IntroOffset("banner"))
	assert.Equal(t, 0, IntroOffset(""))
}

func TestParseTiming(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	entries := ParseTiming("0.5 5\n1.25 -3\n\n2 10\n", start)
	require.Len(t, entries, 3)

	assert.Equal(t, "2024-05-01T12:00:00.500000+00:00", entries[0].Timestamp)
	assert.Equal(t, 5, entries[0].Length)

	assert.Equal(t, "2024-05-01T12:00:01.250000+00:00", entries[1].Timestamp)
	assert.Equal(t, -3, entries[1].Length)

	assert.Equal(t, "2024-05-01T12:00:02.000000+00:00", entries[2].Timestamp)
	assert.Equal(t, 10, entries[2].Length)
}

func TestParseTimingSkipsMalformed(t *testing.T) {
	start := time.Now()
	entries := ParseTiming("not a line\n0.1 3 extra\nabc 4\n0.2 xyz\n0.3 2\n", start)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Length)
}

func TestSliceWalksTheLog(t *testing.T) {
	content := "Script started on 2024-05-01\nhello world"
	intro := IntroOffset(content)

	seg, cursor := Slice(content, intro, 0, 6)
	assert.Equal(t, "hello ", seg)
	assert.Equal(t, 6, cursor)

	seg, cursor = Slice(content, intro, cursor, 5)
	assert.Equal(t, "world", seg)
	assert.Equal(t, 11, cursor)
}

func TestSliceNegativeLengthRewinds(t *testing.T) {
	content := "banner\nabcdef"
	intro := IntroOffset(content)

	seg, cursor := Slice(content, intro, 4, -2)
	assert.Equal(t, "ef", seg)
	assert.Equal(t, 2, cursor)
}

func TestSliceClampsOutOfRange(t *testing.T) {
	content := "banner\nab"
	intro := IntroOffset(content)

	seg, cursor := Slice(content, intro, 0, 10)
	assert.Equal(t, "ab", seg)
	assert.Equal(t, 10, cursor)
}

package version

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/versdb/pkg/index"
)

func TestDeltaRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		old  string
		new  string
	}{
		{"append row", "key|value\na|1\n", "key|value\na|1\nb|2\n"},
		{"change row", "key|value\na|1\nb|2\n", "key|value\na|9\nb|2\n"},
		{"delete row", "key|value\na|1\nb|2\n", "key|value\nb|2\n"},
		{"from empty", "", "key|value\na|1\n"},
		{"to empty", "key|value\na|1\n", ""},
		{"identical", "key|value\na|1\n", "key|value\na|1\n"},
		{"no trailing newline", "a|1", "a|1\nb|2"},
		{"both empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta, err := GenerateDelta([]byte(tt.old), []byte(tt.new))
			require.NoError(t, err)

			got, err := ApplyDelta([]byte(tt.old), delta)
			require.NoError(t, err)
			assert.Equal(t, tt.new, string(got))
		})
	}
}

func TestDeltaDeterministic(t *testing.T) {
	old := []byte("a|1\nb|2\nc|3\n")
	new := []byte("a|1\nb|9\nc|3\n")

	d1, err := GenerateDelta(old, new)
	require.NoError(t, err)
	d2, err := GenerateDelta(old, new)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestDeltaCompactForSmallEdits(t *testing.T) {
	var old string
	for i := 0; i < 1000; i++ {
		old += fmt.Sprintf("key%04d|value%d\n", i, i)
	}
	new := old + "extra|row\n"

	delta, err := GenerateDelta([]byte(old), []byte(new))
	require.NoError(t, err)
	assert.Less(t, len(delta), 100, "one-row append should not encode the whole table")
}

func TestApplyDeltaRejectsWrongBase(t *testing.T) {
	delta, err := GenerateDelta([]byte("a\nb\nc\n"), []byte("a\nx\nc\n"))
	require.NoError(t, err)

	_, err = ApplyDelta([]byte("a\n"), delta)
	require.Error(t, err)
	var failed *ErrDeltaApplicationFailed
	assert.ErrorAs(t, err, &failed)
}

func TestApplyDeltaRejectsGarbage(t *testing.T) {
	_, err := ApplyDelta([]byte("a\n"), []byte("not a delta"))
	var failed *ErrDeltaApplicationFailed
	assert.ErrorAs(t, err, &failed)
}

func TestEntryLineRoundTrip(t *testing.T) {
	e := &Entry{
		Timestamp:   1736860900000000000,
		ActionCode:  2,
		UserCode:    7,
		BaseVersion: 1736860800000000000,
		Size:        2500,
		Rows:        15,
		Hash:        HashDelta([]byte("delta")),
		FrameID:     "frame-1",
	}

	parsed, err := ParseEntry(e.String(), 1)
	require.NoError(t, err)
	assert.Equal(t, e, parsed)
}

func TestParseEntryRejectsBadLines(t *testing.T) {
	tests := []string{
		"not enough fields",
		"x|2|7|0|1|1|" + HashDelta(nil) + "|",
		"1|2|7|0|1|1|shorthash|",
	}
	for _, line := range tests {
		_, err := ParseEntry(line, 3)
		require.Error(t, err, "line %q", line)
		var corrupted *ErrLogCorrupted
		require.ErrorAs(t, err, &corrupted)
		assert.Equal(t, 3, corrupted.Line)
	}
}

func TestLogAppendRead(t *testing.T) {
	dir := t.TempDir()
	l := NewLog(dir)

	delta1, _ := GenerateDelta(nil, []byte("key|value\na|1\n"))
	e1 := &Entry{Timestamp: 100, ActionCode: 5, UserCode: 0, Size: int64(len(delta1)), Rows: 1, Hash: HashDelta(delta1)}
	require.NoError(t, l.Append(e1, delta1))

	delta2, _ := GenerateDelta([]byte("key|value\na|1\n"), []byte("key|value\na|2\n"))
	e2 := &Entry{Timestamp: 200, ActionCode: 2, UserCode: 1, BaseVersion: 100, Size: int64(len(delta2)), Rows: 1, Hash: HashDelta(delta2)}
	require.NoError(t, l.Append(e2, delta2))

	entries, err := l.Read()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(100), entries[0].Timestamp)
	assert.Equal(t, int64(200), entries[1].Timestamp)

	// Stored deltas verify against their recorded hashes.
	got, err := l.Delta(&entries[1])
	require.NoError(t, err)
	assert.Equal(t, delta2, got)
}

func TestLogDeltaHashMismatch(t *testing.T) {
	dir := t.TempDir()
	l := NewLog(dir)

	delta, _ := GenerateDelta(nil, []byte("a\n"))
	e := &Entry{Timestamp: 100, ActionCode: 5, Size: int64(len(delta)), Rows: 1, Hash: HashDelta(delta)}
	require.NoError(t, l.Append(e, delta))

	// Corrupt the stored delta.
	path := filepath.Join(dir, "deltas", "100.delta")
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	_, err := l.Delta(e)
	require.Error(t, err)
	var corrupted *ErrDeltaCorrupted
	require.ErrorAs(t, err, &corrupted)
	assert.Equal(t, int64(100), corrupted.Timestamp)
}

func TestLogValidate(t *testing.T) {
	dir := t.TempDir()
	l := NewLog(dir)

	delta, _ := GenerateDelta(nil, []byte("a\n"))
	e := &Entry{Timestamp: 100, ActionCode: 5, Size: int64(len(delta)), Rows: 1, Hash: HashDelta(delta)}
	require.NoError(t, l.Append(e, delta))

	report, err := l.Validate()
	require.NoError(t, err)
	assert.True(t, report.IsHealthy())
	assert.Equal(t, 1, report.ValidEntries)

	// A tampered delta shows up as corruption.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deltas", "100.delta"), []byte("x"), 0o644))
	report, err = l.Validate()
	require.NoError(t, err)
	assert.False(t, report.IsHealthy())
	assert.Equal(t, []int{1}, report.CorruptedLines)
}

func TestVersionIndices(t *testing.T) {
	factory := index.NewFactory(t.TempDir(), index.Config{Backend: index.BackendBTree, BTreeOrder: 8})
	x, err := OpenIndices(factory)
	require.NoError(t, err)
	defer x.Close()

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC).UnixNano()
	require.NoError(t, x.Insert(1, base, "frame-a"))
	require.NoError(t, x.Insert(2, base+int64(time.Hour), "frame-a"))
	require.NoError(t, x.Insert(3, base+2*int64(time.Hour), ""))
	// Duplicate insert is suppressed.
	require.NoError(t, x.Insert(1, base, "frame-a"))

	ids, err := x.QueryTimestampRange(FormatTimestamp(base), FormatTimestamp(base+int64(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ids)

	ids, err = x.QueryFrame("frame-a")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ids)

	ids, err = x.QueryFrame("missing")
	require.NoError(t, err)
	assert.Empty(t, ids)

	all, err := x.GetAllTimestamps()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, FormatTimestamp(base), all[0])
}

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageRoundTrip(t *testing.T) {
	p := NewPage(NodeLeaf)
	p.Header.NumKeys = 7
	p.Header.NextPage = 42
	copy(p.Data[:], []byte("hello page"))

	raw := p.Marshal()
	require.Len(t, raw, PageSize)

	got, err := UnmarshalPage(3, raw)
	require.NoError(t, err)
	assert.Equal(t, NodeLeaf, got.Header.NodeType)
	assert.Equal(t, uint16(7), got.Header.NumKeys)
	assert.Equal(t, PageID(42), got.Header.NextPage)
	assert.Equal(t, p.Data, got.Data)
}

func TestPageCorruption(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(raw []byte)
	}{
		{"bad magic", func(raw []byte) { raw[0] = 0xFF }},
		{"bad node type", func(raw []byte) { raw[4] = 9 }},
		{"flipped data bit", func(raw []byte) { raw[PageHeaderSize+10] ^= 0x01 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPage(NodeInternal)
			copy(p.Data[:], []byte("payload"))
			raw := p.Marshal()
			tt.mutate(raw)

			_, err := UnmarshalPage(1, raw)
			require.Error(t, err)
			var corrupted *ErrCorruptedIndex
			assert.ErrorAs(t, err, &corrupted)
			assert.Equal(t, PageID(1), corrupted.PageID)
		})
	}
}

func TestPagerAllocateReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.btree")
	p, err := OpenPager(path)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 0, p.Len())

	id, err := p.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, PageID(0), id)
	assert.Equal(t, 1, p.Len())

	page := NewPage(NodeLeaf)
	copy(page.Data[:], []byte("row data"))
	require.NoError(t, p.WritePage(id, page))
	require.NoError(t, p.Sync())

	got, err := p.ReadPage(id)
	require.NoError(t, err)
	assert.Equal(t, page.Data, got.Data)
}

func TestPagerPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.btree")

	p, err := OpenPager(path)
	require.NoError(t, err)
	id, err := p.AllocatePage()
	require.NoError(t, err)
	page := NewPage(NodeLeaf)
	copy(page.Data[:], []byte("persisted"))
	require.NoError(t, p.WritePage(id, page))
	require.NoError(t, p.Sync())
	require.NoError(t, p.Close())

	p2, err := OpenPager(path)
	require.NoError(t, err)
	defer p2.Close()
	got, err := p2.ReadPage(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got.Data[:9])
}

func TestPagerReadBeyondEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.btree")
	p, err := OpenPager(path)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.ReadPage(99)
	var corrupted *ErrCorruptedIndex
	assert.ErrorAs(t, err, &corrupted)
}

func TestWalAppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenWAL(path)
	require.NoError(t, err)

	require.NoError(t, w.AppendInsert([]byte("a"), []byte("1")))
	require.NoError(t, w.AppendInsert([]byte("b"), []byte("2")))
	require.NoError(t, w.AppendDelete([]byte("a")))
	require.NoError(t, w.Close())

	w2, err := OpenWAL(path)
	require.NoError(t, err)
	defer w2.Close()

	recs, err := w2.Replay()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, RecordInsert, recs[0].Type)
	assert.Equal(t, []byte("a"), recs[0].Key)
	assert.Equal(t, RecordDelete, recs[2].Type)
}

func TestWalCheckpointCutsReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenWAL(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendInsert([]byte("a"), []byte("1")))
	require.NoError(t, w.Checkpoint())
	require.NoError(t, w.AppendInsert([]byte("b"), []byte("2")))

	recs, err := w.Replay()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("b"), recs[0].Key)
}

func TestWalTailCorruptionTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenWAL(path)
	require.NoError(t, err)
	require.NoError(t, w.AppendInsert([]byte("a"), []byte("1")))
	require.NoError(t, w.AppendInsert([]byte("b"), []byte("2")))
	require.NoError(t, w.Close())

	// Flip a bit in the last record's CRC.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	w2, err := OpenWAL(path)
	require.NoError(t, err)
	defer w2.Close()

	recs, err := w2.Replay()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("a"), recs[0].Key)
}

func TestWalInteriorCorruptionFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenWAL(path)
	require.NoError(t, err)
	require.NoError(t, w.AppendInsert([]byte("aaaa"), []byte("1111")))
	firstLen := w.Size()
	require.NoError(t, w.AppendInsert([]byte("bbbb"), []byte("2222")))
	require.NoError(t, w.Close())

	// Corrupt the first record while the second stays valid.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[firstLen-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	w2, err := OpenWAL(path)
	require.NoError(t, err)
	defer w2.Close()

	_, err = w2.Replay()
	require.Error(t, err)
	var recovery *ErrWalRecoveryFailed
	assert.ErrorAs(t, err, &recovery)
}

func TestWalRejectsConcurrentOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenWAL(path)
	require.NoError(t, err)
	defer w.Close()

	_, err = OpenWAL(path)
	require.Error(t, err)
	var locked *ErrFileLocked
	assert.ErrorAs(t, err, &locked)
}

package index

import (
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendsUnderTest opens one index per backend against a temp dir.
func backendsUnderTest(t *testing.T) map[string]Index {
	t.Helper()
	dir := t.TempDir()

	bt, err := NewBTreeIndex(filepath.Join(dir, "test.btree"), 8)
	require.NoError(t, err)
	bg, err := NewBadgerIndex(filepath.Join(dir, "badger"), false)
	require.NoError(t, err)

	return map[string]Index{
		"hash":   NewHashIndex(),
		"btree":  bt,
		"badger": bg,
	}
}

func TestBackendsPointOperations(t *testing.T) {
	for name, idx := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			defer idx.Close()

			require.NoError(t, idx.Insert("page", EncodeRows([]int{0, 5})))
			require.NoError(t, idx.Insert("api", EncodeRows([]int{10})))

			val, ok, err := idx.Get("page")
			require.NoError(t, err)
			require.True(t, ok)
			rows, err := DecodeRows(val)
			require.NoError(t, err)
			assert.Equal(t, []int{0, 5}, rows)

			_, ok, err = idx.Get("missing")
			require.NoError(t, err)
			assert.False(t, ok)

			// Overwrite on equal key.
			require.NoError(t, idx.Insert("page", EncodeRows([]int{7})))
			val, ok, err = idx.Get("page")
			require.NoError(t, err)
			require.True(t, ok)
			rows, _ = DecodeRows(val)
			assert.Equal(t, []int{7}, rows)

			require.NoError(t, idx.Delete("page"))
			_, ok, err = idx.Get("page")
			require.NoError(t, err)
			assert.False(t, ok)

			// Deleting an absent key is a no-op.
			require.NoError(t, idx.Delete("page"))
		})
	}
}

func TestHashRangeUnsupported(t *testing.T) {
	h := NewHashIndex()
	_, err := h.Range("a", "z")
	require.Error(t, err)
	var unsupported *ErrOperationUnsupported
	assert.ErrorAs(t, err, &unsupported)
	assert.Equal(t, BackendHash, unsupported.Backend)
}

func TestOrderedBackendsRange(t *testing.T) {
	for name, idx := range backendsUnderTest(t) {
		if idx.BackendType() == BackendHash {
			idx.Close()
			continue
		}
		t.Run(name, func(t *testing.T) {
			defer idx.Close()

			for _, k := range []string{"aa", "ab", "ba", "bb"} {
				require.NoError(t, idx.Insert(k, []byte(k)))
			}
			entries, err := idx.Range("a", "b")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "aa", entries[0].Key)
			assert.Equal(t, "ab", entries[1].Key)
		})
	}
}

func TestIterYieldsAll(t *testing.T) {
	for name, idx := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			defer idx.Close()

			keys := []string{"c", "a", "b"}
			for _, k := range keys {
				require.NoError(t, idx.Insert(k, []byte("v")))
			}
			entries, err := idx.Iter()
			require.NoError(t, err)
			got := make([]string, len(entries))
			for i, e := range entries {
				got[i] = e.Key
			}
			sort.Strings(got)
			assert.Equal(t, []string{"a", "b", "c"}, got)
		})
	}
}

func TestBackendMetadata(t *testing.T) {
	idxs := backendsUnderTest(t)
	defer func() {
		for _, idx := range idxs {
			idx.Close()
		}
	}()

	h := idxs["hash"]
	require.NoError(t, h.Insert("k", []byte("v")))
	assert.Equal(t, BackendHash, h.BackendType())
	assert.Greater(t, h.MemoryUsage(), int64(0))
	assert.Equal(t, int64(0), h.DiskUsage())

	bt := idxs["btree"]
	require.NoError(t, bt.Insert("k", []byte("v")))
	assert.Equal(t, BackendBTree, bt.BackendType())
	assert.Greater(t, bt.DiskUsage(), int64(0))
}

func TestFactorySelectsBackend(t *testing.T) {
	dir := t.TempDir()

	idx, err := New(Config{Backend: BackendHash})
	require.NoError(t, err)
	assert.Equal(t, BackendHash, idx.BackendType())
	idx.Close()

	idx, err = New(Config{Backend: BackendBTree, PersistPath: filepath.Join(dir, "x.btree")})
	require.NoError(t, err)
	assert.Equal(t, BackendBTree, idx.BackendType())
	idx.Close()

	_, err = New(Config{Backend: BackendBTree})
	var invalid *ErrInvalidConfig
	assert.ErrorAs(t, err, &invalid)

	_, err = New(Config{Backend: "bogus"})
	assert.ErrorAs(t, err, &invalid)
}

func TestFactoryBTreeOrderValidation(t *testing.T) {
	dir := t.TempDir()
	_, err := NewBTreeIndex(filepath.Join(dir, "x.btree"), 2)
	require.Error(t, err)
}

func TestFactoryVariantPlacement(t *testing.T) {
	dir := t.TempDir()
	f := NewFactory(dir, Config{Backend: BackendBTree, BTreeOrder: 8})

	idx, err := f.ForVariant(VariantNamespace)
	require.NoError(t, err)
	defer idx.Close()
	require.NoError(t, idx.Insert("page", EncodeRows([]int{1})))

	assert.FileExists(t, filepath.Join(dir, "namespace.btree"))
	assert.FileExists(t, filepath.Join(dir, "namespace.wal"))
}

func TestBTreePersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.btree")

	idx, err := NewBTreeIndex(path, 8)
	require.NoError(t, err)
	require.NoError(t, idx.Insert("k", EncodeRows([]int{3, 9})))
	require.NoError(t, idx.Close())

	idx2, err := NewBTreeIndex(path, 8)
	require.NoError(t, err)
	defer idx2.Close()
	val, ok, err := idx2.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	rows, _ := DecodeRows(val)
	assert.Equal(t, []int{3, 9}, rows)
}

func TestRowCodec(t *testing.T) {
	rows := []int{0, 1, 42, 100000}
	decoded, err := DecodeRows(EncodeRows(rows))
	require.NoError(t, err)
	assert.Equal(t, rows, decoded)

	_, err = DecodeRows([]byte{1, 2, 3})
	assert.Error(t, err)

	decoded, err = DecodeRows(nil)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

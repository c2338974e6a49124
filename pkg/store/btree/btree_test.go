package btree

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestTree(t *testing.T, order uint16) (*BPlusTree, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.btree")
	o, err := NewOrder(order)
	require.NoError(t, err)
	tree, err := Open(path, o)
	require.NoError(t, err)
	return tree, path
}

func TestOrderValidation(t *testing.T) {
	for _, v := range []uint16{3, 100, 1000} {
		_, err := NewOrder(v)
		assert.NoError(t, err, "order %d", v)
	}
	for _, v := range []uint16{0, 1, 2} {
		_, err := NewOrder(v)
		var invalid *ErrInvalidOrder
		assert.ErrorAs(t, err, &invalid, "order %d", v)
	}

	o, _ := NewOrder(100)
	assert.Equal(t, 100, o.MaxKeys())
	assert.Equal(t, 50, o.MinKeys())
	o, _ = NewOrder(3)
	assert.Equal(t, 1, o.MinKeys())
}

func TestInsertGet(t *testing.T) {
	tree, _ := openTestTree(t, 4)
	defer tree.Close()

	require.NoError(t, tree.Insert("page.title", []byte("Willkommen")))

	val, ok, err := tree.Get("page.title")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("Willkommen"), val)

	_, ok, err = tree.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertOverwrites(t *testing.T) {
	tree, _ := openTestTree(t, 4)
	defer tree.Close()

	require.NoError(t, tree.Insert("k", []byte("v1")))
	require.NoError(t, tree.Insert("k", []byte("v2")))

	val, ok, err := tree.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), val)
	assert.Equal(t, 1, tree.Count())
}

func TestInsertManySplits(t *testing.T) {
	tree, _ := openTestTree(t, 4)
	defer tree.Close()

	n := 500
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i)
		require.NoError(t, tree.Insert(key, []byte(fmt.Sprintf("val-%d", i))))
	}
	assert.Equal(t, n, tree.Count())

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i)
		val, ok, err := tree.Get(key)
		require.NoError(t, err)
		require.True(t, ok, "key %s", key)
		assert.Equal(t, []byte(fmt.Sprintf("val-%d", i)), val)
	}

	// Height stays within the B+-Tree bound for half-full nodes.
	bound := int(math.Ceil(math.Log(float64(n))/math.Log(2))) + 1
	assert.LessOrEqual(t, tree.Height(), bound)
}

func TestRange(t *testing.T) {
	tree, _ := openTestTree(t, 4)
	defer tree.Close()

	for _, k := range []string{"bb", "aa", "ba", "ab"} {
		require.NoError(t, tree.Insert(k, []byte("x"))) // insertion order is arbitrary
	}

	entries, err := tree.Range("a", "b")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "aa", entries[0].Key)
	assert.Equal(t, "ab", entries[1].Key)
}

func TestRangeInclusiveBounds(t *testing.T) {
	tree, _ := openTestTree(t, 4)
	defer tree.Close()

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, tree.Insert(k, []byte(k)))
	}

	entries, err := tree.Range("b", "c")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Key)
	assert.Equal(t, "c", entries[1].Key)
}

func TestRangeEmptyWhenLoAboveHi(t *testing.T) {
	tree, _ := openTestTree(t, 4)
	defer tree.Close()

	require.NoError(t, tree.Insert("a", []byte("1")))
	entries, err := tree.Range("z", "a")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRangeAscendingAcrossLeaves(t *testing.T) {
	tree, _ := openTestTree(t, 3)
	defer tree.Close()

	keys := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		keys = append(keys, fmt.Sprintf("k%05d", i))
	}
	rand.New(rand.NewSource(1)).Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for _, k := range keys {
		require.NoError(t, tree.Insert(k, []byte("v")))
	}

	entries, err := tree.Range("k00010", "k00100")
	require.NoError(t, err)
	require.Len(t, entries, 91)
	assert.True(t, sort.SliceIsSorted(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	}))
	assert.Equal(t, "k00010", entries[0].Key)
	assert.Equal(t, "k00100", entries[len(entries)-1].Key)
}

func TestDelete(t *testing.T) {
	tree, _ := openTestTree(t, 4)
	defer tree.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Insert(fmt.Sprintf("k%03d", i), []byte("v")))
	}
	for i := 0; i < 100; i += 2 {
		require.NoError(t, tree.Delete(fmt.Sprintf("k%03d", i)))
	}
	assert.Equal(t, 50, tree.Count())

	for i := 0; i < 100; i++ {
		_, ok, err := tree.Get(fmt.Sprintf("k%03d", i))
		require.NoError(t, err)
		assert.Equal(t, i%2 == 1, ok, "key k%03d", i)
	}
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	tree, _ := openTestTree(t, 4)
	defer tree.Close()

	require.NoError(t, tree.Insert("a", []byte("1")))
	require.NoError(t, tree.Delete("zzz"))
	assert.Equal(t, 1, tree.Count())
}

func TestDeleteAll(t *testing.T) {
	tree, _ := openTestTree(t, 3)
	defer tree.Close()

	for i := 0; i < 64; i++ {
		require.NoError(t, tree.Insert(fmt.Sprintf("k%02d", i), []byte("v")))
	}
	for i := 0; i < 64; i++ {
		require.NoError(t, tree.Delete(fmt.Sprintf("k%02d", i)))
	}
	assert.Equal(t, 0, tree.Count())
	assert.Equal(t, 0, tree.Height())

	require.NoError(t, tree.Insert("again", []byte("1")))
	val, ok, err := tree.Get("again")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), val)
}

func TestIterAllAscending(t *testing.T) {
	tree, _ := openTestTree(t, 4)
	defer tree.Close()

	for _, k := range []string{"m", "a", "z", "f"} {
		require.NoError(t, tree.Insert(k, []byte(k)))
	}
	entries, err := tree.All()
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, []string{"a", "f", "m", "z"},
		[]string{entries[0].Key, entries[1].Key, entries[2].Key, entries[3].Key})
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.btree")
	o, _ := NewOrder(8)

	tree, err := Open(path, o)
	require.NoError(t, err)
	for i := 0; i < 300; i++ {
		require.NoError(t, tree.Insert(fmt.Sprintf("k%04d", i), []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, tree.Close())

	tree2, err := Open(path, o)
	require.NoError(t, err)
	defer tree2.Close()
	assert.Equal(t, 300, tree2.Count())
	for i := 0; i < 300; i++ {
		val, ok, err := tree2.Get(fmt.Sprintf("k%04d", i))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte(fmt.Sprintf("v%d", i)), val)
	}
}

func TestLargeValuesOverflow(t *testing.T) {
	tree, _ := openTestTree(t, 4)
	defer tree.Close()

	big := make([]byte, 10_000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.NoError(t, tree.Insert("big", big))
	require.NoError(t, tree.Insert("small", []byte("s")))

	val, ok, err := tree.Get("big")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, val)

	// Overwrite shrinks back to an inline value.
	require.NoError(t, tree.Insert("big", []byte("now small")))
	val, ok, err = tree.Get("big")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("now small"), val)
}

func TestCrashRecoveryFromWal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.btree")
	o, _ := NewOrder(16)

	tree, err := Open(path, o)
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		require.NoError(t, tree.Insert(fmt.Sprintf("k%05d", i), []byte(fmt.Sprintf("v%d", i))))
	}
	// Crash: drop the instance without checkpointing.
	require.NoError(t, tree.closeFiles())

	// The data file loses its last page; the WAL survives.
	info, err := os.Stat(path)
	require.NoError(t, err)
	if info.Size() >= 4096 {
		require.NoError(t, os.Truncate(path, info.Size()-4096))
	}

	tree2, err := Open(path, o)
	require.NoError(t, err)
	defer tree2.Close()

	assert.Equal(t, 1000, tree2.Count())
	for i := 0; i < 1000; i++ {
		val, ok, err := tree2.Get(fmt.Sprintf("k%05d", i))
		require.NoError(t, err)
		require.True(t, ok, "key k%05d", i)
		assert.Equal(t, []byte(fmt.Sprintf("v%d", i)), val)
	}
}

func TestRandomizedAgainstMap(t *testing.T) {
	tree, _ := openTestTree(t, 5)
	defer tree.Close()

	rng := rand.New(rand.NewSource(42))
	model := make(map[string]string)
	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("k%03d", rng.Intn(400))
		switch rng.Intn(3) {
		case 0, 1:
			val := fmt.Sprintf("v%d", i)
			require.NoError(t, tree.Insert(key, []byte(val)))
			model[key] = val
		case 2:
			require.NoError(t, tree.Delete(key))
			delete(model, key)
		}
	}

	assert.Equal(t, len(model), tree.Count())
	for k, v := range model {
		val, ok, err := tree.Get(k)
		require.NoError(t, err)
		require.True(t, ok, "key %s", k)
		assert.Equal(t, []byte(v), val)
	}

	entries, err := tree.All()
	require.NoError(t, err)
	assert.Len(t, entries, len(model))
	assert.True(t, sort.SliceIsSorted(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	}))
}

func BenchmarkInsert(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.btree")
	o, _ := NewOrder(100)
	tree, err := Open(path, o)
	if err != nil {
		b.Fatal(err)
	}
	defer tree.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = tree.Insert(fmt.Sprintf("key-%09d", i), []byte("value"))
	}
}

func BenchmarkGet(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.btree")
	o, _ := NewOrder(100)
	tree, err := Open(path, o)
	if err != nil {
		b.Fatal(err)
	}
	defer tree.Close()

	for i := 0; i < 10_000; i++ {
		_ = tree.Insert(fmt.Sprintf("key-%06d", i), []byte("value"))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = tree.Get(fmt.Sprintf("key-%06d", i%10_000))
	}
}

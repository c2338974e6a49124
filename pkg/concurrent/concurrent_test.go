package concurrent

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseLock(t *testing.T) {
	base := t.TempDir()

	lock, err := AcquireLock(base, "text", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "text", lock.Table())
	require.NoError(t, lock.Release())

	// Re-acquirable after release.
	lock2, err := AcquireLock(base, "text", time.Second)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestLockTimeout(t *testing.T) {
	base := t.TempDir()

	held, err := AcquireLock(base, "text", time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := AcquireLock(base, "text", 100*time.Millisecond)
		done <- err
	}()

	err = <-done
	require.Error(t, err)
	var timeout *ErrLockTimeout
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "text", timeout.Table)
	assert.Equal(t, uint64(0), timeout.TimeoutSecs)

	// After release the second writer succeeds.
	require.NoError(t, held.Release())
	lock, err := AcquireLock(base, "text", time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestLocksAreIndependentPerTable(t *testing.T) {
	base := t.TempDir()

	a, err := AcquireLock(base, "table-a", time.Second)
	require.NoError(t, err)
	defer a.Release()

	b, err := AcquireLock(base, "table-b", 200*time.Millisecond)
	require.NoError(t, err)
	defer b.Release()
}

func TestQueueFIFO(t *testing.T) {
	base := t.TempDir()

	for i := 0; i < 3; i++ {
		_, err := Enqueue(base, "text", &PendingWrite{
			Rows:      []PendingRow{{Key: fmt.Sprintf("k%d", i), Values: []string{"v"}}},
			Timestamp: time.Now().UnixNano(),
			Operation: OpInsert,
		})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond) // distinct mtimes
	}

	count, err := CountPending(base, "text")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	for i := 0; i < 3; i++ {
		id, w, ok, err := NextPending(base, "text")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("k%d", i), w.Rows[0].Key)
		require.NoError(t, Remove(base, "text", id))
	}

	_, _, ok, err := NextPending(base, "text")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueCapacity(t *testing.T) {
	base := t.TempDir()

	for i := 0; i < QueueCapacity; i++ {
		_, err := Enqueue(base, "text", &PendingWrite{Operation: OpInsert, Timestamp: int64(i)})
		require.NoError(t, err)
	}

	_, err := Enqueue(base, "text", &PendingWrite{Operation: OpInsert})
	require.Error(t, err)
	var full *ErrQueueFull
	require.ErrorAs(t, err, &full)
	assert.Equal(t, QueueCapacity, full.Size)
}

func TestDrainerProcessesQueue(t *testing.T) {
	base := t.TempDir()

	var mu sync.Mutex
	var got []string
	d := NewDrainer(base, "text", func(table string, w *PendingWrite) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, w.Rows[0].Key)
		return nil
	})

	for i := 0; i < 5; i++ {
		_, err := Enqueue(base, "text", &PendingWrite{
			Rows:      []PendingRow{{Key: fmt.Sprintf("k%d", i)}},
			Timestamp: time.Now().UnixNano(),
			Operation: OpUpdate,
		})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, d.DrainAll())
	assert.Equal(t, []string{"k0", "k1", "k2", "k3", "k4"}, got)

	count, err := CountPending(base, "text")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDrainerBackground(t *testing.T) {
	base := t.TempDir()

	processed := make(chan string, 8)
	d := NewDrainer(base, "text", func(table string, w *PendingWrite) error {
		processed <- w.Rows[0].Key
		return nil
	})
	d.Start()
	defer d.Stop()

	_, err := Enqueue(base, "text", &PendingWrite{
		Rows:      []PendingRow{{Key: "bg"}},
		Timestamp: time.Now().UnixNano(),
		Operation: OpInsert,
	})
	require.NoError(t, err)

	select {
	case key := <-processed:
		assert.Equal(t, "bg", key)
	case <-time.After(3 * time.Second):
		t.Fatal("drainer never processed the queued write")
	}
}

// Package concurrent implements the per-table write coordination: an
// advisory filesystem lock guarding mutation, and a bounded on-disk queue
// of deferred writes drained FIFO by a background consumer.
package concurrent

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockPollInterval is how often a blocked writer retries the lock.
const lockPollInterval = 100 * time.Millisecond

// ---- 并发层领域错误 ----

// ErrLockTimeout reports a write lock that stayed held past the timeout.
type ErrLockTimeout struct {
	Table       string
	TimeoutSecs uint64
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("timed out acquiring write lock for table %s after %ds", e.Table, e.TimeoutSecs)
}

// ErrQueueFull reports a pending-write queue at capacity.
type ErrQueueFull struct {
	Table string
	Size  int
}

func (e *ErrQueueFull) Error() string {
	return fmt.Sprintf("write queue for table %s is full (%d pending)", e.Table, e.Size)
}

// ErrInvalidQueueFile reports an unreadable pending-write file.
type ErrInvalidQueueFile struct {
	Path   string
	Reason string
}

func (e *ErrInvalidQueueFile) Error() string {
	return fmt.Sprintf("invalid queue file %s: %s", e.Path, e.Reason)
}

// TableLock is a held advisory lock; Release drops it. The zero value is
// not usable.
type TableLock struct {
	fl    *flock.Flock
	table string
}

// Table returns the locked table name.
func (l *TableLock) Table() string { return l.table }

// Release drops the lock. Safe to call once.
func (l *TableLock) Release() error {
	return l.fl.Unlock()
}

// AcquireLock takes the exclusive write lock of a table, polling every
// 100ms up to timeout. Readers never lock: they see consistent state
// because writers replace the current file by atomic rename.
func AcquireLock(basePath, table string, timeout time.Duration) (*TableLock, error) {
	lockPath := filepath.Join(basePath, "tables", table, "write.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create table dir: %w", err)
	}

	fl := flock.New(lockPath)
	deadline := time.Now().Add(timeout)

	for {
		held, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire write lock: %w", err)
		}
		if held {
			return &TableLock{fl: fl, table: table}, nil
		}
		if time.Now().After(deadline) {
			return nil, &ErrLockTimeout{Table: table, TimeoutSecs: uint64(timeout.Seconds())}
		}
		time.Sleep(lockPollInterval)
	}
}

package concurrent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// QueueCapacity bounds the pending writes per table.
const QueueCapacity = 100

// WriteOperation 写操作类型
type WriteOperation string

const (
	OpInsert WriteOperation = "insert"
	OpUpdate WriteOperation = "update"
	OpDelete WriteOperation = "delete"
)

// PendingRow is one queued row: key plus ordered column values.
type PendingRow struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}

// PendingWrite is a deferred mutation parked while the table lock was
// held. Stored as JSON under tables/<name>/queue/<uuid>.pending.
type PendingWrite struct {
	Rows      []PendingRow   `json:"rows"`
	Timestamp int64          `json:"timestamp"` // Unix 纳秒
	Operation WriteOperation `json:"operation"`
}

func queueDir(basePath, table string) string {
	return filepath.Join(basePath, "tables", table, "queue")
}

// Enqueue parks a write, failing with ErrQueueFull at capacity.
func Enqueue(basePath, table string, w *PendingWrite) (string, error) {
	dir := queueDir(basePath, table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create queue dir: %w", err)
	}

	size, err := CountPending(basePath, table)
	if err != nil {
		return "", err
	}
	if size >= QueueCapacity {
		return "", &ErrQueueFull{Table: table, Size: size}
	}

	id := uuid.New().String()
	raw, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("marshal pending write: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, id+".pending"), raw, 0o644); err != nil {
		return "", fmt.Errorf("write queue file: %w", err)
	}
	return id, nil
}

// NextPending returns the oldest queued write, or ok=false on an empty
// queue.
func NextPending(basePath, table string) (string, *PendingWrite, bool, error) {
	dir := queueDir(basePath, table)
	names, err := pendingFiles(dir)
	if err != nil || len(names) == 0 {
		return "", nil, false, err
	}

	path := filepath.Join(dir, names[0])
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil, false, &ErrInvalidQueueFile{Path: path, Reason: err.Error()}
	}
	var w PendingWrite
	if err := json.Unmarshal(raw, &w); err != nil {
		return "", nil, false, &ErrInvalidQueueFile{Path: path, Reason: err.Error()}
	}
	return strings.TrimSuffix(names[0], ".pending"), &w, true, nil
}

// Remove drops a drained queue entry.
func Remove(basePath, table, id string) error {
	path := filepath.Join(queueDir(basePath, table), id+".pending")
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove queue file: %w", err)
	}
	return nil
}

// CountPending returns the queue depth.
func CountPending(basePath, table string) (int, error) {
	names, err := pendingFiles(queueDir(basePath, table))
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// pendingFiles lists .pending files oldest first (mtime, then name for
// same-instant writes).
func pendingFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue dir: %w", err)
	}

	type pending struct {
		name string
		mod  int64
	}
	var files []pending
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".pending") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, pending{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod != files[j].mod {
			return files[i].mod < files[j].mod
		}
		return files[i].name < files[j].name
	})

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.name
	}
	return out, nil
}

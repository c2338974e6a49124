// Package indices implements the smart-index layer: a namespace index,
// four modifier indices, and a hierarchy trie, combined by the Builder
// into composite structured-key queries answered by sorted set
// intersection.
package indices

import (
	"sync"

	"github.com/kasuganosora/versdb/pkg/core"
)

// NamespaceIndex maps the first path segment to row ordinals.
type NamespaceIndex struct {
	mu sync.RWMutex
	m  map[string][]int
}

// NewNamespaceIndex 创建命名空间索引
func NewNamespaceIndex() *NamespaceIndex {
	return &NamespaceIndex{m: make(map[string][]int)}
}

// Build rebuilds the index from scratch. O(n).
func (n *NamespaceIndex) Build(keys []core.KeyIndex) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.m = make(map[string][]int, len(n.m))
	for _, ki := range keys {
		n.m[ki.Namespace] = append(n.m[ki.Namespace], ki.Row)
	}
}

// Query returns the rows of a namespace; nil when absent.
func (n *NamespaceIndex) Query(namespace string) []int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	rows, ok := n.m[namespace]
	if !ok {
		return nil
	}
	return append([]int(nil), rows...)
}

// Insert adds one key.
func (n *NamespaceIndex) Insert(ki *core.KeyIndex) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.m[ki.Namespace] = append(n.m[ki.Namespace], ki.Row)
}

// Remove drops a row from every namespace list.
func (n *NamespaceIndex) Remove(row int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ns, rows := range n.m {
		n.m[ns] = removeRow(rows, row)
	}
}

// NamespaceCount returns the number of distinct namespaces.
func (n *NamespaceIndex) NamespaceCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.m)
}

// MemoryUsage estimates index memory in bytes.
func (n *NamespaceIndex) MemoryUsage() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var size int64
	for k, rows := range n.m {
		size += int64(len(k)) + 24 + int64(len(rows))*8 + 24
	}
	return size
}

// Clear drops all entries.
func (n *NamespaceIndex) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.m = make(map[string][]int)
}

func removeRow(rows []int, row int) []int {
	out := rows[:0]
	for _, r := range rows {
		if r != row {
			out = append(out, r)
		}
	}
	return out
}

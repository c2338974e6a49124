package indices

import (
	"sync"

	"github.com/kasuganosora/versdb/pkg/core"
)

// Wildcard is the pattern segment matching any single segment, or all
// descendants when it is the last pattern segment.
const Wildcard = "*"

// trieNode holds the rows whose hierarchy ends exactly at this path.
type trieNode struct {
	rows     []int
	children map[string]*trieNode
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// HierarchyTrie answers hierarchical pattern queries in O(d) for exact
// paths, where d is the pattern depth.
type HierarchyTrie struct {
	mu   sync.RWMutex
	root *trieNode
}

// NewHierarchyTrie 创建层级前缀树
func NewHierarchyTrie() *HierarchyTrie {
	return &HierarchyTrie{root: newTrieNode()}
}

// Build rebuilds the trie from scratch. O(n*d).
func (h *HierarchyTrie) Build(keys []core.KeyIndex) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.root = newTrieNode()
	for i := range keys {
		h.insertLocked(&keys[i])
	}
}

// Insert adds one key.
func (h *HierarchyTrie) Insert(ki *core.KeyIndex) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.insertLocked(ki)
}

func (h *HierarchyTrie) insertLocked(ki *core.KeyIndex) {
	node := h.root
	for _, seg := range ki.Hierarchy {
		child, ok := node.children[seg]
		if !ok {
			child = newTrieNode()
			node.children[seg] = child
		}
		node = child
	}
	node.rows = append(node.rows, ki.Row)
}

// Remove drops a row from every node.
func (h *HierarchyTrie) Remove(row int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	removeFromSubtree(h.root, row)
}

func removeFromSubtree(node *trieNode, row int) {
	node.rows = removeRow(node.rows, row)
	for _, child := range node.children {
		removeFromSubtree(child, row)
	}
}

// Query matches a pattern of segments against the trie.
//
// A terminal "*" matches all descendants of the preceding path; a
// non-terminal "*" matches exactly one segment. Without wildcards the
// result is the rows at exactly that path.
func (h *HierarchyTrie) Query(pattern []string) []int {
	if len(pattern) == 0 {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return queryNode(h.root, pattern)
}

func queryNode(node *trieNode, pattern []string) []int {
	if len(pattern) == 0 {
		return append([]int(nil), node.rows...)
	}

	seg := pattern[0]
	if seg == Wildcard {
		if len(pattern) == 1 {
			// Terminal wildcard: every descendant, anchor excluded.
			var out []int
			for _, child := range node.children {
				out = append(out, collectSubtree(child)...)
			}
			return out
		}
		var out []int
		for _, child := range node.children {
			out = append(out, queryNode(child, pattern[1:])...)
		}
		return out
	}

	child, ok := node.children[seg]
	if !ok {
		return nil
	}
	return queryNode(child, pattern[1:])
}

func collectSubtree(node *trieNode) []int {
	out := append([]int(nil), node.rows...)
	for _, child := range node.children {
		out = append(out, collectSubtree(child)...)
	}
	return out
}

// NodeCount returns the number of trie nodes.
func (h *HierarchyTrie) NodeCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return countNodes(h.root)
}

func countNodes(node *trieNode) int {
	n := 1
	for _, child := range node.children {
		n += countNodes(child)
	}
	return n
}

// MemoryUsage estimates trie memory in bytes.
func (h *HierarchyTrie) MemoryUsage() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return nodeMemory(h.root)
}

func nodeMemory(node *trieNode) int64 {
	size := int64(len(node.rows))*8 + 24
	for seg, child := range node.children {
		size += int64(len(seg)) + 24
		size += nodeMemory(child)
	}
	return size
}

// Clear drops all entries.
func (h *HierarchyTrie) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.root = newTrieNode()
}

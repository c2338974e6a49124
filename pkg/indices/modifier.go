package indices

import (
	"sync"

	"github.com/kasuganosora/versdb/pkg/core"
)

// ModifierIndex maps one modifier category's values to row ordinals. The
// same implementation serves language, environment, season and variant
// via an extractor function.
type ModifierIndex struct {
	mu      sync.RWMutex
	m       map[string][]int
	extract func(*core.KeyIndex) string
}

// NewModifierIndex 创建修饰符索引
func NewModifierIndex(extract func(*core.KeyIndex) string) *ModifierIndex {
	return &ModifierIndex{m: make(map[string][]int), extract: extract}
}

// NewLanguageIndex indexes the language modifier.
func NewLanguageIndex() *ModifierIndex {
	return NewModifierIndex(func(ki *core.KeyIndex) string { return ki.Modifiers.Language })
}

// NewEnvironmentIndex indexes the environment modifier.
func NewEnvironmentIndex() *ModifierIndex {
	return NewModifierIndex(func(ki *core.KeyIndex) string { return ki.Modifiers.Environment })
}

// NewSeasonIndex indexes the season modifier.
func NewSeasonIndex() *ModifierIndex {
	return NewModifierIndex(func(ki *core.KeyIndex) string { return ki.Modifiers.Season })
}

// NewVariantIndex indexes the variant modifier.
func NewVariantIndex() *ModifierIndex {
	return NewModifierIndex(func(ki *core.KeyIndex) string { return ki.Modifiers.Variant })
}

// Build rebuilds the index from scratch.
func (m *ModifierIndex) Build(keys []core.KeyIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m = make(map[string][]int, len(m.m))
	for i := range keys {
		if v := m.extract(&keys[i]); v != "" {
			m.m[v] = append(m.m[v], keys[i].Row)
		}
	}
}

// Query returns the rows carrying a modifier value; nil when absent.
func (m *ModifierIndex) Query(value string) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.m[value]
	if !ok {
		return nil
	}
	return append([]int(nil), rows...)
}

// Insert adds one key, if it carries this category's modifier.
func (m *ModifierIndex) Insert(ki *core.KeyIndex) {
	if v := m.extract(ki); v != "" {
		m.mu.Lock()
		m.m[v] = append(m.m[v], ki.Row)
		m.mu.Unlock()
	}
}

// Remove drops a row from every value list.
func (m *ModifierIndex) Remove(row int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for v, rows := range m.m {
		m.m[v] = removeRow(rows, row)
	}
}

// ValueCount returns the number of distinct modifier values.
func (m *ModifierIndex) ValueCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// MemoryUsage estimates index memory in bytes.
func (m *ModifierIndex) MemoryUsage() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var size int64
	for k, rows := range m.m {
		size += int64(len(k)) + 24 + int64(len(rows))*8 + 24
	}
	return size
}

// Clear drops all entries.
func (m *ModifierIndex) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m = make(map[string][]int)
}

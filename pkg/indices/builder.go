package indices

import (
	"sort"
	"strings"
	"sync"

	"github.com/kasuganosora/versdb/pkg/core"
	"github.com/kasuganosora/versdb/pkg/index"
)

// QueryFilter is a composite structured-key predicate. Zero-value fields
// impose no restriction.
type QueryFilter struct {
	Namespace   string   `json:"namespace,omitempty"`
	Language    string   `json:"language,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Season      string   `json:"season,omitempty"`
	Variant     string   `json:"variant,omitempty"`
	Hierarchy   []string `json:"hierarchy,omitempty"`
}

// IsEmpty reports whether the filter restricts nothing.
func (f *QueryFilter) IsEmpty() bool {
	return f.Namespace == "" && f.Language == "" && f.Environment == "" &&
		f.Season == "" && f.Variant == "" && len(f.Hierarchy) == 0
}

// Builder owns every sub-index of one table and answers composite queries
// by sorted set intersection. All index structures are derived from the
// current table content and rebuildable at any moment.
//
// When a persistent factory is configured, the flat sub-indices are
// mirrored write-through into factory-produced indices so they survive
// restarts; the in-memory structures stay authoritative for queries.
type Builder struct {
	mu        sync.RWMutex
	namespace *NamespaceIndex
	language  *ModifierIndex
	env       *ModifierIndex
	season    *ModifierIndex
	variant   *ModifierIndex
	hierarchy *HierarchyTrie
	rows      map[int]string // row ordinal -> key, the universe

	mirror map[index.Variant]index.Index
}

// NewBuilder 创建索引管理器
func NewBuilder() *Builder {
	return &Builder{
		namespace: NewNamespaceIndex(),
		language:  NewLanguageIndex(),
		env:       NewEnvironmentIndex(),
		season:    NewSeasonIndex(),
		variant:   NewVariantIndex(),
		hierarchy: NewHierarchyTrie(),
		rows:      make(map[int]string),
	}
}

// NewPersistentBuilder mirrors the flat sub-indices through factory-built
// backends.
func NewPersistentBuilder(factory *index.Factory) (*Builder, error) {
	b := NewBuilder()
	b.mirror = make(map[index.Variant]index.Index)
	for _, v := range []index.Variant{
		index.VariantNamespace, index.VariantLanguage, index.VariantEnvironment,
		index.VariantSeason, index.VariantVariant, index.VariantHierarchy,
	} {
		idx, err := factory.ForVariant(v)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.mirror[v] = idx
	}
	return b, nil
}

// Build rebuilds every sub-index from the full key set. O(n*d).
func (b *Builder) Build(keys []core.KeyIndex) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.namespace.Build(keys)
	b.language.Build(keys)
	b.env.Build(keys)
	b.season.Build(keys)
	b.variant.Build(keys)
	b.hierarchy.Build(keys)

	b.rows = make(map[int]string, len(keys))
	for i := range keys {
		b.rows[keys[i].Row] = keys[i].Key
	}
	return b.syncMirror(keys)
}

// Insert applies one new key to every sub-index.
func (b *Builder) Insert(ki *core.KeyIndex) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.namespace.Insert(ki)
	b.language.Insert(ki)
	b.env.Insert(ki)
	b.season.Insert(ki)
	b.variant.Insert(ki)
	b.hierarchy.Insert(ki)
	b.rows[ki.Row] = ki.Key
	return b.mirrorInsert(ki)
}

// Remove drops a row ordinal from every sub-index.
func (b *Builder) Remove(row int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.namespace.Remove(row)
	b.language.Remove(row)
	b.env.Remove(row)
	b.season.Remove(row)
	b.variant.Remove(row)
	b.hierarchy.Remove(row)
	delete(b.rows, row)
	return b.mirrorRemove(row)
}

// Update replaces the key at oldRow with the new key.
func (b *Builder) Update(oldRow int, ki *core.KeyIndex) error {
	if err := b.Remove(oldRow); err != nil {
		return err
	}
	return b.Insert(ki)
}

// Query intersects the result sets of every present predicate and returns
// sorted row ordinals. Any predicate matching nothing empties the result;
// an empty filter returns every row.
func (b *Builder) Query(filter QueryFilter) []int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var sets [][]int
	if filter.Namespace != "" {
		sets = append(sets, b.namespace.Query(filter.Namespace))
	}
	if filter.Language != "" {
		sets = append(sets, b.language.Query(filter.Language))
	}
	if filter.Environment != "" {
		sets = append(sets, b.env.Query(filter.Environment))
	}
	if filter.Season != "" {
		sets = append(sets, b.season.Query(filter.Season))
	}
	if filter.Variant != "" {
		sets = append(sets, b.variant.Query(filter.Variant))
	}
	if len(filter.Hierarchy) > 0 {
		sets = append(sets, b.hierarchy.Query(filter.Hierarchy))
	}

	if len(sets) == 0 {
		all := make([]int, 0, len(b.rows))
		for row := range b.rows {
			all = append(all, row)
		}
		sort.Ints(all)
		return all
	}

	result := sortedUnique(sets[0])
	for _, s := range sets[1:] {
		if len(result) == 0 {
			return []int{}
		}
		result = intersectSorted(result, sortedUnique(s))
	}
	return result
}

// KeyAt returns the key string of a row ordinal.
func (b *Builder) KeyAt(row int) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	k, ok := b.rows[row]
	return k, ok
}

// RowCount returns the number of indexed rows.
func (b *Builder) RowCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rows)
}

// MemoryUsage sums the sub-index estimates.
func (b *Builder) MemoryUsage() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.namespace.MemoryUsage() + b.language.MemoryUsage() +
		b.env.MemoryUsage() + b.season.MemoryUsage() +
		b.variant.MemoryUsage() + b.hierarchy.MemoryUsage()
}

// DiskUsage sums the mirrored backends.
func (b *Builder) DiskUsage() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var size int64
	for _, idx := range b.mirror {
		size += idx.DiskUsage()
	}
	return size
}

// Close releases the mirrored backends.
func (b *Builder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for _, idx := range b.mirror {
		if err := idx.Close(); err != nil && first == nil {
			first = err
		}
	}
	b.mirror = nil
	return first
}

// ---- persistent mirror ----

func (b *Builder) syncMirror(keys []core.KeyIndex) error {
	if b.mirror == nil {
		return nil
	}
	lists := map[index.Variant]map[string][]int{
		index.VariantNamespace:   {},
		index.VariantLanguage:    {},
		index.VariantEnvironment: {},
		index.VariantSeason:      {},
		index.VariantVariant:     {},
		index.VariantHierarchy:   {},
	}
	for i := range keys {
		for v, key := range mirrorKeys(&keys[i]) {
			lists[v][key] = append(lists[v][key], keys[i].Row)
		}
	}
	for v, byKey := range lists {
		idx := b.mirror[v]
		// Drop stale entries from a previous build.
		if existing, err := idx.Iter(); err == nil {
			for _, e := range existing {
				if _, fresh := byKey[e.Key]; !fresh {
					if err := idx.Delete(e.Key); err != nil {
						return err
					}
				}
			}
		}
		for key, rows := range byKey {
			if err := idx.Insert(key, index.EncodeRows(sortedUnique(rows))); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Builder) mirrorInsert(ki *core.KeyIndex) error {
	if b.mirror == nil {
		return nil
	}
	for v, key := range mirrorKeys(ki) {
		idx := b.mirror[v]
		raw, ok, err := idx.Get(key)
		if err != nil {
			return err
		}
		var rows []int
		if ok {
			if rows, err = index.DecodeRows(raw); err != nil {
				return err
			}
		}
		rows = append(rows, ki.Row)
		if err := idx.Insert(key, index.EncodeRows(sortedUnique(rows))); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) mirrorRemove(row int) error {
	if b.mirror == nil {
		return nil
	}
	for _, idx := range b.mirror {
		entries, err := idx.Iter()
		if err != nil {
			return err
		}
		for _, e := range entries {
			rows, err := index.DecodeRows(e.Value)
			if err != nil {
				return err
			}
			filtered := removeRow(rows, row)
			if len(filtered) == len(rows) {
				continue
			}
			if len(filtered) == 0 {
				if err := idx.Delete(e.Key); err != nil {
					return err
				}
			} else if err := idx.Insert(e.Key, index.EncodeRows(filtered)); err != nil {
				return err
			}
		}
	}
	return nil
}

// mirrorKeys maps one parsed key to its entry key per mirrored variant.
func mirrorKeys(ki *core.KeyIndex) map[index.Variant]string {
	out := map[index.Variant]string{
		index.VariantNamespace: ki.Namespace,
		index.VariantHierarchy: strings.Join(ki.Hierarchy, "."),
	}
	if ki.Modifiers.Language != "" {
		out[index.VariantLanguage] = ki.Modifiers.Language
	}
	if ki.Modifiers.Environment != "" {
		out[index.VariantEnvironment] = ki.Modifiers.Environment
	}
	if ki.Modifiers.Season != "" {
		out[index.VariantSeason] = ki.Modifiers.Season
	}
	if ki.Modifiers.Variant != "" {
		out[index.VariantVariant] = ki.Modifiers.Variant
	}
	return out
}

// ---- set helpers ----

func sortedUnique(rows []int) []int {
	if len(rows) == 0 {
		return []int{}
	}
	out := append([]int(nil), rows...)
	sort.Ints(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[i-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

func intersectSorted(a, b []int) []int {
	out := make([]int, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

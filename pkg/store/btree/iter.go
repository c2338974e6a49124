package btree

import (
	"sort"

	"github.com/kasuganosora/versdb/pkg/store"
)

// Cursor lazily walks the leaf chain in ascending key order. Mutating the
// tree during a scan is undefined; callers rely on the coordinator's read
// guarantee.
type Cursor struct {
	tree    *BPlusTree
	leaf    *node
	idx     int
	hasHigh bool
	high    string
	done    bool
}

// Next yields the next entry in range. ok=false marks exhaustion.
func (c *Cursor) Next() (Entry, bool, error) {
	if c.done {
		return Entry{}, false, nil
	}
	for {
		if c.leaf == nil {
			c.done = true
			return Entry{}, false, nil
		}
		if c.idx >= len(c.leaf.keys) {
			if c.leaf.next == store.NilPage {
				c.done = true
				return Entry{}, false, nil
			}
			next, err := c.tree.loadNode(c.leaf.next)
			if err != nil {
				c.done = true
				return Entry{}, false, err
			}
			c.leaf = next
			c.idx = 0
			continue
		}

		key := c.leaf.keys[c.idx]
		if c.hasHigh && key > c.high {
			c.done = true
			return Entry{}, false, nil
		}
		val, err := c.tree.resolveValue(c.leaf.vals[c.idx])
		if err != nil {
			c.done = true
			return Entry{}, false, err
		}
		c.idx++
		return Entry{Key: key, Value: val}, true, nil
	}
}

// RangeScan returns a lazy cursor over [lo, hi], both inclusive. lo > hi
// yields an empty cursor.
func (t *BPlusTree) RangeScan(lo, hi string) (*Cursor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if lo > hi || t.root == store.NilPage {
		return &Cursor{done: true}, nil
	}

	leaf, err := t.descendToLeaf(lo)
	if err != nil {
		return nil, err
	}
	idx := sort.SearchStrings(leaf.keys, lo)
	c := &Cursor{tree: t, leaf: leaf, idx: idx, hasHigh: true, high: hi}
	if idx >= len(leaf.keys) {
		// lo falls past this leaf's keys; the cursor advances to the first
		// leaf whose first key is >= lo on the next call.
		if leaf.next == store.NilPage {
			c.done = true
		}
	}
	return c, nil
}

// Range materialises RangeScan into a slice.
func (t *BPlusTree) Range(lo, hi string) ([]Entry, error) {
	c, err := t.RangeScan(lo, hi)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for {
		e, ok, err := c.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, e)
	}
}

// Iter returns a cursor over all pairs in ascending key order.
func (t *BPlusTree) Iter() (*Cursor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf, err := t.leftmostLeaf()
	if err != nil {
		return nil, err
	}
	if leaf == nil {
		return &Cursor{done: true}, nil
	}
	return &Cursor{tree: t, leaf: leaf, idx: 0}, nil
}

// All materialises Iter into a slice.
func (t *BPlusTree) All() ([]Entry, error) {
	c, err := t.Iter()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for {
		e, ok, err := c.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, e)
	}
}

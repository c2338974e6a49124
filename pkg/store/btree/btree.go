package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kasuganosora/versdb/pkg/store"
)

// BPlusTree is a persistent ordered map over one paged file and its WAL.
//
// Mutations are logged and fsync-ed to the WAL before any page changes;
// changed pages are staged in memory and flushed at checkpoint time (Sync
// and Close). On-disk pages therefore always reflect the last checkpoint,
// and recovery is a logical, idempotent replay of the WAL tail onto that
// state. A single instance owns the file pair at a time, enforced by the
// WAL lock. The tree is safe for concurrent readers with one writer via an
// internal RWMutex; callers needing stronger guarantees hold the table
// coordinator's lock.
type BPlusTree struct {
	mu     sync.RWMutex
	pager  *store.Pager
	wal    *store.WAL
	order  Order
	root   store.PageID
	height int
	count  int
	free   store.PageID
	dirty  map[store.PageID]*store.Page
}

// Open opens (or creates) the tree at path. The WAL lives next to the tree
// file (`name.btree` / `name.wal`). For an existing file the stored order
// wins over the argument.
func Open(path string, order Order) (*BPlusTree, error) {
	pager, err := store.OpenPager(path)
	if err != nil {
		return nil, err
	}
	wal, err := store.OpenWAL(walPath(path))
	if err != nil {
		pager.Close()
		return nil, err
	}

	t := &BPlusTree{
		pager: pager,
		wal:   wal,
		order: order,
		root:  store.NilPage,
		dirty: make(map[store.PageID]*store.Page),
	}

	if pager.Len() == 0 {
		// Establish the empty-tree checkpoint on disk so any crash before
		// the first explicit checkpoint recovers from a valid meta page.
		if _, err := pager.AllocatePage(); err != nil {
			t.closeFiles()
			return nil, err
		}
		if err := pager.WritePage(0, t.metaPage()); err != nil {
			t.closeFiles()
			return nil, err
		}
		if err := pager.Sync(); err != nil {
			t.closeFiles()
			return nil, err
		}
	} else {
		if err := t.readMeta(); err != nil {
			t.closeFiles()
			return nil, err
		}
	}

	if err := t.recover(); err != nil {
		t.closeFiles()
		return nil, err
	}
	return t, nil
}

func walPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".wal"
}

// recover replays WAL records appended after the last checkpoint.
func (t *BPlusTree) recover() error {
	records, err := t.wal.Replay()
	if err != nil {
		return err
	}
	for _, rec := range records {
		switch rec.Type {
		case store.RecordInsert:
			if err := t.apply(string(rec.Key), rec.Value); err != nil {
				return fmt.Errorf("replay insert: %w", err)
			}
		case store.RecordDelete:
			if err := t.applyDelete(string(rec.Key)); err != nil {
				return fmt.Errorf("replay delete: %w", err)
			}
		}
	}
	if len(records) > 0 {
		return t.checkpoint()
	}
	return nil
}

// Get returns the value for key, with ok=false when absent.
func (t *BPlusTree) Get(key string) ([]byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.root == store.NilPage {
		return nil, false, nil
	}
	leaf, err := t.descendToLeaf(key)
	if err != nil {
		return nil, false, err
	}
	i := sort.SearchStrings(leaf.keys, key)
	if i < len(leaf.keys) && leaf.keys[i] == key {
		val, err := t.resolveValue(leaf.vals[i])
		if err != nil {
			return nil, false, err
		}
		return val, true, nil
	}
	return nil, false, nil
}

// Insert stores the pair, overwriting any prior value for an equal key.
func (t *BPlusTree) Insert(key string, value []byte) error {
	if len(key) > maxKeySize {
		return &ErrEntryTooLarge{Key: key, Size: len(key)}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.wal.AppendInsert([]byte(key), value); err != nil {
		return err
	}
	return t.apply(key, value)
}

// Delete removes the key; absent keys are a no-op.
func (t *BPlusTree) Delete(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.wal.AppendDelete([]byte(key)); err != nil {
		return err
	}
	return t.applyDelete(key)
}

// Count returns the number of keys.
func (t *BPlusTree) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Height returns the current tree height (0 for an empty tree).
func (t *BPlusTree) Height() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.height
}

// Order returns the configured tree order.
func (t *BPlusTree) Order() Order {
	return t.order
}

// DiskUsage returns tree file plus WAL size in bytes.
func (t *BPlusTree) DiskUsage() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pager.DiskUsage() + t.wal.Size()
}

// Sync makes all mutations durable: pages flushed, checkpoint logged.
func (t *BPlusTree) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkpoint()
}

func (t *BPlusTree) checkpoint() error {
	t.dirty[0] = t.metaPage()
	for id, page := range t.dirty {
		if err := t.pager.WritePage(id, page); err != nil {
			return err
		}
	}
	if err := t.pager.Sync(); err != nil {
		return err
	}
	if err := t.wal.Checkpoint(); err != nil {
		return err
	}
	t.dirty = make(map[store.PageID]*store.Page)
	return t.wal.Reset()
}

// Close syncs and releases the file pair.
func (t *BPlusTree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkpoint(); err != nil {
		t.closeFiles()
		return err
	}
	return t.closeFiles()
}

func (t *BPlusTree) closeFiles() error {
	err := t.pager.Close()
	if werr := t.wal.Close(); err == nil {
		err = werr
	}
	return err
}

// ---- meta page ----

// meta layout in page 0: root u32 | order u16 | height u16 | count u64 |
// free u32.
func (t *BPlusTree) metaPage() *store.Page {
	p := store.NewPage(store.NodeMeta)
	binary.BigEndian.PutUint32(p.Data[0:4], uint32(t.root))
	binary.BigEndian.PutUint16(p.Data[4:6], t.order.value)
	binary.BigEndian.PutUint16(p.Data[6:8], uint16(t.height))
	binary.BigEndian.PutUint64(p.Data[8:16], uint64(t.count))
	binary.BigEndian.PutUint32(p.Data[16:20], uint32(t.free))
	return p
}

func (t *BPlusTree) readMeta() error {
	p, err := t.pager.ReadPage(0)
	if err != nil {
		return err
	}
	if p.Header.NodeType != store.NodeMeta {
		return &store.ErrCorruptedIndex{PageID: 0, Reason: "page 0 is not a meta page"}
	}
	t.root = store.PageID(binary.BigEndian.Uint32(p.Data[0:4]))
	storedOrder := binary.BigEndian.Uint16(p.Data[4:6])
	if storedOrder >= 3 {
		t.order = Order{value: storedOrder}
	}
	t.height = int(binary.BigEndian.Uint16(p.Data[6:8]))
	t.count = int(binary.BigEndian.Uint64(p.Data[8:16]))
	t.free = store.PageID(binary.BigEndian.Uint32(p.Data[16:20]))
	return nil
}

// ---- page access through the dirty cache ----

func (t *BPlusTree) readPage(id store.PageID) (*store.Page, error) {
	if p, ok := t.dirty[id]; ok {
		return p, nil
	}
	return t.pager.ReadPage(id)
}

func (t *BPlusTree) writePage(id store.PageID, p *store.Page) {
	t.dirty[id] = p
}

func (t *BPlusTree) loadNode(id store.PageID) (*node, error) {
	p, err := t.readPage(id)
	if err != nil {
		return nil, err
	}
	return nodeFromPage(id, p)
}

func (t *BPlusTree) saveNode(n *node) error {
	p, err := n.toPage()
	if err != nil {
		return err
	}
	t.writePage(n.id, p)
	return nil
}

// allocPage pops the free list or grows the file.
func (t *BPlusTree) allocPage() (store.PageID, error) {
	if t.free != store.NilPage {
		id := t.free
		p, err := t.readPage(id)
		if err != nil {
			return 0, err
		}
		t.free = p.Header.NextPage
		return id, nil
	}
	return t.pager.AllocatePage()
}

// freePage pushes a page onto the free list.
func (t *BPlusTree) freePage(id store.PageID) {
	p := store.NewPage(store.NodeOverflow)
	p.Header.NextPage = t.free
	t.writePage(id, p)
	t.free = id
}

// ---- values and overflow chains ----

func (t *BPlusTree) resolveValue(v leafVal) ([]byte, error) {
	if !v.isOverflow() {
		return append([]byte(nil), v.inline...), nil
	}
	out := make([]byte, 0, v.length)
	id := v.overflow
	for id != store.NilPage {
		p, err := t.readPage(id)
		if err != nil {
			return nil, err
		}
		if p.Header.NodeType != store.NodeOverflow {
			return nil, &store.ErrCorruptedIndex{PageID: id, Reason: "overflow chain hits non-overflow page"}
		}
		chunk := int(p.Header.NumKeys)
		out = append(out, p.Data[:chunk]...)
		id = p.Header.NextPage
	}
	if uint32(len(out)) != v.length {
		return nil, fmt.Errorf("overflow chain length mismatch: want %d got %d", v.length, len(out))
	}
	return out, nil
}

func (t *BPlusTree) storeValue(key string, value []byte) (leafVal, error) {
	if len(value) <= maxInlineValue {
		return leafVal{inline: append([]byte(nil), value...)}, nil
	}

	// Chain the value through overflow pages, last chunk first.
	next := store.NilPage
	for off := ((len(value) - 1) / store.PageDataSize) * store.PageDataSize; off >= 0; off -= store.PageDataSize {
		end := off + store.PageDataSize
		if end > len(value) {
			end = len(value)
		}
		id, err := t.allocPage()
		if err != nil {
			return leafVal{}, err
		}
		p := store.NewPage(store.NodeOverflow)
		p.Header.NumKeys = uint16(end - off)
		p.Header.NextPage = next
		copy(p.Data[:], value[off:end])
		t.writePage(id, p)
		next = id
	}
	return leafVal{overflow: next, length: uint32(len(value))}, nil
}

func (t *BPlusTree) releaseValue(v leafVal) error {
	if !v.isOverflow() {
		return nil
	}
	id := v.overflow
	for id != store.NilPage {
		p, err := t.readPage(id)
		if err != nil {
			return err
		}
		next := p.Header.NextPage
		t.freePage(id)
		id = next
	}
	return nil
}

// ---- descent ----

func (t *BPlusTree) descendToLeaf(key string) (*node, error) {
	id := t.root
	for {
		n, err := t.loadNode(id)
		if err != nil {
			return nil, err
		}
		if n.isLeaf() {
			return n, nil
		}
		id = n.children[childIndex(n.keys, key)]
	}
}

// childIndex picks the subtree for key: the first separator greater than
// key bounds it on the right.
func childIndex(keys []string, key string) int {
	return sort.Search(len(keys), func(i int) bool { return keys[i] > key })
}

// leftmostLeaf walks the leftmost spine.
func (t *BPlusTree) leftmostLeaf() (*node, error) {
	if t.root == store.NilPage {
		return nil, nil
	}
	id := t.root
	for {
		n, err := t.loadNode(id)
		if err != nil {
			return nil, err
		}
		if n.isLeaf() {
			return n, nil
		}
		id = n.children[0]
	}
}

// ---- insert ----

// apply performs an insert without WAL logging (used by Insert and replay;
// replay is idempotent because equal keys overwrite).
func (t *BPlusTree) apply(key string, value []byte) error {
	if t.root == store.NilPage {
		id, err := t.allocPage()
		if err != nil {
			return err
		}
		v, err := t.storeValue(key, value)
		if err != nil {
			return err
		}
		leaf := &node{id: id, typ: store.NodeLeaf, keys: []string{key}, vals: []leafVal{v}}
		if !leaf.fits() {
			return &ErrEntryTooLarge{Key: key, Size: leaf.serializedSize()}
		}
		if err := t.saveNode(leaf); err != nil {
			return err
		}
		t.root = id
		t.height = 1
		t.count = 1
		return nil
	}

	split, err := t.insertRec(t.root, key, value)
	if err != nil {
		return err
	}
	if split != nil {
		// Root split: one level higher.
		id, err := t.allocPage()
		if err != nil {
			return err
		}
		newRoot := &node{
			id:       id,
			typ:      store.NodeInternal,
			keys:     []string{split.key},
			children: []store.PageID{t.root, split.right},
		}
		if err := t.saveNode(newRoot); err != nil {
			return err
		}
		t.root = id
		t.height++
	}
	return nil
}

// splitResult propagates a child split to its parent.
type splitResult struct {
	key   string
	right store.PageID
}

func (t *BPlusTree) insertRec(id store.PageID, key string, value []byte) (*splitResult, error) {
	n, err := t.loadNode(id)
	if err != nil {
		return nil, err
	}

	if n.isLeaf() {
		i := sort.SearchStrings(n.keys, key)
		if i < len(n.keys) && n.keys[i] == key {
			// Duplicate keys are updates.
			old := n.vals[i]
			if old.isOverflow() || !bytes.Equal(old.inline, value) {
				v, err := t.storeValue(key, value)
				if err != nil {
					return nil, err
				}
				n.vals[i] = v
				if err := t.releaseValue(old); err != nil {
					return nil, err
				}
			}
			if !n.fits() {
				return t.splitLeaf(n)
			}
			return nil, t.saveNode(n)
		}

		v, err := t.storeValue(key, value)
		if err != nil {
			return nil, err
		}
		n.keys = append(n.keys, "")
		copy(n.keys[i+1:], n.keys[i:])
		n.keys[i] = key
		n.vals = append(n.vals, leafVal{})
		copy(n.vals[i+1:], n.vals[i:])
		n.vals[i] = v
		t.count++

		if len(n.keys) > t.order.MaxKeys() || !n.fits() {
			return t.splitLeaf(n)
		}
		return nil, t.saveNode(n)
	}

	ci := childIndex(n.keys, key)
	split, err := t.insertRec(n.children[ci], key, value)
	if err != nil {
		return nil, err
	}
	if split == nil {
		return nil, nil
	}

	n.keys = append(n.keys, "")
	copy(n.keys[ci+1:], n.keys[ci:])
	n.keys[ci] = split.key
	n.children = append(n.children, store.NilPage)
	copy(n.children[ci+2:], n.children[ci+1:])
	n.children[ci+1] = split.right

	if len(n.keys) > t.order.MaxKeys() || !n.fits() {
		return t.splitInternal(n)
	}
	return nil, t.saveNode(n)
}

// splitLeaf halves an overfull leaf of n keys after its first ceil(n/2)
// keys, links the chain and
// promotes the right leaf's first key. When oversized inline values
// cluster on one side, the split point shifts until both halves fit.
func (t *BPlusTree) splitLeaf(n *node) (*splitResult, error) {
	mid := (len(n.keys) + 1) / 2
	mid = fitSplitPoint(n, mid)
	rightID, err := t.allocPage()
	if err != nil {
		return nil, err
	}

	right := &node{
		id:   rightID,
		typ:  store.NodeLeaf,
		keys: append([]string(nil), n.keys[mid:]...),
		vals: append([]leafVal(nil), n.vals[mid:]...),
		next: n.next,
	}
	n.keys = n.keys[:mid]
	n.vals = n.vals[:mid]
	n.next = rightID

	if err := t.saveNode(right); err != nil {
		return nil, err
	}
	if err := t.saveNode(n); err != nil {
		return nil, err
	}
	return &splitResult{key: right.keys[0], right: rightID}, nil
}

// fitSplitPoint nudges a leaf split point so both halves serialise into
// a page. Entry sizes are bounded well below half a page, so a valid
// point always exists.
func fitSplitPoint(n *node, mid int) int {
	entrySize := func(i int) int {
		size := 2 + len(n.keys[i]) + 1
		if n.vals[i].isOverflow() {
			return size + 8
		}
		return size + 2 + len(n.vals[i].inline)
	}
	prefix := make([]int, len(n.keys)+1)
	for i := range n.keys {
		prefix[i+1] = prefix[i] + entrySize(i)
	}
	total := prefix[len(n.keys)]

	for mid > 1 && prefix[mid] > store.PageDataSize {
		mid--
	}
	for mid < len(n.keys)-1 && total-prefix[mid] > store.PageDataSize {
		mid++
	}
	return mid
}

// splitInternal pushes the middle separator up.
func (t *BPlusTree) splitInternal(n *node) (*splitResult, error) {
	mid := len(n.keys) / 2
	promote := n.keys[mid]

	rightID, err := t.allocPage()
	if err != nil {
		return nil, err
	}
	right := &node{
		id:       rightID,
		typ:      store.NodeInternal,
		keys:     append([]string(nil), n.keys[mid+1:]...),
		children: append([]store.PageID(nil), n.children[mid+1:]...),
	}
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]

	if err := t.saveNode(right); err != nil {
		return nil, err
	}
	if err := t.saveNode(n); err != nil {
		return nil, err
	}
	return &splitResult{key: promote, right: rightID}, nil
}

// ---- delete ----

func (t *BPlusTree) applyDelete(key string) error {
	if t.root == store.NilPage {
		return nil
	}
	removed, _, err := t.deleteRec(t.root, key, true)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	t.count--

	root, err := t.loadNode(t.root)
	if err != nil {
		return err
	}
	if !root.isLeaf() && len(root.keys) == 0 {
		// Collapse a root left with a single child.
		old := t.root
		t.root = root.children[0]
		t.height--
		t.freePage(old)
	} else if root.isLeaf() && len(root.keys) == 0 {
		old := t.root
		t.root = store.NilPage
		t.height = 0
		t.freePage(old)
	}
	return nil
}

// deleteRec removes key under id. Returns whether a key was removed and
// whether the node is now under-full (ignored for the root).
func (t *BPlusTree) deleteRec(id store.PageID, key string, isRoot bool) (removed, underflow bool, err error) {
	n, err := t.loadNode(id)
	if err != nil {
		return false, false, err
	}

	if n.isLeaf() {
		i := sort.SearchStrings(n.keys, key)
		if i >= len(n.keys) || n.keys[i] != key {
			return false, false, nil
		}
		if err := t.releaseValue(n.vals[i]); err != nil {
			return false, false, err
		}
		n.keys = append(n.keys[:i], n.keys[i+1:]...)
		n.vals = append(n.vals[:i], n.vals[i+1:]...)
		if err := t.saveNode(n); err != nil {
			return false, false, err
		}
		return true, !isRoot && len(n.keys) < t.order.MinKeys(), nil
	}

	ci := childIndex(n.keys, key)
	removed, childUnder, err := t.deleteRec(n.children[ci], key, false)
	if err != nil {
		return false, false, err
	}
	if !removed || !childUnder {
		return removed, false, nil
	}

	if err := t.rebalanceChild(n, ci); err != nil {
		return false, false, err
	}
	return true, !isRoot && len(n.keys) < t.order.MinKeys(), nil
}

// rebalanceChild fixes the under-full child at index ci by borrowing from
// a sibling with spare keys, or merging otherwise.
func (t *BPlusTree) rebalanceChild(parent *node, ci int) error {
	child, err := t.loadNode(parent.children[ci])
	if err != nil {
		return err
	}

	// Borrow from the left sibling.
	if ci > 0 {
		left, err := t.loadNode(parent.children[ci-1])
		if err != nil {
			return err
		}
		if len(left.keys) > t.order.MinKeys() {
			t.borrowFromLeft(parent, ci, left, child)
			if err := t.saveNode(left); err != nil {
				return err
			}
			if err := t.saveNode(child); err != nil {
				return err
			}
			return t.saveNode(parent)
		}
	}

	// Borrow from the right sibling.
	if ci < len(parent.children)-1 {
		right, err := t.loadNode(parent.children[ci+1])
		if err != nil {
			return err
		}
		if len(right.keys) > t.order.MinKeys() {
			t.borrowFromRight(parent, ci, child, right)
			if err := t.saveNode(right); err != nil {
				return err
			}
			if err := t.saveNode(child); err != nil {
				return err
			}
			return t.saveNode(parent)
		}
	}

	// Merge with a sibling and drop the separator.
	if ci > 0 {
		left, err := t.loadNode(parent.children[ci-1])
		if err != nil {
			return err
		}
		return t.mergeNodes(parent, ci-1, left, child)
	}
	right, err := t.loadNode(parent.children[ci+1])
	if err != nil {
		return err
	}
	return t.mergeNodes(parent, ci, child, right)
}

func (t *BPlusTree) borrowFromLeft(parent *node, ci int, left, child *node) {
	if child.isLeaf() {
		k := left.keys[len(left.keys)-1]
		v := left.vals[len(left.vals)-1]
		left.keys = left.keys[:len(left.keys)-1]
		left.vals = left.vals[:len(left.vals)-1]
		child.keys = append([]string{k}, child.keys...)
		child.vals = append([]leafVal{v}, child.vals...)
		parent.keys[ci-1] = child.keys[0]
		return
	}
	// Rotate through the parent separator.
	k := left.keys[len(left.keys)-1]
	c := left.children[len(left.children)-1]
	left.keys = left.keys[:len(left.keys)-1]
	left.children = left.children[:len(left.children)-1]
	child.keys = append([]string{parent.keys[ci-1]}, child.keys...)
	child.children = append([]store.PageID{c}, child.children...)
	parent.keys[ci-1] = k
}

func (t *BPlusTree) borrowFromRight(parent *node, ci int, child, right *node) {
	if child.isLeaf() {
		k := right.keys[0]
		v := right.vals[0]
		right.keys = right.keys[1:]
		right.vals = right.vals[1:]
		child.keys = append(child.keys, k)
		child.vals = append(child.vals, v)
		parent.keys[ci] = right.keys[0]
		return
	}
	k := right.keys[0]
	c := right.children[0]
	right.keys = right.keys[1:]
	right.children = right.children[1:]
	child.keys = append(child.keys, parent.keys[ci])
	child.children = append(child.children, c)
	parent.keys[ci] = k
}

// mergeNodes folds right into left and removes the separator at si. When
// oversized inline values make the merged leaf exceed the page, the
// siblings are redistributed instead.
func (t *BPlusTree) mergeNodes(parent *node, si int, left, right *node) error {
	if left.isLeaf() && left.serializedSize()+right.serializedSize() > store.PageDataSize {
		if len(left.keys) > len(right.keys) {
			t.borrowFromLeft(parent, si+1, left, right)
		} else {
			t.borrowFromRight(parent, si, left, right)
		}
		if err := t.saveNode(left); err != nil {
			return err
		}
		if err := t.saveNode(right); err != nil {
			return err
		}
		return t.saveNode(parent)
	}

	if left.isLeaf() {
		left.keys = append(left.keys, right.keys...)
		left.vals = append(left.vals, right.vals...)
		left.next = right.next
	} else {
		left.keys = append(left.keys, parent.keys[si])
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
	}

	parent.keys = append(parent.keys[:si], parent.keys[si+1:]...)
	parent.children = append(parent.children[:si+1], parent.children[si+2:]...)

	if err := t.saveNode(left); err != nil {
		return err
	}
	t.freePage(right.id)
	return t.saveNode(parent)
}

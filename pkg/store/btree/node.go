package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/kasuganosora/versdb/pkg/store"
)

// On-page entry limits. Values above the inline cap are chained through
// overflow pages; keys are never chained.
const (
	maxKeySize     = 512
	maxInlineValue = 1024
)

// leafVal is a leaf slot: either inline bytes or a reference to an
// overflow chain.
type leafVal struct {
	inline   []byte
	overflow store.PageID
	length   uint32
}

func (v leafVal) isOverflow() bool { return v.overflow != store.NilPage }

// node is the in-memory form of an internal or leaf page.
type node struct {
	id       store.PageID
	typ      store.NodeType
	keys     []string
	vals     []leafVal      // leaf only
	children []store.PageID // internal only
	next     store.PageID   // leaf chain
}

func (n *node) isLeaf() bool { return n.typ == store.NodeLeaf }

// serializedSize computes the on-page byte size of the node.
func (n *node) serializedSize() int {
	size := 0
	if n.isLeaf() {
		for i, k := range n.keys {
			size += 2 + len(k) + 1
			if n.vals[i].isOverflow() {
				size += 8
			} else {
				size += 2 + len(n.vals[i].inline)
			}
		}
		return size
	}
	size += 4 * len(n.children)
	for _, k := range n.keys {
		size += 2 + len(k)
	}
	return size
}

func (n *node) fits() bool {
	return n.serializedSize() <= store.PageDataSize
}

// toPage serialises the node into a page.
func (n *node) toPage() (*store.Page, error) {
	p := store.NewPage(n.typ)
	p.Header.NumKeys = uint16(len(n.keys))
	p.Header.NextPage = n.next

	buf := p.Data[:0]
	if n.isLeaf() {
		for i, k := range n.keys {
			buf = append16(buf, uint16(len(k)))
			buf = append(buf, k...)
			v := n.vals[i]
			if v.isOverflow() {
				buf = append(buf, 1)
				buf = append32(buf, uint32(v.overflow))
				buf = append32(buf, v.length)
			} else {
				buf = append(buf, 0)
				buf = append16(buf, uint16(len(v.inline)))
				buf = append(buf, v.inline...)
			}
		}
	} else {
		for _, c := range n.children {
			buf = append32(buf, uint32(c))
		}
		for _, k := range n.keys {
			buf = append16(buf, uint16(len(k)))
			buf = append(buf, k...)
		}
	}
	if len(buf) > store.PageDataSize {
		return nil, fmt.Errorf("node %d overflows page: %d bytes", n.id, len(buf))
	}
	return p, nil
}

// nodeFromPage parses a page back into its in-memory form.
func nodeFromPage(id store.PageID, p *store.Page) (*node, error) {
	n := &node{id: id, typ: p.Header.NodeType, next: p.Header.NextPage}
	count := int(p.Header.NumKeys)
	raw := p.Data[:]
	off := 0

	read16 := func() (uint16, error) {
		if off+2 > len(raw) {
			return 0, &store.ErrCorruptedIndex{PageID: id, Reason: "truncated node data"}
		}
		v := binary.BigEndian.Uint16(raw[off : off+2])
		off += 2
		return v, nil
	}
	read32 := func() (uint32, error) {
		if off+4 > len(raw) {
			return 0, &store.ErrCorruptedIndex{PageID: id, Reason: "truncated node data"}
		}
		v := binary.BigEndian.Uint32(raw[off : off+4])
		off += 4
		return v, nil
	}

	switch p.Header.NodeType {
	case store.NodeLeaf:
		n.keys = make([]string, 0, count)
		n.vals = make([]leafVal, 0, count)
		for i := 0; i < count; i++ {
			klen, err := read16()
			if err != nil {
				return nil, err
			}
			if off+int(klen) > len(raw) {
				return nil, &store.ErrCorruptedIndex{PageID: id, Reason: "key beyond page"}
			}
			key := string(raw[off : off+int(klen)])
			off += int(klen)

			if off >= len(raw) {
				return nil, &store.ErrCorruptedIndex{PageID: id, Reason: "missing value flag"}
			}
			flag := raw[off]
			off++

			var v leafVal
			if flag == 1 {
				page, err := read32()
				if err != nil {
					return nil, err
				}
				length, err := read32()
				if err != nil {
					return nil, err
				}
				v = leafVal{overflow: store.PageID(page), length: length}
			} else {
				vlen, err := read16()
				if err != nil {
					return nil, err
				}
				if off+int(vlen) > len(raw) {
					return nil, &store.ErrCorruptedIndex{PageID: id, Reason: "value beyond page"}
				}
				v = leafVal{inline: append([]byte(nil), raw[off:off+int(vlen)]...)}
				off += int(vlen)
			}
			n.keys = append(n.keys, key)
			n.vals = append(n.vals, v)
		}

	case store.NodeInternal:
		n.children = make([]store.PageID, 0, count+1)
		for i := 0; i < count+1; i++ {
			c, err := read32()
			if err != nil {
				return nil, err
			}
			n.children = append(n.children, store.PageID(c))
		}
		n.keys = make([]string, 0, count)
		for i := 0; i < count; i++ {
			klen, err := read16()
			if err != nil {
				return nil, err
			}
			if off+int(klen) > len(raw) {
				return nil, &store.ErrCorruptedIndex{PageID: id, Reason: "key beyond page"}
			}
			n.keys = append(n.keys, string(raw[off:off+int(klen)]))
			off += int(klen)
		}

	default:
		return nil, &store.ErrCorruptedIndex{PageID: id, Reason: fmt.Sprintf("unexpected node type %d", p.Header.NodeType)}
	}
	return n, nil
}

func append16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

func append32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

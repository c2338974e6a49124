// Package store implements the fixed-size paged file and its write-ahead
// log. Pages are self-describing (magic + CRC32) and read through a shared
// memory mapping; all multi-byte integers are big-endian.
package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Page geometry. 每页 4 KiB: 32 字节头 + 4064 字节数据.
const (
	PageSize       = 4096
	PageHeaderSize = 32
	PageDataSize   = PageSize - PageHeaderSize

	// Magic identifies a page of this store.
	Magic uint32 = 0xB7EE7EE1
)

// PageID identifies a page within one paged file. 32-bit ids allow 16 TB
// files at 4 KiB pages.
type PageID uint32

// NilPage marks an absent page reference (page 0 is the meta page, so the
// zero value is never a valid node pointer).
const NilPage PageID = 0

// NodeType discriminates page contents.
type NodeType uint8

const (
	// NodeInternal pages hold n keys and n+1 child page ids.
	NodeInternal NodeType = 0
	// NodeLeaf pages hold n key/value pairs and a next-leaf link.
	NodeLeaf NodeType = 1
	// NodeMeta is page 0 of every tree file: root id, order, counters.
	NodeMeta NodeType = 2
	// NodeOverflow pages chain value bytes too large to inline in a leaf.
	NodeOverflow NodeType = 3
)

// PageHeader is the fixed 32-byte page prefix.
//
// Layout: magic u32 | node_type u8 | num_keys u16 | next_page u32 |
// checksum u32 | 17 reserved bytes.
type PageHeader struct {
	Magic    uint32
	NodeType NodeType
	NumKeys  uint16
	NextPage PageID
	Checksum uint32
}

// Page is one fixed-size record of the paged file.
type Page struct {
	Header PageHeader
	Data   [PageDataSize]byte
}

// NewPage returns an empty page of the given type with a valid header.
func NewPage(typ NodeType) *Page {
	return &Page{Header: PageHeader{Magic: Magic, NodeType: typ}}
}

// Marshal serialises the page into a PageSize buffer, stamping the data
// checksum into the header.
func (p *Page) Marshal() []byte {
	buf := make([]byte, PageSize)
	p.Header.Checksum = crc32.ChecksumIEEE(p.Data[:])

	binary.BigEndian.PutUint32(buf[0:4], p.Header.Magic)
	buf[4] = byte(p.Header.NodeType)
	binary.BigEndian.PutUint16(buf[5:7], p.Header.NumKeys)
	binary.BigEndian.PutUint32(buf[7:11], uint32(p.Header.NextPage))
	binary.BigEndian.PutUint32(buf[11:15], p.Header.Checksum)
	copy(buf[PageHeaderSize:], p.Data[:])
	return buf
}

// UnmarshalPage parses and validates a raw page. id is used for error
// context only.
func UnmarshalPage(id PageID, raw []byte) (*Page, error) {
	if len(raw) != PageSize {
		return nil, &ErrCorruptedIndex{PageID: id, Reason: fmt.Sprintf("short page: %d bytes", len(raw))}
	}

	p := &Page{}
	p.Header.Magic = binary.BigEndian.Uint32(raw[0:4])
	p.Header.NodeType = NodeType(raw[4])
	p.Header.NumKeys = binary.BigEndian.Uint16(raw[5:7])
	p.Header.NextPage = PageID(binary.BigEndian.Uint32(raw[7:11]))
	p.Header.Checksum = binary.BigEndian.Uint32(raw[11:15])
	copy(p.Data[:], raw[PageHeaderSize:])

	if p.Header.Magic != Magic {
		return nil, &ErrCorruptedIndex{PageID: id, Reason: fmt.Sprintf("bad magic 0x%08X", p.Header.Magic)}
	}
	switch p.Header.NodeType {
	case NodeInternal, NodeLeaf, NodeMeta, NodeOverflow:
	default:
		return nil, &ErrCorruptedIndex{PageID: id, Reason: fmt.Sprintf("unknown node type %d", p.Header.NodeType)}
	}
	if sum := crc32.ChecksumIEEE(p.Data[:]); sum != p.Header.Checksum {
		return nil, &ErrCorruptedIndex{
			PageID: id,
			Reason: fmt.Sprintf("checksum mismatch: stored 0x%08X computed 0x%08X", p.Header.Checksum, sum),
		}
	}
	return p, nil
}

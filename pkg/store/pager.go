package store

import (
	"fmt"
	"os"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
)

// Pager provides page-granular access to a single file. Reads go through a
// shared read-only memory mapping so memory usage is bounded by the OS page
// cache; writes go through the file descriptor and are made visible by
// remapping after growth.
type Pager struct {
	mu    sync.RWMutex
	path  string
	file  *os.File
	m     mmap.MMap
	pages uint32
}

// OpenPager opens (or creates) the paged file at path.
func OpenPager(path string) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open paged file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat paged file: %w", err)
	}
	if info.Size()%PageSize != 0 {
		// Torn final page from a crash mid-write. Drop the fragment; the
		// WAL replay restores the lost mutation.
		if err := f.Truncate(info.Size() - info.Size()%PageSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate torn page: %w", err)
		}
		info, err = f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat paged file: %w", err)
		}
	}

	p := &Pager{
		path:  path,
		file:  f,
		pages: uint32(info.Size() / PageSize),
	}
	if p.pages > 0 {
		if err := p.remap(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return p, nil
}

// remap refreshes the read mapping. Caller holds the write lock.
func (p *Pager) remap() error {
	if p.m != nil {
		if err := p.m.Unmap(); err != nil {
			return fmt.Errorf("unmap paged file: %w", err)
		}
		p.m = nil
	}
	if p.pages == 0 {
		return nil
	}
	m, err := mmap.Map(p.file, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("mmap paged file: %w", err)
	}
	p.m = m
	return nil
}

// AllocatePage extends the file by one zeroed page and returns its id.
func (p *Pager) AllocatePage() (PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := PageID(p.pages)
	if err := p.file.Truncate(int64(p.pages+1) * PageSize); err != nil {
		return 0, fmt.Errorf("grow paged file: %w", err)
	}
	p.pages++
	if err := p.remap(); err != nil {
		return 0, err
	}
	return id, nil
}

// ReadPage reads and validates the page with the given id.
func (p *Pager) ReadPage(id PageID) (*Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if uint32(id) >= p.pages {
		return nil, &ErrCorruptedIndex{PageID: id, Reason: fmt.Sprintf("page beyond file end (%d pages)", p.pages)}
	}
	off := int(id) * PageSize
	raw := make([]byte, PageSize)
	copy(raw, p.m[off:off+PageSize])
	return UnmarshalPage(id, raw)
}

// WritePage writes the page at id, stamping its checksum first.
func (p *Pager) WritePage(id PageID, page *Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if uint32(id) >= p.pages {
		return fmt.Errorf("write past end: page %d of %d", id, p.pages)
	}
	if _, err := p.file.WriteAt(page.Marshal(), int64(id)*PageSize); err != nil {
		return fmt.Errorf("write page %d: %w", id, err)
	}
	// The mapping is MAP_SHARED over the same file, so the write is visible
	// to readers without remapping.
	return nil
}

// Sync flushes the file to stable storage.
func (p *Pager) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("sync paged file: %w", err)
	}
	return nil
}

// Len returns the number of pages in the file.
func (p *Pager) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int(p.pages)
}

// DiskUsage returns the file size in bytes.
func (p *Pager) DiskUsage() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int64(p.pages) * PageSize
}

// Close unmaps and closes the file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m != nil {
		if err := p.m.Unmap(); err != nil {
			return err
		}
		p.m = nil
	}
	return p.file.Close()
}

package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/gofrs/flock"
)

// WAL record types.
type RecordType uint8

const (
	RecordInsert     RecordType = 1
	RecordDelete     RecordType = 2
	RecordCheckpoint RecordType = 3
)

// Record is one decoded WAL entry.
type Record struct {
	Type  RecordType
	LSN   uint64
	Key   []byte
	Value []byte
}

// recordHeaderSize: type u8 | lsn u64 | klen u32 | vlen u32
const recordHeaderSize = 1 + 8 + 4 + 4

// WAL is the append-only mutation log of one paged file. Every tree
// mutation is appended and fsync-ed here before any page is touched;
// Checkpoint is written after a successful pager Sync so replay can start
// from the last consistent point.
//
// The file lock doubles as the open-exclusion mechanism: a second OpenWAL
// on the same path fails with ErrFileLocked.
type WAL struct {
	path string
	file *os.File
	lock *flock.Flock
	lsn  uint64
}

// OpenWAL opens (or creates) the log at path and takes the exclusive file
// lock rejecting concurrent instances.
func OpenWAL(path string) (*WAL, error) {
	lock := flock.New(path + ".lock")
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock wal: %w", err)
	}
	if !held {
		return nil, &ErrFileLocked{Path: path}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open wal: %w", err)
	}

	w := &WAL{path: path, file: f, lock: lock}
	return w, nil
}

// AppendInsert logs an insert mutation and fsyncs.
func (w *WAL) AppendInsert(key, value []byte) error {
	return w.append(RecordInsert, key, value)
}

// AppendDelete logs a delete mutation and fsyncs.
func (w *WAL) AppendDelete(key []byte) error {
	return w.append(RecordDelete, key, nil)
}

// Checkpoint records that all prior mutations are durable in the paged
// file. Callers must Sync the pager first.
func (w *WAL) Checkpoint() error {
	return w.append(RecordCheckpoint, nil, nil)
}

func (w *WAL) append(typ RecordType, key, value []byte) error {
	w.lsn++

	buf := make([]byte, recordHeaderSize+len(key)+len(value)+4)
	buf[0] = byte(typ)
	binary.BigEndian.PutUint64(buf[1:9], w.lsn)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(key)))
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(value)))
	n := recordHeaderSize
	n += copy(buf[n:], key)
	n += copy(buf[n:], value)
	binary.BigEndian.PutUint32(buf[n:], crc32.ChecksumIEEE(buf[:n]))

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek wal: %w", err)
	}
	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("append wal record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("fsync wal: %w", err)
	}
	return nil
}

// Replay returns the records appended after the last checkpoint, in order.
//
// A corrupt record at the tail marks the truncation point: the file is cut
// there and replay succeeds with what precedes it. A corrupt record that is
// followed by further valid records is interior corruption and fails with
// ErrWalRecoveryFailed.
func (w *WAL) Replay() ([]Record, error) {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("read wal: %w", err)
	}

	var (
		afterLast []Record
		off       int
		maxLSN    uint64
	)

	for off < len(raw) {
		rec, n, err := decodeRecord(raw[off:])
		if err != nil {
			if hasValidRecordAfter(raw[off:]) {
				return nil, &ErrWalRecoveryFailed{
					Reason: fmt.Sprintf("corrupt record at offset %d followed by valid records", off),
				}
			}
			// Trailing corruption: truncate and stop.
			if terr := w.file.Truncate(int64(off)); terr != nil {
				return nil, fmt.Errorf("truncate wal tail: %w", terr)
			}
			break
		}
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		if rec.Type == RecordCheckpoint {
			afterLast = nil
		} else {
			afterLast = append(afterLast, rec)
		}
		off += n
	}

	w.lsn = maxLSN
	return afterLast, nil
}

// Reset truncates the log after a checkpoint so it does not grow without
// bound. The checkpoint itself has already made prior records redundant.
func (w *WAL) Reset() error {
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("reset wal: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek wal: %w", err)
	}
	return w.file.Sync()
}

// Size returns the current log size in bytes.
func (w *WAL) Size() int64 {
	info, err := w.file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close releases the file lock and closes the log.
func (w *WAL) Close() error {
	if err := w.file.Close(); err != nil {
		w.lock.Unlock()
		return err
	}
	return w.lock.Unlock()
}

func decodeRecord(raw []byte) (Record, int, error) {
	if len(raw) < recordHeaderSize+4 {
		return Record{}, 0, fmt.Errorf("short record: %d bytes", len(raw))
	}

	typ := RecordType(raw[0])
	switch typ {
	case RecordInsert, RecordDelete, RecordCheckpoint:
	default:
		return Record{}, 0, fmt.Errorf("unknown record type %d", typ)
	}

	lsn := binary.BigEndian.Uint64(raw[1:9])
	klen := int(binary.BigEndian.Uint32(raw[9:13]))
	vlen := int(binary.BigEndian.Uint32(raw[13:17]))
	total := recordHeaderSize + klen + vlen + 4
	if klen < 0 || vlen < 0 || total > len(raw) {
		return Record{}, 0, fmt.Errorf("record length out of bounds")
	}

	body := raw[:total-4]
	stored := binary.BigEndian.Uint32(raw[total-4 : total])
	if crc32.ChecksumIEEE(body) != stored {
		return Record{}, 0, fmt.Errorf("record crc mismatch")
	}

	rec := Record{Type: typ, LSN: lsn}
	if klen > 0 {
		rec.Key = append([]byte(nil), raw[recordHeaderSize:recordHeaderSize+klen]...)
	}
	if vlen > 0 {
		rec.Value = append([]byte(nil), raw[recordHeaderSize+klen:recordHeaderSize+klen+vlen]...)
	}
	return rec, total, nil
}

// hasValidRecordAfter scans the remaining bytes for any decodable record
// past the first corrupt one, which distinguishes interior corruption from
// a torn tail.
func hasValidRecordAfter(raw []byte) bool {
	for off := 1; off+recordHeaderSize+4 <= len(raw); off++ {
		if _, _, err := decodeRecord(raw[off:]); err == nil {
			return true
		}
	}
	return false
}

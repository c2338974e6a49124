package index

import (
	"bytes"

	"github.com/dgraph-io/badger/v4"
)

// BadgerIndex is the LSM-backed persistent backend. Unlike the hash
// backend it persists across restarts, and its sorted key layout serves
// range scans without the page machinery of the B+-Tree.
type BadgerIndex struct {
	db *badger.DB
}

// NewBadgerIndex opens (or creates) a badger-backed index in dir.
func NewBadgerIndex(dir string, syncWrites bool) (*BadgerIndex, error) {
	if dir == "" {
		return nil, &ErrInvalidConfig{Field: "persist_path", Reason: "required for badger backend"}
	}
	opts := badger.DefaultOptions(dir)
	opts.SyncWrites = syncWrites
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerIndex{db: db}, nil
}

func (b *BadgerIndex) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *BadgerIndex) Range(lo, hi string) ([]Entry, error) {
	if lo > hi {
		return nil, nil
	}
	var out []Entry
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		end := []byte(hi)
		for it.Seek([]byte(lo)); it.Valid(); it.Next() {
			item := it.Item()
			if bytes.Compare(item.Key(), end) > 0 {
				break
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, Entry{Key: string(item.Key()), Value: val})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerIndex) Insert(key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (b *BadgerIndex) Delete(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

func (b *BadgerIndex) Iter() ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, Entry{Key: string(item.Key()), Value: val})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerIndex) BackendType() BackendType { return BackendBadger }

func (b *BadgerIndex) MemoryUsage() int64 { return 0 }

func (b *BadgerIndex) DiskUsage() int64 {
	lsm, vlog := b.db.Size()
	return lsm + vlog
}

func (b *BadgerIndex) Close() error { return b.db.Close() }

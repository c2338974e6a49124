package index

import (
	"fmt"
	"path/filepath"
)

// Variant names the semantic indices the factory knows how to place.
type Variant string

const (
	VariantNamespace   Variant = "namespace"
	VariantLanguage    Variant = "language"
	VariantEnvironment Variant = "environment"
	VariantSeason      Variant = "season"
	VariantVariant     Variant = "variant"
	VariantHierarchy   Variant = "hierarchy"
)

// New builds an index from configuration. The hash backend ignores the
// persistence settings; persistent backends require a path.
func New(cfg Config) (Index, error) {
	switch cfg.Backend {
	case BackendHash, "":
		return NewHashIndex(), nil
	case BackendBTree:
		return NewBTreeIndex(cfg.PersistPath, cfg.BTreeOrder)
	case BackendBadger:
		return NewBadgerIndex(cfg.PersistPath, cfg.SyncWrites)
	default:
		return nil, &ErrInvalidConfig{Field: "backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
}

// Factory produces indices for a database's indices/ directory with one
// shared backend configuration.
type Factory struct {
	dir string
	cfg Config
}

// NewFactory creates a factory rooted at dir (the database indices/
// directory).
func NewFactory(dir string, cfg Config) *Factory {
	return &Factory{dir: dir, cfg: cfg}
}

// ForVariant opens the index for one semantic variant. Persistent
// backends place the file (or directory) under the factory root, named
// after the variant.
func (f *Factory) ForVariant(v Variant) (Index, error) {
	cfg := f.cfg
	switch cfg.Backend {
	case BackendBTree:
		cfg.PersistPath = filepath.Join(f.dir, string(v)+".btree")
	case BackendBadger:
		cfg.PersistPath = filepath.Join(f.dir, string(v)+".badger")
	}
	return New(cfg)
}

// ForName opens an index under an arbitrary name, used by CREATE INDEX
// column indices (`<table>.<column>`).
func (f *Factory) ForName(name string) (Index, error) {
	cfg := f.cfg
	switch cfg.Backend {
	case BackendBTree:
		cfg.PersistPath = filepath.Join(f.dir, name+".btree")
	case BackendBadger:
		cfg.PersistPath = filepath.Join(f.dir, name+".badger")
	}
	return New(cfg)
}

package merge

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ConflictFile is the TOML document written for a manual resolution:
// tables/<name>/conflicts/<unix-ts>-<key>.conflict.
type ConflictFile struct {
	Metadata ConflictMetadata `toml:"metadata"`
	Base     *Row             `toml:"base,omitempty"`
	ChangeA  *Row             `toml:"change_a,omitempty"`
	ChangeB  *Row             `toml:"change_b,omitempty"`
}

// ConflictMetadata identifies the conflicting write.
type ConflictMetadata struct {
	Key       string `toml:"key"`
	Table     string `toml:"table"`
	Timestamp int64  `toml:"timestamp"` // Unix 秒
	Strategy  string `toml:"strategy"`
}

// WriteConflictFile persists one conflict for out-of-band resolution and
// returns the file path.
func WriteConflictFile(dir, table string, c *Conflict, strategy Strategy) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create conflicts dir: %w", err)
	}

	file := ConflictFile{
		Metadata: ConflictMetadata{
			Key:       c.Key,
			Table:     table,
			Timestamp: time.Now().Unix(),
			Strategy:  string(strategy),
		},
		Base:    c.Base,
		ChangeA: c.ChangeA,
		ChangeB: c.ChangeB,
	}

	path := filepath.Join(dir, fmt.Sprintf("%d-%s.conflict", file.Metadata.Timestamp, c.Key))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("write conflict file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(file); err != nil {
		return "", fmt.Errorf("encode conflict file: %w", err)
	}
	return path, nil
}

// ReadConflictFile loads a previously written conflict.
func ReadConflictFile(path string) (*ConflictFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read conflict file: %w", err)
	}
	var file ConflictFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse conflict file: %w", err)
	}
	return &file, nil
}

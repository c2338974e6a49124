// Package schema implements the TOML column schema and the per-row
// validator: type parsing, range and length checks, regex patterns, and
// post-batch uniqueness.
package schema

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Column types.
const (
	TypeString    = "string"
	TypeInteger   = "integer"
	TypeFloat     = "float"
	TypeBoolean   = "boolean"
	TypeTimestamp = "timestamp"
)

// Schema 表结构定义 (schema.toml)
type Schema struct {
	Version string      `toml:"version"`
	Strict  bool        `toml:"strict"`
	Columns []ColumnDef `toml:"columns"`
}

// ColumnDef 列定义
type ColumnDef struct {
	Name       string   `toml:"name"`
	Type       string   `toml:"type"`
	Required   bool     `toml:"required"`
	Unique     bool     `toml:"unique"`
	PrimaryKey bool     `toml:"primary_key"`
	Min        *int64   `toml:"min"`
	Max        *int64   `toml:"max"`
	MinLength  *int     `toml:"min_length"`
	MaxLength  *int     `toml:"max_length"`
	Pattern    *string  `toml:"pattern"`
}

// GetColumn returns the definition of a named column.
func (s *Schema) GetColumn(name string) *ColumnDef {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i]
		}
	}
	return nil
}

// ColumnNames returns the declared column order.
func (s *Schema) ColumnNames() []string {
	out := make([]string, len(s.Columns))
	for i := range s.Columns {
		out[i] = s.Columns[i].Name
	}
	return out
}

// ---- 模式领域错误 ----

// ErrSchemaNotFound reports a missing schema.toml.
type ErrSchemaNotFound struct {
	Path string
}

func (e *ErrSchemaNotFound) Error() string {
	return fmt.Sprintf("schema not found: %s", e.Path)
}

// ErrInvalidSchema reports a schema file that cannot be used.
type ErrInvalidSchema struct {
	Path   string
	Reason string
}

func (e *ErrInvalidSchema) Error() string {
	return fmt.Sprintf("invalid schema %s: %s", e.Path, e.Reason)
}

// ErrValidation reports a row value rejected under strict validation.
type ErrValidation struct {
	Column string
	Reason string
	Value  string
}

func (e *ErrValidation) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("validation failed for column %s: %s (value %q)", e.Column, e.Reason, e.Value)
	}
	return fmt.Sprintf("validation failed for column %s: %s", e.Column, e.Reason)
}

// Load reads and checks a schema.toml.
func Load(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &ErrSchemaNotFound{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}

	var s Schema
	if err := toml.Unmarshal(raw, &s); err != nil {
		return nil, &ErrInvalidSchema{Path: path, Reason: err.Error()}
	}
	if err := check(&s, path); err != nil {
		return nil, err
	}

	// primary_key implies required and unique.
	for i := range s.Columns {
		if s.Columns[i].PrimaryKey {
			s.Columns[i].Required = true
			s.Columns[i].Unique = true
		}
	}
	return &s, nil
}

// Save writes a schema.toml.
func Save(path string, s *Schema) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write schema: %w", err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(s)
}

func check(s *Schema, path string) error {
	if len(s.Columns) == 0 {
		return &ErrInvalidSchema{Path: path, Reason: "no columns defined"}
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, col := range s.Columns {
		if col.Name == "" {
			return &ErrInvalidSchema{Path: path, Reason: "column with empty name"}
		}
		if seen[col.Name] {
			return &ErrInvalidSchema{Path: path, Reason: fmt.Sprintf("duplicate column %s", col.Name)}
		}
		seen[col.Name] = true
		switch col.Type {
		case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeTimestamp:
		default:
			return &ErrInvalidSchema{Path: path, Reason: fmt.Sprintf("column %s has unknown type %q", col.Name, col.Type)}
		}
	}
	return nil
}

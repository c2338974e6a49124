// Package table implements the versioned table engine: one current
// content blob per table plus an append-only version history, with
// restoration by hash-validated delta replay, append-only rollback, and
// offline compaction.
package table

import (
	"fmt"
	"strings"

	"github.com/kasuganosora/versdb/pkg/schema"
)

// FieldSeparator separates CSV fields; newline separates records. The
// first line names the columns, the first column is the row key.
const FieldSeparator = "|"

// Content is the parsed form of a current.csv blob.
type Content struct {
	Columns []string
	Rows    [][]string // aligned to Columns; Rows[i][0] is the row key
}

// ParseContent parses a CSV blob. An empty blob is invalid; a table
// always has at least its header line.
func ParseContent(raw []byte) (*Content, error) {
	text := strings.TrimRight(string(raw), "\n")
	if text == "" {
		return nil, fmt.Errorf("content has no header line")
	}
	lines := strings.Split(text, "\n")

	c := &Content{Columns: strings.Split(lines[0], FieldSeparator)}
	for i, line := range lines[1:] {
		if line == "" {
			continue
		}
		fields := strings.Split(line, FieldSeparator)
		if len(fields) != len(c.Columns) {
			return nil, fmt.Errorf("row %d has %d fields, header has %d", i+1, len(fields), len(c.Columns))
		}
		c.Rows = append(c.Rows, fields)
	}
	return c, nil
}

// NewContent returns an empty table body with the given header.
func NewContent(columns []string) *Content {
	return &Content{Columns: append([]string(nil), columns...)}
}

// Bytes serialises the content back to its blob form.
func (c *Content) Bytes() []byte {
	var sb strings.Builder
	sb.WriteString(strings.Join(c.Columns, FieldSeparator))
	sb.WriteByte('\n')
	for _, row := range c.Rows {
		sb.WriteString(strings.Join(row, FieldSeparator))
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// KeyAt returns the row key of row ordinal i.
func (c *Content) KeyAt(i int) string {
	return c.Rows[i][0]
}

// Find returns the ordinal of the row with the given key, or -1.
func (c *Content) Find(key string) int {
	for i := range c.Rows {
		if c.Rows[i][0] == key {
			return i
		}
	}
	return -1
}

// ColumnIndex returns the position of a named column, or -1.
func (c *Content) ColumnIndex(name string) int {
	for i, col := range c.Columns {
		if col == name {
			return i
		}
	}
	return -1
}

// RowMap converts row ordinal i into a column-name keyed map.
func (c *Content) RowMap(i int) schema.Row {
	row := make(schema.Row, len(c.Columns))
	for j, col := range c.Columns {
		row[col] = c.Rows[i][j]
	}
	return row
}

// RowMaps converts every row.
func (c *Content) RowMaps() []schema.Row {
	out := make([]schema.Row, len(c.Rows))
	for i := range c.Rows {
		out[i] = c.RowMap(i)
	}
	return out
}

// Upsert inserts or replaces the row with the given key, keeping key
// order of existing rows stable. Returns true when a row was replaced.
func (c *Content) Upsert(values []string) bool {
	if i := c.Find(values[0]); i >= 0 {
		c.Rows[i] = values
		return true
	}
	c.Rows = append(c.Rows, values)
	return false
}

// Delete removes the row with the given key. Returns true when removed.
func (c *Content) Delete(key string) bool {
	if i := c.Find(key); i >= 0 {
		c.Rows = append(c.Rows[:i], c.Rows[i+1:]...)
		return true
	}
	return false
}

// FromRowMap aligns a column-keyed row to the content's column order.
// Missing columns become empty fields.
func (c *Content) FromRowMap(row schema.Row) []string {
	out := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		out[i] = row[col]
	}
	return out
}

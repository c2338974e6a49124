// Package merge implements the conflict-aware three-way merge invoked
// when two writers race on one table: base/A/B row diff, conflict
// detection, and strategy dispatch (last-write-wins, first-write-wins,
// keep-both, manual conflict files).
package merge

import (
	"fmt"
	"sort"
)

// Row is one keyed CSV row under merge.
type Row struct {
	Key    string   `toml:"key" json:"key"`
	Values []string `toml:"values" json:"values"`
}

func rowsEqual(a, b Row) bool {
	if a.Key != b.Key || len(a.Values) != len(b.Values) {
		return false
	}
	for i := range a.Values {
		if a.Values[i] != b.Values[i] {
			return false
		}
	}
	return true
}

// Strategy 冲突解决策略
type Strategy string

const (
	LastWriteWins  Strategy = "last-write-wins"
	FirstWriteWins Strategy = "first-write-wins"
	KeepBoth       Strategy = "keep-both"
	Manual         Strategy = "manual"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case LastWriteWins, FirstWriteWins, KeepBoth, Manual:
		return Strategy(name), nil
	default:
		return "", fmt.Errorf("unknown resolution strategy %q", name)
	}
}

// Conflict describes one row both writers changed incompatibly.
type Conflict struct {
	Key     string `json:"key"`
	Base    *Row   `json:"base,omitempty"`
	ChangeA *Row   `json:"change_a,omitempty"` // nil = deleted in A
	ChangeB *Row   `json:"change_b,omitempty"` // nil = deleted in B
}

// Input carries one writer's view and its write timestamp (Unix ns).
type Input struct {
	Rows      map[string]Row
	Timestamp int64
}

// Result is the merge outcome: the merged rows (under manual, without the
// conflicting rows), the detected conflicts, and any conflict files written.
type Result struct {
	Rows          map[string]Row
	Conflicts     []Conflict
	ConflictFiles []string
}

// ThreeWay merges two concurrent changes against their common base.
//
// Rules: a row changed on one side only takes that side; identical
// changes collapse; diverging modifications conflict, as does a delete
// racing a modification. Conflicts are then resolved per strategy; under
// Manual each conflict is written to a TOML file in conflictsDir and its
// rows are withheld from the result.
func ThreeWay(table, conflictsDir string, base map[string]Row, a, b Input, strategy Strategy) (*Result, error) {
	result := &Result{Rows: make(map[string]Row)}

	keys := make(map[string]bool, len(base)+len(a.Rows)+len(b.Rows))
	for k := range base {
		keys[k] = true
	}
	for k := range a.Rows {
		keys[k] = true
	}
	for k := range b.Rows {
		keys[k] = true
	}

	// Deterministic iteration keeps conflict order stable.
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	for _, key := range ordered {
		baseRow, inBase := base[key]
		rowA, inA := a.Rows[key]
		rowB, inB := b.Rows[key]

		switch {
		case inA && inB:
			changedA := !inBase || !rowsEqual(rowA, baseRow)
			changedB := !inBase || !rowsEqual(rowB, baseRow)
			switch {
			case rowsEqual(rowA, rowB):
				result.Rows[key] = rowA
			case changedA && changedB:
				c := Conflict{Key: key, ChangeA: &rowA, ChangeB: &rowB}
				if inBase {
					br := baseRow
					c.Base = &br
				}
				result.Conflicts = append(result.Conflicts, c)
			case changedA:
				result.Rows[key] = rowA
			default:
				result.Rows[key] = rowB
			}

		case inA: // absent in B
			if !inBase {
				result.Rows[key] = rowA // new in A
			} else if rowsEqual(rowA, baseRow) {
				// B deleted an unchanged row: deletion wins.
			} else {
				// Modified in A, deleted in B.
				br := baseRow
				result.Conflicts = append(result.Conflicts, Conflict{Key: key, Base: &br, ChangeA: &rowA})
			}

		case inB: // absent in A
			if !inBase {
				result.Rows[key] = rowB
			} else if rowsEqual(rowB, baseRow) {
				// A deleted an unchanged row.
			} else {
				br := baseRow
				result.Conflicts = append(result.Conflicts, Conflict{Key: key, Base: &br, ChangeB: &rowB})
			}
		}
	}

	if err := resolve(table, conflictsDir, result, a, b, strategy); err != nil {
		return nil, err
	}
	return result, nil
}

func resolve(table, conflictsDir string, result *Result, a, b Input, strategy Strategy) error {
	for _, c := range result.Conflicts {
		switch strategy {
		case LastWriteWins:
			if winner := pickByTime(c, a, b, true); winner != nil {
				result.Rows[c.Key] = *winner
			}
		case FirstWriteWins:
			if winner := pickByTime(c, a, b, false); winner != nil {
				result.Rows[c.Key] = *winner
			}
		case KeepBoth:
			earlier, later := c.ChangeA, c.ChangeB
			if b.Timestamp < a.Timestamp {
				earlier, later = c.ChangeB, c.ChangeA
			}
			if earlier != nil {
				result.Rows[c.Key] = *earlier
			}
			if later != nil {
				// The later writer's row keeps living under a suffixed key.
				suffixed := *later
				suffixed.Key = c.Key + "-conflict"
				result.Rows[suffixed.Key] = suffixed
			}
		case Manual:
			path, err := WriteConflictFile(conflictsDir, table, &c, strategy)
			if err != nil {
				return err
			}
			result.ConflictFiles = append(result.ConflictFiles, path)
		default:
			return fmt.Errorf("unknown resolution strategy %q", strategy)
		}
	}
	return nil
}

// pickByTime picks the conflicting side by write time. A nil side means a
// deletion won.
func pickByTime(c Conflict, a, b Input, latest bool) *Row {
	aWins := a.Timestamp >= b.Timestamp
	if !latest {
		aWins = a.Timestamp <= b.Timestamp
	}
	if aWins {
		return c.ChangeA
	}
	return c.ChangeB
}

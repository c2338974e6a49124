package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kasuganosora/versdb/pkg/query"
)

// writeResult renders a query result in the selected format.
func writeResult(w io.Writer, result *query.Result, format string) error {
	switch result.Kind {
	case query.ResultAggregation:
		name := "value"
		if len(result.Columns) > 0 {
			name = result.Columns[0]
		}
		return writeGrid(w, []string{name}, [][]string{{formatFloat(result.Aggregation)}}, format)

	case query.ResultAffected:
		fmt.Fprintf(w, "%d row(s) affected\n", result.Affected)
		return nil

	default:
		grid := make([][]string, 0, len(result.Rows))
		for _, row := range result.Rows {
			line := make([]string, len(result.Columns))
			for i, col := range result.Columns {
				line[i] = row[col]
			}
			grid = append(grid, line)
		}
		return writeGrid(w, result.Columns, grid, format)
	}
}

func writeList(w io.Writer, header string, items []string, format string) error {
	grid := make([][]string, len(items))
	for i, item := range items {
		grid[i] = []string{item}
	}
	return writeGrid(w, []string{header}, grid, format)
}

func writeMap(w io.Writer, m map[string]any, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	grid := make([][]string, 0, len(keys))
	for _, k := range keys {
		grid = append(grid, []string{k, fmt.Sprintf("%v", m[k])})
	}
	return writeGrid(w, []string{"name", "value"}, grid, format)
}

func writeGrid(w io.Writer, columns []string, rows [][]string, format string) error {
	switch format {
	case "json":
		out := make([]map[string]string, 0, len(rows))
		for _, row := range rows {
			m := make(map[string]string, len(columns))
			for i, col := range columns {
				if i < len(row) {
					m[col] = row[i]
				}
			}
			out = append(out, m)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write(columns); err != nil {
			return err
		}
		for _, row := range rows {
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "xlsx":
		return writeXLSX(w, columns, rows)

	case "table", "":
		return writeTable(w, columns, rows)

	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// writeTable prints an aligned plain-text table.
func writeTable(w io.Writer, columns []string, rows [][]string) error {
	widths := make([]int, len(columns))
	for i, col := range columns {
		widths[i] = len(col)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	line := func(cells []string) {
		parts := make([]string, len(columns))
		for i := range columns {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	line(columns)
	sep := make([]string, len(columns))
	for i := range columns {
		sep[i] = strings.Repeat("-", widths[i])
	}
	line(sep)
	for _, row := range rows {
		line(row)
	}
	fmt.Fprintf(w, "(%d rows)\n", len(rows))
	return nil
}

// writeXLSX streams an xlsx workbook with one sheet of results.
func writeXLSX(w io.Writer, columns []string, rows [][]string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Results"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	for i, col := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, col); err != nil {
			return err
		}
	}
	for r, row := range rows {
		for c, value := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return err
			}
		}
	}
	return f.Write(w)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

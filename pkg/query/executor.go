package query

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/kasuganosora/versdb/pkg/core"
	"github.com/kasuganosora/versdb/pkg/indices"
	"github.com/kasuganosora/versdb/pkg/schema"
	"github.com/kasuganosora/versdb/pkg/table"
)

// Catalog is the executor's view of the database: table handles, the
// per-table smart index, and column index management.
type Catalog interface {
	Table(name string) (*table.Table, error)
	Builder(name string) (*indices.Builder, error)
	CreateColumnIndex(tableName, column string) error
}

// Engine parses, plans and executes statements against a catalog.
type Engine struct {
	parser   *Parser
	catalog  Catalog
	collator *collate.Collator
}

// NewEngine 创建查询引擎
func NewEngine(catalog Catalog) *Engine {
	return &Engine{
		parser:   NewParser(),
		catalog:  catalog,
		collator: collate.New(language.Und),
	}
}

// Execute runs one statement. user feeds the version log audit fields of
// mutating statements.
func (e *Engine) Execute(sql, user string) (*Result, error) {
	stmt, err := e.parser.Parse(sql)
	if err != nil {
		return nil, err
	}

	switch stmt.Type {
	case StmtSelect:
		return e.executeSelect(stmt.Select)
	case StmtInsert:
		return e.executeInsert(stmt.Insert, user)
	case StmtUpdate:
		return e.executeUpdate(stmt.Update, user)
	case StmtDelete:
		return e.executeDelete(stmt.Delete, user)
	case StmtCreateIndex:
		if err := e.catalog.CreateColumnIndex(stmt.CreateIndex.Table, stmt.CreateIndex.Column); err != nil {
			return nil, err
		}
		return &Result{Kind: ResultAffected, Affected: 0}, nil
	default:
		return nil, &ErrUnsupported{Feature: string(stmt.Type)}
	}
}

// Explain parses and plans without executing.
func (e *Engine) Explain(sql string) (*Plan, error) {
	stmt, err := e.parser.Parse(sql)
	if err != nil {
		return nil, err
	}
	switch stmt.Type {
	case StmtSelect:
		return PlanSelect(stmt.Select.Where), nil
	case StmtUpdate:
		return PlanSelect(stmt.Update.Where), nil
	case StmtDelete:
		return PlanSelect(stmt.Delete.Where), nil
	default:
		return &Plan{Scan: false, Description: "direct write"}, nil
	}
}

// ---- SELECT ----

func (e *Engine) executeSelect(sel *SelectStatement) (*Result, error) {
	content, candidates, err := e.candidates(sel.From, sel.Where)
	if err != nil {
		return nil, err
	}

	matched, err := e.filterRows(content, candidates, sel.Where)
	if err != nil {
		return nil, err
	}

	if agg := aggregateColumn(sel.Columns); agg != nil {
		return e.aggregate(content, matched, agg)
	}

	if len(sel.OrderBy) > 0 {
		e.sortRows(content, matched, sel.OrderBy)
	}
	matched = applyLimitOffset(matched, sel.Limit, sel.Offset)

	columns, err := projection(content, sel.Columns, sel.From)
	if err != nil {
		return nil, err
	}
	rows := make([]schema.Row, 0, len(matched))
	for _, i := range matched {
		full := content.RowMap(i)
		row := make(schema.Row, len(columns))
		for _, col := range columns {
			row[col] = full[col]
		}
		rows = append(rows, row)
	}
	return &Result{Kind: ResultRows, Columns: columns, Rows: rows}, nil
}

// candidates produces the row ordinals to evaluate, via the smart index
// when the planner finds a fast path.
func (e *Engine) candidates(tableName string, where *Expression) (*table.Content, []int, error) {
	tbl, err := e.catalog.Table(tableName)
	if err != nil {
		return nil, nil, err
	}
	content, err := tbl.Content()
	if err != nil {
		return nil, nil, err
	}

	plan := PlanSelect(where)
	if plan.UseIndex {
		builder, err := e.catalog.Builder(tableName)
		if err == nil && builder != nil {
			rows := builder.Query(plan.Filter)
			valid := rows[:0]
			for _, r := range rows {
				if r < len(content.Rows) {
					valid = append(valid, r)
				}
			}
			return content, valid, nil
		}
		// Planner found a fast path but no index exists: scan.
	}

	all := make([]int, len(content.Rows))
	for i := range all {
		all[i] = i
	}
	return content, all, nil
}

func (e *Engine) filterRows(content *table.Content, candidates []int, where *Expression) ([]int, error) {
	if where == nil {
		return candidates, nil
	}
	out := make([]int, 0, len(candidates))
	for _, i := range candidates {
		ok, err := e.evalExpr(where, content, i)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, i)
		}
	}
	return out, nil
}

// aggregateColumn returns the single aggregate projection, if any.
func aggregateColumn(cols []SelectColumn) *SelectColumn {
	for i := range cols {
		if cols[i].Aggregate != "" {
			return &cols[i]
		}
	}
	return nil
}

func (e *Engine) aggregate(content *table.Content, matched []int, col *SelectColumn) (*Result, error) {
	if col.Aggregate == AggCount {
		// COUNT(*) needs no row materialisation: the candidate count is
		// the answer.
		return &Result{Kind: ResultAggregation, Columns: []string{col.Name}, Aggregation: float64(len(matched))}, nil
	}

	ci := content.ColumnIndex(col.AggArg)
	if ci < 0 {
		return nil, &ErrColumnNotFound{Column: col.AggArg}
	}

	var (
		sum   float64
		count int
		minV  float64
		maxV  float64
	)
	for _, i := range matched {
		f, err := strconv.ParseFloat(content.Rows[i][ci], 64)
		if err != nil {
			continue // non-numeric values are skipped, like NULLs
		}
		if count == 0 {
			minV, maxV = f, f
		} else {
			if f < minV {
				minV = f
			}
			if f > maxV {
				maxV = f
			}
		}
		sum += f
		count++
	}

	var out float64
	switch col.Aggregate {
	case AggSum:
		out = sum
	case AggAvg:
		if count > 0 {
			out = sum / float64(count)
		}
	case AggMin:
		out = minV
	case AggMax:
		out = maxV
	}
	return &Result{Kind: ResultAggregation, Columns: []string{col.Name}, Aggregation: out}, nil
}

func (e *Engine) sortRows(content *table.Content, matched []int, orderBy []OrderByItem) {
	sort.SliceStable(matched, func(a, b int) bool {
		for _, item := range orderBy {
			ci := content.ColumnIndex(item.Column)
			if ci < 0 {
				continue
			}
			va, vb := content.Rows[matched[a]][ci], content.Rows[matched[b]][ci]
			cmp := e.compare(va, vb)
			if cmp == 0 {
				continue
			}
			if item.Direction == "DESC" {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// compare orders numerically when both sides parse as numbers, otherwise
// by collation.
func (e *Engine) compare(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return e.collator.CompareString(a, b)
}

func applyLimitOffset(rows []int, limit, offset *int64) []int {
	if offset != nil {
		if int(*offset) >= len(rows) {
			return nil
		}
		rows = rows[*offset:]
	}
	if limit != nil && int(*limit) < len(rows) {
		rows = rows[:*limit]
	}
	return rows
}

func projection(content *table.Content, cols []SelectColumn, tableName string) ([]string, error) {
	for _, col := range cols {
		if col.IsWildcard {
			return append([]string(nil), content.Columns...), nil
		}
	}
	out := make([]string, 0, len(cols))
	for _, col := range cols {
		if content.ColumnIndex(col.Name) < 0 {
			return nil, &ErrColumnNotFound{Column: col.Name, Table: tableName}
		}
		out = append(out, col.Name)
	}
	return out, nil
}

// ---- WHERE evaluation ----

func (e *Engine) evalExpr(expr *Expression, content *table.Content, row int) (bool, error) {
	if expr == nil {
		return true, nil
	}
	if expr.Type != ExprOperator {
		return false, &ErrUnsupported{Feature: "bare value in WHERE"}
	}

	if expr.Operator == "AND" {
		left, err := e.evalExpr(expr.Left, content, row)
		if err != nil || !left {
			return false, err
		}
		return e.evalExpr(expr.Right, content, row)
	}

	if expr.Left == nil || expr.Left.Type != ExprColumn {
		return false, &ErrUnsupported{Feature: "condition without column left-hand side"}
	}
	actual, err := e.columnValue(content, row, expr.Left.Column)
	if err != nil {
		return false, err
	}

	switch expr.Operator {
	case "IN":
		values, err := e.inValues(expr)
		if err != nil {
			return false, err
		}
		for _, v := range values {
			if actual == v {
				return true, nil
			}
		}
		return false, nil

	case "LIKE":
		if expr.Right == nil || expr.Right.Type != ExprValue {
			return false, &ErrUnsupported{Feature: "non-literal LIKE pattern"}
		}
		pattern, ok := expr.Right.Value.(string)
		if !ok {
			return false, &ErrUnsupported{Feature: "non-string LIKE pattern"}
		}
		return likeMatch(pattern, actual), nil

	case "=", "!=", "<", "<=", ">", ">=":
		if expr.Right == nil || expr.Right.Type != ExprValue {
			return false, &ErrUnsupported{Feature: "column-to-column comparison"}
		}
		cmp := e.compare(actual, valueToString(expr.Right.Value))
		switch expr.Operator {
		case "=":
			return cmp == 0, nil
		case "!=":
			return cmp != 0, nil
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}

	default:
		return false, &ErrUnsupported{Feature: fmt.Sprintf("operator %s", expr.Operator)}
	}
}

// columnValue resolves a condition column, with `namespace` as a derived
// pseudo-column of the row key when the table has no such column.
func (e *Engine) columnValue(content *table.Content, row int, column string) (string, error) {
	if ci := content.ColumnIndex(column); ci >= 0 {
		return content.Rows[row][ci], nil
	}
	if column == "namespace" {
		key := content.KeyAt(row)
		if ki, err := core.ParseKey(key); err == nil {
			return ki.Namespace, nil
		}
		if dot := strings.IndexByte(key, '.'); dot > 0 {
			return key[:dot], nil
		}
		return key, nil
	}
	return "", &ErrColumnNotFound{Column: column}
}

func (e *Engine) inValues(expr *Expression) ([]string, error) {
	if expr.Subquery != nil {
		sub, err := e.executeSelect(expr.Subquery)
		if err != nil {
			return nil, err
		}
		if len(sub.Columns) == 0 {
			return nil, &ErrUnsupported{Feature: "subquery without projected column"}
		}
		col := sub.Columns[0]
		out := make([]string, 0, len(sub.Rows))
		for _, row := range sub.Rows {
			out = append(out, row[col])
		}
		return out, nil
	}

	out := make([]string, 0, len(expr.List))
	for _, v := range expr.List {
		out = append(out, valueToString(v))
	}
	return out, nil
}

// likeMatch compiles a SQL LIKE pattern (% any run, _ one char) into an
// anchored regexp.
func likeMatch(pattern, s string) bool {
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func valueToString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// ---- mutations ----

func (e *Engine) executeInsert(ins *InsertStatement, user string) (*Result, error) {
	tbl, err := e.catalog.Table(ins.Table)
	if err != nil {
		return nil, err
	}
	content, err := tbl.Content()
	if err != nil {
		return nil, err
	}

	columns := ins.Columns
	if len(columns) == 0 {
		columns = content.Columns
	}
	for _, col := range columns {
		if content.ColumnIndex(col) < 0 {
			return nil, &ErrColumnNotFound{Column: col, Table: ins.Table}
		}
	}

	for _, values := range ins.Values {
		if len(values) != len(columns) {
			return nil, &ErrParse{Reason: fmt.Sprintf("expected %d values, got %d", len(columns), len(values))}
		}
		row := make(schema.Row, len(columns))
		for i, col := range columns {
			row[col] = valueToString(values[i])
		}
		content.Upsert(content.FromRowMap(row))
	}

	if _, err := tbl.Write(content.Bytes(), user, table.WriteOptions{Action: "create"}); err != nil {
		return nil, err
	}
	return &Result{Kind: ResultAffected, Affected: int64(len(ins.Values))}, nil
}

func (e *Engine) executeUpdate(upd *UpdateStatement, user string) (*Result, error) {
	tbl, err := e.catalog.Table(upd.Table)
	if err != nil {
		return nil, err
	}
	content, candidates, err := e.candidates(upd.Table, upd.Where)
	if err != nil {
		return nil, err
	}
	matched, err := e.filterRows(content, candidates, upd.Where)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return &Result{Kind: ResultAffected, Affected: 0}, nil
	}

	for col := range upd.Set {
		if content.ColumnIndex(col) < 0 {
			return nil, &ErrColumnNotFound{Column: col, Table: upd.Table}
		}
	}
	for _, i := range matched {
		for col, val := range upd.Set {
			content.Rows[i][content.ColumnIndex(col)] = valueToString(val)
		}
	}

	if _, err := tbl.Write(content.Bytes(), user, table.WriteOptions{Action: "update"}); err != nil {
		return nil, err
	}
	return &Result{Kind: ResultAffected, Affected: int64(len(matched))}, nil
}

func (e *Engine) executeDelete(del *DeleteStatement, user string) (*Result, error) {
	tbl, err := e.catalog.Table(del.Table)
	if err != nil {
		return nil, err
	}
	content, candidates, err := e.candidates(del.Table, del.Where)
	if err != nil {
		return nil, err
	}
	matched, err := e.filterRows(content, candidates, del.Where)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return &Result{Kind: ResultAffected, Affected: 0}, nil
	}

	drop := make(map[int]bool, len(matched))
	for _, i := range matched {
		drop[i] = true
	}
	kept := content.Rows[:0]
	for i := range content.Rows {
		if !drop[i] {
			kept = append(kept, content.Rows[i])
		}
	}
	content.Rows = kept

	if _, err := tbl.Write(content.Bytes(), user, table.WriteOptions{Action: "delete"}); err != nil {
		return nil, err
	}
	return &Result{Kind: ResultAffected, Affected: int64(len(matched))}, nil
}

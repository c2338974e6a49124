package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
)

// Parser 封装 TiDB parser，转换为内部语句 IR
type Parser struct {
	parser *parser.Parser
}

// NewParser 创建 SQL 解析器
func NewParser() *Parser {
	return &Parser{parser: parser.New()}
}

// shortCreateIndex matches the dialect shorthand `CREATE INDEX t.col`,
// which the MySQL grammar does not accept.
var shortCreateIndex = regexp.MustCompile(`(?i)^\s*CREATE\s+INDEX\s+([a-zA-Z0-9_\-]+)\.([a-zA-Z0-9_\-]+)\s*;?\s*$`)

// Parse parses one statement into the IR.
func (p *Parser) Parse(sql string) (*Statement, error) {
	if m := shortCreateIndex.FindStringSubmatch(sql); m != nil {
		return &Statement{
			Type:        StmtCreateIndex,
			RawSQL:      sql,
			CreateIndex: &CreateIndexStatement{Table: m[1], Column: m[2], Name: m[1] + "." + m[2]},
		}, nil
	}

	stmtNodes, _, err := p.parser.ParseSQL(sql)
	if err != nil {
		return nil, &ErrParse{SQL: sql, Reason: err.Error()}
	}
	if len(stmtNodes) == 0 {
		return nil, &ErrParse{SQL: sql, Reason: "no statements found"}
	}
	if len(stmtNodes) > 1 {
		return nil, &ErrUnsupported{Feature: "multiple statements per call"}
	}
	return p.convert(stmtNodes[0], sql)
}

func (p *Parser) convert(node ast.StmtNode, sql string) (*Statement, error) {
	switch stmt := node.(type) {
	case *ast.SelectStmt:
		sel, err := p.convertSelect(stmt)
		if err != nil {
			return nil, err
		}
		return &Statement{Type: StmtSelect, RawSQL: sql, Select: sel}, nil

	case *ast.InsertStmt:
		ins, err := p.convertInsert(stmt)
		if err != nil {
			return nil, err
		}
		return &Statement{Type: StmtInsert, RawSQL: sql, Insert: ins}, nil

	case *ast.UpdateStmt:
		upd, err := p.convertUpdate(stmt)
		if err != nil {
			return nil, err
		}
		return &Statement{Type: StmtUpdate, RawSQL: sql, Update: upd}, nil

	case *ast.DeleteStmt:
		del, err := p.convertDelete(stmt)
		if err != nil {
			return nil, err
		}
		return &Statement{Type: StmtDelete, RawSQL: sql, Delete: del}, nil

	case *ast.CreateIndexStmt:
		ci, err := p.convertCreateIndex(stmt)
		if err != nil {
			return nil, err
		}
		return &Statement{Type: StmtCreateIndex, RawSQL: sql, CreateIndex: ci}, nil

	default:
		return nil, &ErrUnsupported{Feature: fmt.Sprintf("statement %T", node)}
	}
}

func (p *Parser) convertSelect(stmt *ast.SelectStmt) (*SelectStatement, error) {
	sel := &SelectStatement{}

	if stmt.From == nil || stmt.From.TableRefs == nil {
		return nil, &ErrUnsupported{Feature: "SELECT without FROM"}
	}
	if stmt.From.TableRefs.Right != nil {
		return nil, &ErrUnsupported{Feature: "JOIN"}
	}
	if stmt.GroupBy != nil {
		return nil, &ErrUnsupported{Feature: "GROUP BY"}
	}
	if stmt.Having != nil {
		return nil, &ErrUnsupported{Feature: "HAVING"}
	}
	if tableSource, ok := stmt.From.TableRefs.Left.(*ast.TableSource); ok {
		if tableName, ok := tableSource.Source.(*ast.TableName); ok {
			sel.From = tableName.Name.String()
		}
	}
	if sel.From == "" {
		return nil, &ErrUnsupported{Feature: "derived tables"}
	}

	if stmt.Fields != nil {
		for _, field := range stmt.Fields.Fields {
			col, err := p.convertSelectField(field)
			if err != nil {
				return nil, err
			}
			sel.Columns = append(sel.Columns, *col)
		}
	}

	if stmt.Where != nil {
		expr, err := p.convertExpression(stmt.Where)
		if err != nil {
			return nil, err
		}
		sel.Where = expr
	}

	if stmt.OrderBy != nil {
		for _, item := range stmt.OrderBy.Items {
			col, ok := item.Expr.(*ast.ColumnNameExpr)
			if !ok {
				return nil, &ErrUnsupported{Feature: "ORDER BY on expressions"}
			}
			direction := "ASC"
			if item.Desc {
				direction = "DESC"
			}
			sel.OrderBy = append(sel.OrderBy, OrderByItem{
				Column:    col.Name.Name.String(),
				Direction: direction,
			})
		}
	}

	if stmt.Limit != nil {
		if stmt.Limit.Count != nil {
			if n, ok := extractInt(stmt.Limit.Count); ok {
				sel.Limit = &n
			}
		}
		if stmt.Limit.Offset != nil {
			if n, ok := extractInt(stmt.Limit.Offset); ok {
				sel.Offset = &n
			}
		}
	}
	return sel, nil
}

func (p *Parser) convertSelectField(field *ast.SelectField) (*SelectColumn, error) {
	if field.WildCard != nil {
		return &SelectColumn{Name: "*", IsWildcard: true}, nil
	}

	switch expr := field.Expr.(type) {
	case *ast.ColumnNameExpr:
		return &SelectColumn{Name: expr.Name.Name.String()}, nil

	case *ast.AggregateFuncExpr:
		fn := strings.ToUpper(expr.F)
		switch fn {
		case AggCount, AggSum, AggAvg, AggMin, AggMax:
		default:
			return nil, &ErrUnsupported{Feature: fmt.Sprintf("aggregate %s", fn)}
		}
		col := &SelectColumn{Name: fn, Aggregate: fn, AggArg: "*"}
		if len(expr.Args) == 1 {
			if arg, ok := expr.Args[0].(*ast.ColumnNameExpr); ok {
				col.AggArg = arg.Name.Name.String()
				col.Name = fmt.Sprintf("%s(%s)", fn, col.AggArg)
			}
		}
		if fn != AggCount && col.AggArg == "*" {
			return nil, &ErrUnsupported{Feature: fmt.Sprintf("%s(*)", fn)}
		}
		return col, nil

	default:
		return nil, &ErrUnsupported{Feature: fmt.Sprintf("projection %T", field.Expr)}
	}
}

func (p *Parser) convertInsert(stmt *ast.InsertStmt) (*InsertStatement, error) {
	ins := &InsertStatement{}
	if stmt.Table != nil && stmt.Table.TableRefs != nil {
		if tableSource, ok := stmt.Table.TableRefs.Left.(*ast.TableSource); ok {
			if tableName, ok := tableSource.Source.(*ast.TableName); ok {
				ins.Table = tableName.Name.String()
			}
		}
	}
	if ins.Table == "" {
		return nil, &ErrParse{Reason: "INSERT without table"}
	}

	for _, col := range stmt.Columns {
		ins.Columns = append(ins.Columns, col.Name.String())
	}
	for _, rowExprs := range stmt.Lists {
		row := make([]interface{}, 0, len(rowExprs))
		for _, expr := range rowExprs {
			val, ok := extractValue(expr)
			if !ok {
				return nil, &ErrUnsupported{Feature: "non-literal INSERT values"}
			}
			row = append(row, val)
		}
		ins.Values = append(ins.Values, row)
	}
	if len(ins.Values) == 0 {
		return nil, &ErrUnsupported{Feature: "INSERT ... SELECT"}
	}
	return ins, nil
}

func (p *Parser) convertUpdate(stmt *ast.UpdateStmt) (*UpdateStatement, error) {
	upd := &UpdateStatement{Set: make(map[string]interface{})}
	if stmt.TableRefs != nil && stmt.TableRefs.TableRefs != nil {
		if tableSource, ok := stmt.TableRefs.TableRefs.Left.(*ast.TableSource); ok {
			if tableName, ok := tableSource.Source.(*ast.TableName); ok {
				upd.Table = tableName.Name.String()
			}
		}
	}
	if upd.Table == "" {
		return nil, &ErrParse{Reason: "UPDATE without table"}
	}

	for _, assign := range stmt.List {
		val, ok := extractValue(assign.Expr)
		if !ok {
			return nil, &ErrUnsupported{Feature: "non-literal UPDATE values"}
		}
		upd.Set[assign.Column.Name.String()] = val
	}

	if stmt.Where != nil {
		expr, err := p.convertExpression(stmt.Where)
		if err != nil {
			return nil, err
		}
		upd.Where = expr
	}
	return upd, nil
}

func (p *Parser) convertDelete(stmt *ast.DeleteStmt) (*DeleteStatement, error) {
	del := &DeleteStatement{}
	if stmt.TableRefs != nil && stmt.TableRefs.TableRefs != nil {
		if tableSource, ok := stmt.TableRefs.TableRefs.Left.(*ast.TableSource); ok {
			if tableName, ok := tableSource.Source.(*ast.TableName); ok {
				del.Table = tableName.Name.String()
			}
		}
	}
	if del.Table == "" {
		return nil, &ErrParse{Reason: "DELETE without table"}
	}

	if stmt.Where != nil {
		expr, err := p.convertExpression(stmt.Where)
		if err != nil {
			return nil, err
		}
		del.Where = expr
	}
	return del, nil
}

func (p *Parser) convertCreateIndex(stmt *ast.CreateIndexStmt) (*CreateIndexStatement, error) {
	ci := &CreateIndexStatement{Name: stmt.IndexName}
	if stmt.Table != nil {
		ci.Table = stmt.Table.Name.String()
	}
	if len(stmt.IndexPartSpecifications) != 1 {
		return nil, &ErrUnsupported{Feature: "composite indexes"}
	}
	spec := stmt.IndexPartSpecifications[0]
	if spec.Column == nil {
		return nil, &ErrUnsupported{Feature: "expression indexes"}
	}
	ci.Column = spec.Column.Name.String()
	if ci.Name == "" {
		ci.Name = ci.Table + "." + ci.Column
	}
	return ci, nil
}

func (p *Parser) convertExpression(node ast.ExprNode) (*Expression, error) {
	switch n := node.(type) {
	case *ast.BinaryOperationExpr:
		op := strings.ToUpper(n.Op.String())
		switch op {
		case "AND", "&&", "LOGICAND":
			op = "AND"
		case "EQ", "=":
			op = "="
		case "NE", "!=", "<>":
			op = "!="
		case "LT", "<":
			op = "<"
		case "LE", "<=":
			op = "<="
		case "GT", ">":
			op = ">"
		case "GE", ">=":
			op = ">="
		default:
			return nil, &ErrUnsupported{Feature: fmt.Sprintf("operator %s", n.Op.String())}
		}
		left, err := p.convertExpression(n.L)
		if err != nil {
			return nil, err
		}
		right, err := p.convertExpression(n.R)
		if err != nil {
			return nil, err
		}
		return &Expression{Type: ExprOperator, Operator: op, Left: left, Right: right}, nil

	case *ast.ColumnNameExpr:
		return &Expression{Type: ExprColumn, Column: n.Name.Name.String()}, nil

	case ast.ValueExpr:
		return &Expression{Type: ExprValue, Value: n.GetValue()}, nil

	case *ast.PatternLikeOrIlikeExpr:
		if n.Not {
			return nil, &ErrUnsupported{Feature: "NOT LIKE"}
		}
		left, err := p.convertExpression(n.Expr)
		if err != nil {
			return nil, err
		}
		right, err := p.convertExpression(n.Pattern)
		if err != nil {
			return nil, err
		}
		return &Expression{Type: ExprOperator, Operator: "LIKE", Left: left, Right: right}, nil

	case *ast.PatternInExpr:
		if n.Not {
			return nil, &ErrUnsupported{Feature: "NOT IN"}
		}
		left, err := p.convertExpression(n.Expr)
		if err != nil {
			return nil, err
		}
		expr := &Expression{Type: ExprOperator, Operator: "IN", Left: left}
		if n.Sel != nil {
			sub, ok := n.Sel.(*ast.SubqueryExpr)
			if !ok {
				return nil, &ErrUnsupported{Feature: "IN on non-subquery selection"}
			}
			selStmt, ok := sub.Query.(*ast.SelectStmt)
			if !ok {
				return nil, &ErrUnsupported{Feature: "IN on non-SELECT subquery"}
			}
			converted, err := p.convertSelect(selStmt)
			if err != nil {
				return nil, err
			}
			expr.Subquery = converted
			return expr, nil
		}
		for _, item := range n.List {
			val, ok := extractValue(item)
			if !ok {
				return nil, &ErrUnsupported{Feature: "non-literal IN list"}
			}
			expr.List = append(expr.List, val)
		}
		return expr, nil

	case *ast.ParenthesesExpr:
		return p.convertExpression(n.Expr)

	default:
		return nil, &ErrUnsupported{Feature: fmt.Sprintf("expression %T", node)}
	}
}

// extractValue pulls a Go literal out of a value expression.
func extractValue(node ast.ExprNode) (interface{}, bool) {
	valExpr, ok := node.(ast.ValueExpr)
	if !ok {
		return nil, false
	}
	return normaliseValue(valExpr.GetValue()), true
}

func extractInt(node ast.ExprNode) (int64, bool) {
	val, ok := extractValue(node)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// normaliseValue maps parser-internal numeric types onto int64/float64/
// string/bool.
func normaliseValue(val interface{}) interface{} {
	switch v := val.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case float32:
		return float64(v)
	default:
		if s, ok := val.(interface{ String() string }); ok {
			switch val.(type) {
			case string, int64, float64, bool:
			default:
				// Parser-internal decimal types stringify cleanly.
				return s.String()
			}
		}
		return v
	}
}

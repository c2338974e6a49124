// Package query implements the SQL-like query layer: a tidb-parser-based
// adapter producing a statement IR, a planner that routes structured-key
// predicates to the smart indices, and an executor over the table engine.
package query

import (
	"fmt"

	"github.com/kasuganosora/versdb/pkg/schema"
)

// StatementType SQL 语句类型
type StatementType string

const (
	StmtSelect      StatementType = "SELECT"
	StmtInsert      StatementType = "INSERT"
	StmtUpdate      StatementType = "UPDATE"
	StmtDelete      StatementType = "DELETE"
	StmtCreateIndex StatementType = "CREATE INDEX"
)

// Statement is one parsed statement.
type Statement struct {
	Type        StatementType         `json:"type"`
	RawSQL      string                `json:"raw_sql"`
	Select      *SelectStatement      `json:"select,omitempty"`
	Insert      *InsertStatement      `json:"insert,omitempty"`
	Update      *UpdateStatement      `json:"update,omitempty"`
	Delete      *DeleteStatement      `json:"delete,omitempty"`
	CreateIndex *CreateIndexStatement `json:"create_index,omitempty"`
}

// Aggregate function names.
const (
	AggCount = "COUNT"
	AggSum   = "SUM"
	AggAvg   = "AVG"
	AggMin   = "MIN"
	AggMax   = "MAX"
)

// SelectColumn is one projected column or aggregate.
type SelectColumn struct {
	Name       string `json:"name"`
	IsWildcard bool   `json:"is_wildcard,omitempty"`
	Aggregate  string `json:"aggregate,omitempty"` // COUNT/SUM/AVG/MIN/MAX
	AggArg     string `json:"agg_arg,omitempty"`   // column, or "*" for COUNT(*)
}

// OrderByItem 排序项
type OrderByItem struct {
	Column    string `json:"column"`
	Direction string `json:"direction"` // ASC|DESC
}

// SelectStatement SELECT 语句
type SelectStatement struct {
	Columns []SelectColumn `json:"columns"`
	From    string         `json:"from"`
	Where   *Expression    `json:"where,omitempty"`
	OrderBy []OrderByItem  `json:"order_by,omitempty"`
	Limit   *int64         `json:"limit,omitempty"`
	Offset  *int64         `json:"offset,omitempty"`
}

// InsertStatement INSERT 语句
type InsertStatement struct {
	Table   string          `json:"table"`
	Columns []string        `json:"columns,omitempty"`
	Values  [][]interface{} `json:"values"`
}

// UpdateStatement UPDATE 语句
type UpdateStatement struct {
	Table string                 `json:"table"`
	Set   map[string]interface{} `json:"set"`
	Where *Expression            `json:"where,omitempty"`
}

// DeleteStatement DELETE 语句
type DeleteStatement struct {
	Table string      `json:"table"`
	Where *Expression `json:"where,omitempty"`
}

// CreateIndexStatement CREATE INDEX 语句 (`CREATE INDEX table.column`)
type CreateIndexStatement struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	Name   string `json:"name,omitempty"`
}

// ExprType 表达式类型
type ExprType string

const (
	ExprOperator ExprType = "operator"
	ExprColumn   ExprType = "column"
	ExprValue    ExprType = "value"
)

// Expression is a WHERE tree. Operator nodes carry Left/Right; IN nodes
// carry List or Subquery on the right.
type Expression struct {
	Type     ExprType         `json:"type"`
	Operator string           `json:"operator,omitempty"` // =, !=, <, <=, >, >=, LIKE, IN, AND
	Column   string           `json:"column,omitempty"`
	Value    interface{}      `json:"value,omitempty"`
	List     []interface{}    `json:"list,omitempty"`
	Subquery *SelectStatement `json:"subquery,omitempty"`
	Left     *Expression      `json:"left,omitempty"`
	Right    *Expression      `json:"right,omitempty"`
}

// ResultKind discriminates query results.
type ResultKind string

const (
	ResultRows        ResultKind = "rows"
	ResultAggregation ResultKind = "aggregation"
	ResultAffected    ResultKind = "affected"
)

// Result is the uniform statement outcome.
type Result struct {
	Kind        ResultKind   `json:"kind"`
	Columns     []string     `json:"columns,omitempty"`
	Rows        []schema.Row `json:"rows,omitempty"`
	Aggregation float64      `json:"aggregation,omitempty"`
	Affected    int64        `json:"affected,omitempty"`
}

// ---- 查询层领域错误 ----

// ErrParse reports SQL the dialect cannot parse.
type ErrParse struct {
	SQL    string
	Reason string
}

func (e *ErrParse) Error() string {
	return fmt.Sprintf("parse error: %s", e.Reason)
}

// ErrUnsupported reports parsed SQL outside the dialect subset.
type ErrUnsupported struct {
	Feature string
}

func (e *ErrUnsupported) Error() string {
	return fmt.Sprintf("unsupported SQL feature: %s", e.Feature)
}

// ErrOptimization reports a planner failure; callers fall back to scans.
type ErrOptimization struct {
	Reason string
}

func (e *ErrOptimization) Error() string {
	return fmt.Sprintf("query optimization failed: %s", e.Reason)
}

// ErrColumnNotFound reports a condition or projection on an absent
// column.
type ErrColumnNotFound struct {
	Column string
	Table  string
}

func (e *ErrColumnNotFound) Error() string {
	return fmt.Sprintf("column %s not found in table %s", e.Column, e.Table)
}

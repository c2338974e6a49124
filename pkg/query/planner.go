package query

import (
	"fmt"
	"strings"

	"github.com/kasuganosora/versdb/pkg/core"
	"github.com/kasuganosora/versdb/pkg/indices"
)

// Plan describes how candidate rows for one statement are produced.
type Plan struct {
	// UseIndex routes candidate production through the smart-index
	// composite query.
	UseIndex bool                `json:"use_index"`
	Filter   indices.QueryFilter `json:"filter,omitempty"`
	// Scan falls back to walking every row. The full WHERE tree is
	// evaluated on candidates either way, so fast paths only narrow.
	Scan        bool   `json:"scan"`
	Description string `json:"description"`
}

// PlanSelect inspects AND-chained conditions for structured-key fast
// paths (`namespace = x`, `key LIKE 'x.%'`, `key LIKE '%@de'`, exact key
// equality) and delegates candidate production to the smart indices when
// one matches.
func PlanSelect(where *Expression) *Plan {
	filter := indices.QueryFilter{}
	matched := false

	for _, cond := range andChain(where) {
		col, val, ok := simpleCondition(cond)
		if !ok {
			continue
		}
		switch {
		case cond.Operator == "=" && col == "namespace":
			filter.Namespace = val
			matched = true

		case cond.Operator == "=" && col == "key":
			if ki, err := core.ParseKey(val); err == nil {
				filter.Hierarchy = ki.Hierarchy
				mergeModifiers(&filter, &ki.Modifiers)
				matched = true
			}

		case cond.Operator == "LIKE" && col == "key":
			if applyLikePattern(&filter, val) {
				matched = true
			}
		}
	}

	if !matched {
		return &Plan{Scan: true, Description: "full table scan"}
	}
	return &Plan{
		UseIndex:    true,
		Filter:      filter,
		Description: fmt.Sprintf("smart index: %s", describeFilter(filter)),
	}
}

// andChain flattens a tree of AND nodes into its leaf conditions.
func andChain(expr *Expression) []*Expression {
	if expr == nil {
		return nil
	}
	if expr.Type == ExprOperator && expr.Operator == "AND" {
		return append(andChain(expr.Left), andChain(expr.Right)...)
	}
	return []*Expression{expr}
}

// simpleCondition extracts column <op> literal shapes.
func simpleCondition(expr *Expression) (col, val string, ok bool) {
	if expr.Type != ExprOperator || expr.Left == nil || expr.Right == nil {
		return "", "", false
	}
	if expr.Left.Type != ExprColumn || expr.Right.Type != ExprValue {
		return "", "", false
	}
	s, isString := expr.Right.Value.(string)
	if !isString {
		return "", "", false
	}
	return expr.Left.Column, s, true
}

// applyLikePattern recognises structured-key LIKE shapes:
//
//	'page.%'        -> hierarchy [page *]
//	'page.header.%' -> hierarchy [page header *]
//	'%@de'          -> language/environment/season/variant modifier
//	'page.%@de'     -> both combined
func applyLikePattern(filter *indices.QueryFilter, pattern string) bool {
	matched := false

	// Trailing modifier shorthand.
	if at := strings.LastIndexByte(pattern, '@'); at >= 0 {
		mod := pattern[at+1:]
		if mod != "" && !strings.ContainsAny(mod, "%_") {
			mods, err := core.ClassifyModifiers([]string{mod})
			if err == nil && len(mods.Custom) == 0 {
				mergeModifiers(filter, mods)
				matched = true
			}
		}
		pattern = pattern[:at]
		if pattern == "%" || pattern == "" {
			return matched
		}
	}

	// Prefix shape: segments then a trailing %.
	if strings.HasSuffix(pattern, ".%") {
		prefix := strings.TrimSuffix(pattern, ".%")
		if prefix != "" && !strings.ContainsAny(prefix, "%_") {
			segs := strings.Split(prefix, ".")
			filter.Hierarchy = append(segs, indices.Wildcard)
			matched = true
		}
	}
	return matched
}

func mergeModifiers(filter *indices.QueryFilter, mods *core.Modifiers) {
	if mods.Language != "" {
		filter.Language = mods.Language
	}
	if mods.Environment != "" {
		filter.Environment = mods.Environment
	}
	if mods.Season != "" {
		filter.Season = mods.Season
	}
	if mods.Variant != "" {
		filter.Variant = mods.Variant
	}
}

func describeFilter(f indices.QueryFilter) string {
	var parts []string
	if f.Namespace != "" {
		parts = append(parts, "namespace="+f.Namespace)
	}
	if f.Language != "" {
		parts = append(parts, "language="+f.Language)
	}
	if f.Environment != "" {
		parts = append(parts, "environment="+f.Environment)
	}
	if f.Season != "" {
		parts = append(parts, "season="+f.Season)
	}
	if f.Variant != "" {
		parts = append(parts, "variant="+f.Variant)
	}
	if len(f.Hierarchy) > 0 {
		parts = append(parts, "hierarchy="+strings.Join(f.Hierarchy, "."))
	}
	if len(parts) == 0 {
		return "unrestricted"
	}
	return strings.Join(parts, " ∩ ")
}
